package reflect

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/cortexd/cortex/internal/llm"
)

// scriptedChat returns canned responses in order, recording each call.
type scriptedChat struct {
	responses []string
	errs      []error
	calls     [][]llm.Message
	opts      []*llm.Options
}

func (s *scriptedChat) ChatOnce(_ context.Context, messages []llm.Message, _ json.RawMessage, opts *llm.Options) (string, error) {
	i := len(s.calls)
	s.calls = append(s.calls, messages)
	s.opts = append(s.opts, opts)
	if i < len(s.errs) && s.errs[i] != nil {
		return "", s.errs[i]
	}
	if i < len(s.responses) {
		return s.responses[i], nil
	}
	return "", fmt.Errorf("unexpected call %d", i)
}

func TestRun_AcceptSentinelShortCircuits(t *testing.T) {
	chat := &scriptedChat{responses: []string{"the draft answer", "LGTM"}}
	res := New(chat, nil).Run(context.Background(), "question?", "", nil)

	if res.Outcome != OutcomeAccepted {
		t.Errorf("Outcome = %q, want accepted", res.Outcome)
	}
	if res.Final != "the draft answer" {
		t.Errorf("Final = %q, want the draft verbatim", res.Final)
	}
	if len(chat.calls) != 2 {
		t.Fatalf("made %d calls, want 2 (no refine after acceptance)", len(chat.calls))
	}
}

func TestRun_SentinelIsCaseInsensitive(t *testing.T) {
	chat := &scriptedChat{responses: []string{"draft", "  lgtm  "}}
	res := New(chat, nil).Run(context.Background(), "q", "", nil)
	if res.Outcome != OutcomeAccepted || len(chat.calls) != 2 {
		t.Errorf("lowercase sentinel not honored: %+v, %d calls", res, len(chat.calls))
	}
}

func TestRun_ShortCritiqueCountsAsAcceptance(t *testing.T) {
	chat := &scriptedChat{responses: []string{"draft", "ok fine"}}
	res := New(chat, nil).Run(context.Background(), "q", "", nil)
	if res.Outcome != OutcomeAccepted {
		t.Errorf("a critique under %d chars should accept, got %q", acceptMaxLen, res.Outcome)
	}
}

func TestRun_SubstantiveCritiqueTriggersRefine(t *testing.T) {
	chat := &scriptedChat{responses: []string{
		"draft with a made-up fact",
		"The second sentence is not supported by any context block.",
		"refined answer",
	}}
	res := New(chat, nil).Run(context.Background(), "q", "[S1: a.md | chunk 0]\nsource text", nil)

	if res.Outcome != OutcomeRefined {
		t.Errorf("Outcome = %q, want refined", res.Outcome)
	}
	if res.Final != "refined answer" {
		t.Errorf("Final = %q", res.Final)
	}
	if res.Draft != "draft with a made-up fact" || !strings.Contains(res.Critique, "not supported") {
		t.Errorf("artifacts not preserved: %+v", res)
	}
	if len(chat.calls) != 3 {
		t.Fatalf("made %d calls, want 3", len(chat.calls))
	}

	// Phase temperatures: exploratory draft, deterministic critique,
	// conservative refine.
	if chat.opts[0].Temperature != draftTemperature {
		t.Errorf("draft temp = %v", chat.opts[0].Temperature)
	}
	if chat.opts[1].Temperature != critiqueTemperature {
		t.Errorf("critique temp = %v", chat.opts[1].Temperature)
	}
	if chat.opts[2].Temperature != refineTemperature {
		t.Errorf("refine temp = %v", chat.opts[2].Temperature)
	}
}

func TestRun_DraftFailureTerminatesWithText(t *testing.T) {
	chat := &scriptedChat{errs: []error{fmt.Errorf("backend unreachable")}}
	res := New(chat, nil).Run(context.Background(), "q", "", nil)

	if !strings.HasPrefix(res.Final, "[ERROR]") {
		t.Errorf("Final = %q, want embedded error text", res.Final)
	}
	if len(chat.calls) != 1 {
		t.Errorf("made %d calls, want 1 (nothing to critique)", len(chat.calls))
	}
}

func TestRun_CritiqueFailureKeepsDraft(t *testing.T) {
	chat := &scriptedChat{
		responses: []string{"solid draft", ""},
		errs:      []error{nil, fmt.Errorf("timeout")},
	}
	res := New(chat, nil).Run(context.Background(), "q", "", nil)

	if res.Final != "solid draft" {
		t.Errorf("Final = %q, want the draft", res.Final)
	}
	if res.Outcome != OutcomeAccepted {
		t.Errorf("Outcome = %q", res.Outcome)
	}
}

func TestRun_RefineFailureKeepsDraft(t *testing.T) {
	chat := &scriptedChat{
		responses: []string{"draft", "a substantive critique of the draft", ""},
		errs:      []error{nil, nil, fmt.Errorf("timeout")},
	}
	res := New(chat, nil).Run(context.Background(), "q", "", nil)

	if res.Final != "draft" {
		t.Errorf("Final = %q, want the draft kept after refine failure", res.Final)
	}
}

func TestRun_ContextAndHistoryPlacement(t *testing.T) {
	chat := &scriptedChat{responses: []string{"draft", "LGTM"}}
	history := []llm.Message{
		{Role: "user", Content: "earlier question"},
		{Role: "assistant", Content: "earlier answer"},
	}
	New(chat, nil).Run(context.Background(), "current question", "[S1: doc.md | chunk 1]\nfacts", history)

	draftCall := chat.calls[0]
	if draftCall[0].Role != "system" {
		t.Fatal("draft call must start with the system prompt")
	}
	if draftCall[1].Content != "earlier question" || draftCall[2].Content != "earlier answer" {
		t.Error("history missing from draft call")
	}
	last := draftCall[len(draftCall)-1]
	if !strings.Contains(last.Content, "CONTEXT:") || !strings.Contains(last.Content, "current question") {
		t.Errorf("final user message malformed: %q", last.Content)
	}

	// The critique sees draft and context but not the conversation.
	critiqueCall := chat.calls[1]
	for _, m := range critiqueCall {
		if strings.Contains(m.Content, "earlier question") {
			t.Error("history leaked into the critique call")
		}
	}
}
