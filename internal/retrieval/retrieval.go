// Package retrieval assembles the grounding context that accompanies a
// query to the model. Two interchangeable strategies exist: lexical
// token overlap (no model round-trip) and embedding similarity.
// Either way the output is a budgeted sequence of attributed blocks;
// an empty result is a valid answer, never an error.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/cortexd/cortex/internal/vault"
)

// Strategy names accepted in configuration.
const (
	StrategyLexical = "lexical"
	StrategyVector  = "vector"
)

// Assembler builds a context packet for a query.
type Assembler interface {
	Assemble(ctx context.Context, query string) (string, error)
}

// Options bound the size of an assembled packet.
type Options struct {
	// MaxChunks is the number of candidate blocks considered.
	MaxChunks int
	// CharBudget is the maximum packet length. A block that would push
	// the packet past the budget is dropped whole, never truncated.
	CharBudget int
}

func (o Options) withDefaults() Options {
	if o.MaxChunks <= 0 {
		o.MaxChunks = 6
	}
	if o.CharBudget <= 0 {
		o.CharBudget = 8000
	}
	return o
}

// chunkSource provides the full corpus for lexical scoring.
type chunkSource interface {
	Entries() []vault.Entry
}

// vectorSearcher answers nearest-neighbor queries.
type vectorSearcher interface {
	TopK(query []float32, k int) []vault.Match
}

// embedder turns a query into a vector.
type embedder interface {
	EmbedOne(ctx context.Context, text string) ([]float32, error)
}

// formatBlock renders one attributed context block. The [S#] label is
// what answers cite when they draw on the block.
func formatBlock(n int, e vault.Entry) string {
	return fmt.Sprintf("[S%d: %s | chunk %d]\n%s", n, e.SourcePath, e.ChunkIndex, e.Text)
}

// pack joins ranked entries into a packet, honoring the char budget.
// Blocks are numbered S1, S2, ... in rank order; appending stops at
// the first block that would overflow.
func pack(ranked []vault.Entry, budget int) string {
	var b strings.Builder
	for i, e := range ranked {
		block := formatBlock(i+1, e)
		sep := 0
		if b.Len() > 0 {
			sep = 2
		}
		if b.Len()+sep+len(block) > budget {
			break
		}
		if sep > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(block)
	}
	return b.String()
}

// Tokenize lowercases text and returns the set of alphanumeric or
// underscore runs at least three characters long.
func Tokenize(text string) map[string]struct{} {
	tokens := make(map[string]struct{})
	var run []rune
	flush := func() {
		if len(run) >= 3 {
			tokens[string(run)] = struct{}{}
		}
		run = run[:0]
	}
	for _, r := range strings.ToLower(text) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_' {
			run = append(run, r)
			continue
		}
		flush()
	}
	flush()
	return tokens
}

// Lexical ranks chunks by shared-token count with the query.
type Lexical struct {
	source chunkSource
	opts   Options
	logger *slog.Logger
}

// NewLexical creates a lexical assembler over the given corpus.
func NewLexical(source chunkSource, opts Options, logger *slog.Logger) *Lexical {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lexical{source: source, opts: opts.withDefaults(), logger: logger}
}

// Assemble scores every chunk against the query's token set and packs
// the best scorers. A query with no usable tokens, or a corpus with no
// overlap, yields an empty packet.
func (l *Lexical) Assemble(_ context.Context, query string) (string, error) {
	queryTokens := Tokenize(query)
	if len(queryTokens) == 0 {
		return "", nil
	}

	type scored struct {
		entry vault.Entry
		score int
	}
	var candidates []scored
	for _, e := range l.source.Entries() {
		score := 0
		for tok := range Tokenize(e.Text) {
			if _, ok := queryTokens[tok]; ok {
				score++
			}
		}
		if score > 0 {
			candidates = append(candidates, scored{entry: e, score: score})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})
	if len(candidates) > l.opts.MaxChunks {
		candidates = candidates[:l.opts.MaxChunks]
	}

	ranked := make([]vault.Entry, len(candidates))
	for i, c := range candidates {
		ranked[i] = c.entry
	}

	packet := pack(ranked, l.opts.CharBudget)
	l.logger.Debug("lexical context assembled", "candidates", len(candidates), "chars", len(packet))
	return packet, nil
}

// Vector ranks chunks by embedding similarity to the query.
type Vector struct {
	embedder embedder
	searcher vectorSearcher
	opts     Options
	logger   *slog.Logger
}

// NewVector creates a similarity assembler backed by an embedding
// gateway and a vector index.
func NewVector(e embedder, s vectorSearcher, opts Options, logger *slog.Logger) *Vector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Vector{embedder: e, searcher: s, opts: opts.withDefaults(), logger: logger}
}

// Assemble embeds the query and packs its nearest neighbors. An
// embedding failure propagates; callers decide whether to degrade to
// an empty packet.
func (v *Vector) Assemble(ctx context.Context, query string) (string, error) {
	queryVec, err := v.embedder.EmbedOne(ctx, query)
	if err != nil {
		return "", fmt.Errorf("embed query: %w", err)
	}

	matches := v.searcher.TopK(queryVec, v.opts.MaxChunks)
	ranked := make([]vault.Entry, len(matches))
	for i, m := range matches {
		ranked[i] = m.Entry
	}

	packet := pack(ranked, v.opts.CharBudget)
	v.logger.Debug("vector context assembled", "matches", len(matches), "chars", len(packet))
	return packet, nil
}
