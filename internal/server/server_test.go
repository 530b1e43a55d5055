package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cortexd/cortex/internal/orchestrator"
	"github.com/cortexd/cortex/internal/session"
)

type scriptedOrch struct{}

func (scriptedOrch) Handle(_ context.Context, sess *session.Session, raw string) orchestrator.Reply {
	switch raw {
	case "RESET":
		sess.Clear()
		return orchestrator.Reply{Text: "session memory cleared", Info: true}
	case "boom":
		return orchestrator.Reply{Text: "[ERROR] backend unavailable"}
	default:
		sess.Push("user", raw)
		return orchestrator.Reply{Text: "echo: " + raw}
	}
}

type staticSize int

func (s staticSize) Size() int { return int(s) }

func newTestServer(t *testing.T) (*httptest.Server, *session.Store) {
	t.Helper()
	sessions := session.NewStore(10, 10000, "CHAT", true, nil)
	srv := New("127.0.0.1:0", scriptedOrch{}, sessions, staticSize(7), staticSize(3), nil)
	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)
	return ts, sessions
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var env Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	return env
}

func TestWS_StartBanner(t *testing.T) {
	ts, _ := newTestServer(t)
	conn := dial(t, ts)

	env := readEnvelope(t, conn)
	if env.Type != "start" {
		t.Fatalf("first envelope type = %q, want start", env.Type)
	}
	if !strings.Contains(env.Data, "vault: 7 entries") || !strings.Contains(env.Data, "ledger: 3 records") {
		t.Errorf("banner missing store sizes: %q", env.Data)
	}
	if !strings.Contains(env.Data, "TRANSMUTE:") {
		t.Errorf("banner missing command help: %q", env.Data)
	}
}

func TestWS_EnvelopeTypes(t *testing.T) {
	ts, _ := newTestServer(t)
	conn := dial(t, ts)
	readEnvelope(t, conn) // banner

	tests := []struct {
		send     string
		wantType string
		wantData string
	}{
		{"hello", "final", "echo: hello"},
		{"RESET", "info", "session memory cleared"},
		{"boom", "error", "[ERROR] backend unavailable"},
	}
	for _, tt := range tests {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(tt.send)); err != nil {
			t.Fatalf("write %q: %v", tt.send, err)
		}
		env := readEnvelope(t, conn)
		if env.Type != tt.wantType || env.Data != tt.wantData {
			t.Errorf("send %q: got %+v, want {%s %s}", tt.send, env, tt.wantType, tt.wantData)
		}
	}
}

func TestWS_MessagesHandledInOrder(t *testing.T) {
	ts, _ := newTestServer(t)
	conn := dial(t, ts)
	readEnvelope(t, conn)

	for _, msg := range []string{"one", "two", "three"} {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			t.Fatal(err)
		}
	}
	for _, want := range []string{"echo: one", "echo: two", "echo: three"} {
		if env := readEnvelope(t, conn); env.Data != want {
			t.Errorf("got %q, want %q", env.Data, want)
		}
	}
}

func TestWS_BlankFramesIgnored(t *testing.T) {
	ts, _ := newTestServer(t)
	conn := dial(t, ts)
	readEnvelope(t, conn)

	conn.WriteMessage(websocket.TextMessage, []byte("   "))
	conn.WriteMessage(websocket.TextMessage, []byte("real"))

	if env := readEnvelope(t, conn); env.Data != "echo: real" {
		t.Errorf("blank frame produced a reply before %q", env.Data)
	}
}

func TestWS_SessionDroppedOnClose(t *testing.T) {
	ts, sessions := newTestServer(t)
	conn := dial(t, ts)
	readEnvelope(t, conn)

	if got := sessions.Count(); got != 1 {
		t.Fatalf("sessions after connect = %d, want 1", got)
	}

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for sessions.Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session not dropped after close")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWS_SessionsAreIsolated(t *testing.T) {
	ts, sessions := newTestServer(t)

	a := dial(t, ts)
	b := dial(t, ts)
	readEnvelope(t, a)
	readEnvelope(t, b)

	a.WriteMessage(websocket.TextMessage, []byte("from a"))
	readEnvelope(t, a)

	if got := sessions.Count(); got != 2 {
		t.Fatalf("sessions = %d, want 2", got)
	}
}

func TestHTTP_Health(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}
}

func TestHTTP_Version(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/version")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}
