// Package server exposes the orchestrator over a WebSocket endpoint.
// Each connection gets its own session; messages on a connection are
// handled strictly in order.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/cortexd/cortex/internal/buildinfo"
	"github.com/cortexd/cortex/internal/orchestrator"
	"github.com/cortexd/cortex/internal/session"
)

const commandHelp = "commands: TRANSMUTE:<path> | INDEX:<path> | MODE <chat|prove|derive> | REFLECT <on|off|status> | RESET | !calc <expr> | !fast <msg> | !prove <claim> | !derive <goal>"

// Envelope is the wire frame for every message in both directions.
// Types sent by the server: start, info, final, error. The token type
// is reserved for streaming.
type Envelope struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// handler is the slice of the orchestrator the server calls.
type handler interface {
	Handle(ctx context.Context, sess *session.Session, raw string) orchestrator.Reply
}

// sizer reports how many entries a store holds, for the start banner.
type sizer interface {
	Size() int
}

// Server is the WebSocket front end.
type Server struct {
	listen   string
	orch     handler
	sessions *session.Store
	vault    sizer
	memory   sizer
	logger   *slog.Logger

	upgrader websocket.Upgrader
	server   *http.Server
}

// New creates a server listening on listen once Start is called.
func New(listen string, orch handler, sessions *session.Store, vault, memory sizer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		listen:   listen,
		orch:     orch,
		sessions: sessions,
		vault:    vault,
		memory:   memory,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /version", s.handleVersion)
	return mux
}

// Start runs the listener until Shutdown or a listen error.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:        s.listen,
		Handler:     s.routes(),
		ReadTimeout: 30 * time.Second,
	}
	s.logger.Info("starting server", "listen", s.listen)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"status":"healthy"}`)
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"name":"cortex","version":%q}`, buildinfo.Version)
}

// wsConn serializes writes to one connection. The reader goroutine and
// any future background sender share it.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) send(env Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
	return c.conn.WriteJSON(env)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	raw, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	connID := uuid.NewString()
	log := s.logger.With("conn", connID, "remote", r.RemoteAddr)
	log.Info("connection opened", "active", s.sessions.Count()+1)

	sess := s.sessions.Open(connID)
	conn := &wsConn{conn: raw}
	defer func() {
		raw.Close()
		s.sessions.Drop(connID)
		log.Info("connection closed")
	}()

	if err := conn.send(Envelope{Type: "start", Data: s.banner()}); err != nil {
		log.Warn("banner send failed", "error", err)
		return
	}

	for {
		mt, data, err := raw.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("read failed", "error", err)
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		text := strings.TrimSpace(string(data))
		if text == "" {
			continue
		}

		reply := s.orch.Handle(r.Context(), sess, text)
		if err := conn.send(Envelope{Type: envelopeType(reply), Data: reply.Text}); err != nil {
			log.Warn("reply send failed", "error", err)
			return
		}
	}
}

func envelopeType(reply orchestrator.Reply) string {
	if strings.HasPrefix(reply.Text, "[ERROR]") || strings.HasPrefix(reply.Text, "DENIED:") {
		return "error"
	}
	if reply.Info {
		return "info"
	}
	return "final"
}

func (s *Server) banner() string {
	return fmt.Sprintf("cortex %s ready. vault: %d entries, ledger: %d records.\n%s",
		buildinfo.Version, s.vault.Size(), s.memory.Size(), commandHelp)
}
