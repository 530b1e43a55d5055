package toolkit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cortexd/cortex/internal/ledger"
)

// Tool names as the planner sees them.
const (
	ToolNone         = "none"
	ToolCalc         = "calc"
	ToolNoteSet      = "note_set"
	ToolNoteGet      = "note_get"
	ToolListFiles    = "list_files"
	ToolWriteFile    = "write_file"
	ToolMemorySearch = "memory_search"
	ToolIndexPath    = "index_path"
)

// listFilesCap bounds directory listings so one tool result cannot
// flood the context window.
const listFilesCap = 200

// Request is a tool invocation. The set of implementations is closed;
// dispatch is an exhaustive type switch, so adding a tool means adding
// a variant here and a case in Execute.
type Request interface {
	Tool() string
}

// CalcRequest evaluates an arithmetic expression.
type CalcRequest struct {
	Expr string
}

func (CalcRequest) Tool() string { return ToolCalc }

// NoteSetRequest records a key/value fact in the ledger.
type NoteSetRequest struct {
	Key   string
	Value string
}

func (NoteSetRequest) Tool() string { return ToolNoteSet }

// NoteGetRequest recalls the most recent value for a key.
type NoteGetRequest struct {
	Key string
}

func (NoteGetRequest) Tool() string { return ToolNoteGet }

// ListFilesRequest lists a directory inside the sandbox.
type ListFilesRequest struct {
	Dir string
}

func (ListFilesRequest) Tool() string { return ToolListFiles }

// WriteFileRequest writes a file under the write root. Existing files
// are refused unless Overwrite is set.
type WriteFileRequest struct {
	Path      string
	Content   string
	Overwrite bool
}

func (WriteFileRequest) Tool() string { return ToolWriteFile }

// MemorySearchRequest searches ledger payloads for a substring.
type MemorySearchRequest struct {
	Query string
	Limit int
}

func (MemorySearchRequest) Tool() string { return ToolMemorySearch }

// IndexPathRequest ingests a file or directory tree into the vault.
type IndexPathRequest struct {
	Path      string
	ChunkSize int
	Overlap   int
}

func (IndexPathRequest) Tool() string { return ToolIndexPath }

// Result is what a tool execution produced. Output carries errors and
// denials as text; there is no error channel out of the router.
type Result struct {
	Tool   string
	Output string
}

// memoryLedger is the slice of the ledger the tools need.
type memoryLedger interface {
	Commit(kind ledger.Kind, payload string) (ledger.Record, error)
	Search(query string, limit int) []ledger.Record
}

// Indexer feeds documents into the vault. Wired to the ingest
// pipeline at startup; nil disables the index_path tool.
type Indexer interface {
	IndexDir(ctx context.Context, path string, chunkSize, overlap int) (files, chunks int, err error)
}

// Router executes tool requests against the sandbox, ledger, and
// indexer it was built with.
type Router struct {
	sandbox *Sandbox
	memory  memoryLedger
	indexer Indexer
	logger  *slog.Logger
}

// NewRouter creates a tool router. indexer may be nil.
func NewRouter(sandbox *Sandbox, memory memoryLedger, indexer Indexer, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{sandbox: sandbox, memory: memory, indexer: indexer, logger: logger}
}

// Execute runs one tool request. It never returns a Go error and
// never panics outward: sandbox refusals become "DENIED: ..." output
// and everything else that goes wrong becomes "[TOOL ERROR] ...".
func (r *Router) Execute(ctx context.Context, req Request) (res Result) {
	res.Tool = req.Tool()

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("tool panicked", "tool", res.Tool, "panic", p)
			res.Output = fmt.Sprintf("[TOOL ERROR] %s: internal failure", res.Tool)
		}
	}()

	output, err := r.dispatch(ctx, req)
	if err != nil {
		var denied *ErrDenied
		if errors.As(err, &denied) {
			r.logger.Warn("tool access denied", "tool", res.Tool, "path", denied.Path, "reason", denied.Reason)
			res.Output = "DENIED: " + denied.Error()
			return res
		}
		r.logger.Warn("tool failed", "tool", res.Tool, "error", err)
		res.Output = fmt.Sprintf("[TOOL ERROR] %s: %v", res.Tool, err)
		return res
	}

	res.Output = output
	return res
}

func (r *Router) dispatch(ctx context.Context, req Request) (string, error) {
	switch q := req.(type) {
	case CalcRequest:
		return r.calc(q)
	case NoteSetRequest:
		return r.noteSet(q)
	case NoteGetRequest:
		return r.noteGet(q)
	case ListFilesRequest:
		return r.listFiles(q)
	case WriteFileRequest:
		return r.writeFile(q)
	case MemorySearchRequest:
		return r.memorySearch(q)
	case IndexPathRequest:
		return r.indexPath(ctx, q)
	default:
		return "", fmt.Errorf("unknown request type %T", req)
	}
}

func (r *Router) calc(q CalcRequest) (string, error) {
	val, err := Evaluate(q.Expr)
	if err != nil {
		return "", fmt.Errorf("evaluate %q: %w", q.Expr, err)
	}
	return FormatResult(val), nil
}

func (r *Router) noteSet(q NoteSetRequest) (string, error) {
	key := strings.TrimSpace(q.Key)
	if key == "" {
		return "", fmt.Errorf("note key is empty")
	}
	if _, err := r.memory.Commit(ledger.KindFact, key+" = "+q.Value); err != nil {
		return "", fmt.Errorf("record note: %w", err)
	}
	return fmt.Sprintf("noted %s", key), nil
}

func (r *Router) noteGet(q NoteGetRequest) (string, error) {
	key := strings.TrimSpace(q.Key)
	if key == "" {
		return "", fmt.Errorf("note key is empty")
	}
	// Search returns newest first, so the first hit is the live value.
	for _, rec := range r.memory.Search(key+" = ", 1) {
		if rec.Kind == ledger.KindFact {
			return rec.Payload, nil
		}
	}
	return fmt.Sprintf("no note found for %s", key), nil
}

func (r *Router) listFiles(q ListFilesRequest) (string, error) {
	dir, err := r.sandbox.ResolveRead(q.Dir)
	if err != nil {
		return "", err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("read directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)

	if len(names) == 0 {
		return "(empty directory)", nil
	}
	if len(names) > listFilesCap {
		names = names[:listFilesCap]
		names = append(names, fmt.Sprintf("... and %d more", len(entries)-listFilesCap))
	}
	return strings.Join(names, "\n"), nil
}

func (r *Router) writeFile(q WriteFileRequest) (string, error) {
	path, err := r.sandbox.ResolveWrite(q.Path)
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(path); err == nil && !q.Overwrite {
		return "", fmt.Errorf("%s already exists (set overwrite to replace it)", q.Path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(q.Content), 0644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(q.Content), path), nil
}

func (r *Router) memorySearch(q MemorySearchRequest) (string, error) {
	if strings.TrimSpace(q.Query) == "" {
		return "", fmt.Errorf("search query is empty")
	}
	limit := q.Limit
	if limit <= 0 || limit > 20 {
		limit = 5
	}

	records := r.memory.Search(q.Query, limit)
	if len(records) == 0 {
		return "no ledger records match", nil
	}

	var b strings.Builder
	for i, rec := range records {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "[%s %s] %s", rec.Kind, rec.CreatedAt.Format("2006-01-02 15:04"), rec.Payload)
	}
	return b.String(), nil
}

func (r *Router) indexPath(ctx context.Context, q IndexPathRequest) (string, error) {
	if r.indexer == nil {
		return "", fmt.Errorf("indexing is not available")
	}
	path, err := r.sandbox.ResolveRead(q.Path)
	if err != nil {
		return "", err
	}

	files, chunks, err := r.indexer.IndexDir(ctx, path, q.ChunkSize, q.Overlap)
	if err != nil {
		return "", fmt.Errorf("index %s: %w", q.Path, err)
	}
	return fmt.Sprintf("indexed %d files (%d chunks) from %s", files, chunks, path), nil
}
