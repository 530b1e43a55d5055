// Package ledger provides the append-only, hash-chained record of
// everything Cortex has seen or done. Each record links to its
// predecessor by hash, so any tampering with history is detectable
// by walking the chain.
package ledger

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Kind classifies a record's payload.
type Kind string

// Record kinds. The set is closed; Commit rejects anything else.
const (
	KindConversation Kind = "CONVERSATION"
	KindCode         Kind = "CODE"
	KindFact         Kind = "FACT"
	KindIngest       Kind = "INGEST"
	KindEvolution    Kind = "EVOLUTION"
)

// GenesisHash is the PrevHash of the first record in any chain.
const GenesisHash = "0"

// Record is one immutable entry in the chain.
type Record struct {
	Hash      string
	PrevHash  string
	Kind      Kind
	Payload   string
	CreatedAt time.Time
}

// ComputeHash derives a record's hash from its chain position and
// content. The timestamp enters as decimal Unix milliseconds so the
// digest is reproducible from stored fields.
func ComputeHash(prevHash string, createdAt time.Time, kind Kind, payload string) string {
	h := sha256.New()
	io.WriteString(h, prevHash)
	io.WriteString(h, strconv.FormatInt(createdAt.UnixMilli(), 10))
	io.WriteString(h, string(kind))
	io.WriteString(h, payload)
	return hex.EncodeToString(h.Sum(nil))
}

func validKind(k Kind) bool {
	switch k {
	case KindConversation, KindCode, KindFact, KindIngest, KindEvolution:
		return true
	}
	return false
}

// Ledger is a durable hash chain. The full chain is held in memory
// for search and verification; sqlite provides durability across
// restarts.
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger

	mu      sync.RWMutex
	records []Record
	tail    string
}

// Open opens (or creates) the ledger database at path and replays
// all stored records into memory.
func Open(path string, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	l := &Ledger{
		db:     db,
		logger: logger,
		tail:   GenesisHash,
	}

	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	if err := l.recall(); err != nil {
		db.Close()
		return nil, fmt.Errorf("recall: %w", err)
	}

	return l, nil
}

// migrate creates the database schema.
func (l *Ledger) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		hash TEXT NOT NULL UNIQUE,
		prev_hash TEXT NOT NULL,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at_ms INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_records_created ON records(created_at_ms, seq);
	`

	_, err := l.db.Exec(schema)
	return err
}

// recall loads all records in creation order and rebuilds the tail
// hash. Rows that fail to scan are skipped with a warning; a partial
// chain is better than refusing to start.
func (l *Ledger) recall() error {
	rows, err := l.db.Query(`
		SELECT hash, prev_hash, kind, payload, created_at_ms
		FROM records ORDER BY created_at_ms, seq
	`)
	if err != nil {
		return fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rec Record
		var kind string
		var createdMs int64
		if err := rows.Scan(&rec.Hash, &rec.PrevHash, &kind, &rec.Payload, &createdMs); err != nil {
			l.logger.Warn("skipping unreadable ledger row", "error", err)
			continue
		}
		rec.Kind = Kind(kind)
		rec.CreatedAt = time.UnixMilli(createdMs)

		l.records = append(l.records, rec)
		l.tail = rec.Hash
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate records: %w", err)
	}

	if len(l.records) > 0 {
		l.logger.Info("ledger recalled", "records", len(l.records), "tail", short(l.tail))
	}
	return nil
}

// Commit appends a record to the chain. The in-memory chain always
// advances; if the durable insert fails the record is still part of
// the running chain and the error tells the caller it did not persist.
func (l *Ledger) Commit(kind Kind, payload string) (Record, error) {
	if !validKind(kind) {
		return Record{}, fmt.Errorf("unknown record kind %q", kind)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	rec := Record{
		PrevHash:  l.tail,
		Kind:      kind,
		Payload:   payload,
		CreatedAt: now,
	}
	rec.Hash = ComputeHash(rec.PrevHash, now, kind, payload)

	l.records = append(l.records, rec)
	l.tail = rec.Hash

	_, err := l.db.Exec(`
		INSERT INTO records (hash, prev_hash, kind, payload, created_at_ms)
		VALUES (?, ?, ?, ?, ?)
	`, rec.Hash, rec.PrevHash, string(rec.Kind), rec.Payload, now.UnixMilli())
	if err != nil {
		l.logger.Error("ledger record not persisted", "hash", short(rec.Hash), "error", err)
		return rec, fmt.Errorf("persist record: %w", err)
	}

	l.logger.Debug("ledger commit", "kind", kind, "hash", short(rec.Hash), "bytes", len(payload))
	return rec, nil
}

// Search returns up to limit records whose payload contains the query,
// case-insensitively, newest first.
func (l *Ledger) Search(query string, limit int) []Record {
	if limit <= 0 {
		limit = 10
	}
	needle := strings.ToLower(query)

	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Record
	for i := len(l.records) - 1; i >= 0 && len(out) < limit; i-- {
		if strings.Contains(strings.ToLower(l.records[i].Payload), needle) {
			out = append(out, l.records[i])
		}
	}
	return out
}

// Verify walks the full chain and checks every link and digest.
func (l *Ledger) Verify() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	prev := GenesisHash
	for i, rec := range l.records {
		if rec.PrevHash != prev {
			return fmt.Errorf("record %d: prev_hash %s does not link to %s", i, short(rec.PrevHash), short(prev))
		}
		want := ComputeHash(rec.PrevHash, rec.CreatedAt, rec.Kind, rec.Payload)
		if rec.Hash != want {
			return fmt.Errorf("record %d: hash mismatch (stored %s, computed %s)", i, short(rec.Hash), short(want))
		}
		prev = rec.Hash
	}
	return nil
}

// Size returns the number of records in the chain.
func (l *Ledger) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// TailHash returns the hash of the most recent record, or GenesisHash
// for an empty chain.
func (l *Ledger) TailHash() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tail
}

// Close closes the database connection.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// short abbreviates a hash for log output.
func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
