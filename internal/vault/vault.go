// Package vault stores embedded text chunks and answers nearest-neighbor
// queries over them. Entries persist as one JSON line each in an
// append-only file, so a crash can lose at most the line being written.
package vault

import (
	"bufio"
	"container/heap"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sort"
	"sync"

	"github.com/oklog/ulid/v2"
)

// Entry is one embedded chunk of a source document.
type Entry struct {
	ID         string    `json:"id"`
	SourcePath string    `json:"source_path"`
	ChunkIndex int       `json:"chunk_index"`
	Text       string    `json:"text"`
	Embedding  []float32 `json:"embedding"`
}

// Match pairs an entry with its similarity to a query vector.
type Match struct {
	Entry Entry
	Score float64
}

// Vault is the in-memory index plus its JSONL backing file.
type Vault struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	entries []Entry
	seen    map[string]struct{}
}

// Open loads the vault file at path, creating it if absent. Malformed
// lines are skipped with a warning so one bad write cannot take the
// whole index down.
func Open(path string, logger *slog.Logger) (*Vault, error) {
	if logger == nil {
		logger = slog.Default()
	}

	v := &Vault{
		path:   path,
		logger: logger,
		seen:   make(map[string]struct{}),
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return v, nil
		}
		return nil, fmt.Errorf("open vault: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			logger.Warn("skipping malformed vault line", "line", line, "error", err)
			continue
		}
		v.entries = append(v.entries, e)
		v.seen[dedupeKey(e.SourcePath, e.ChunkIndex, e.Text)] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read vault: %w", err)
	}

	if len(v.entries) > 0 {
		logger.Info("vault loaded", "entries", len(v.entries), "path", path)
	}
	return v, nil
}

// dedupeKey identifies a chunk by where it came from and what it says.
// Re-embedding the same text from the same position is a no-op even
// when the embedding model drifts between runs.
func dedupeKey(sourcePath string, chunkIndex int, text string) string {
	sum := sha256.Sum256([]byte(text))
	return fmt.Sprintf("%s|%d|%s", sourcePath, chunkIndex, hex.EncodeToString(sum[:]))
}

// Append stores one entry per chunk, skipping chunks already present.
// chunks and vectors must correspond one-to-one. Returns the number of
// entries actually added.
func (v *Vault) Append(sourcePath string, chunks []string, vectors [][]float32) (int, error) {
	if len(chunks) != len(vectors) {
		return 0, fmt.Errorf("append: %d chunks but %d vectors", len(chunks), len(vectors))
	}
	if len(chunks) == 0 {
		return 0, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	var fresh []Entry
	for i, text := range chunks {
		key := dedupeKey(sourcePath, i, text)
		if _, dup := v.seen[key]; dup {
			continue
		}
		fresh = append(fresh, Entry{
			ID:         ulid.Make().String(),
			SourcePath: sourcePath,
			ChunkIndex: i,
			Text:       text,
			Embedding:  vectors[i],
		})
	}
	if len(fresh) == 0 {
		return 0, nil
	}

	f, err := os.OpenFile(v.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return 0, fmt.Errorf("open vault for append: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	added := 0
	for _, e := range fresh {
		data, err := json.Marshal(e)
		if err != nil {
			return added, fmt.Errorf("marshal entry: %w", err)
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			return added, fmt.Errorf("write entry: %w", err)
		}
		// Memory only advances with the durable line, keeping the file
		// a prefix-consistent image of the index.
		v.entries = append(v.entries, e)
		v.seen[dedupeKey(e.SourcePath, e.ChunkIndex, e.Text)] = struct{}{}
		added++
	}
	if err := w.Flush(); err != nil {
		return added, fmt.Errorf("flush vault: %w", err)
	}

	v.logger.Debug("vault append", "source", sourcePath, "offered", len(chunks), "added", added)
	return added, nil
}

// matchHeap is a min-heap by score, so the weakest of the current
// best k sits at the root and is cheap to evict.
type matchHeap []Match

func (h matchHeap) Len() int            { return len(h) }
func (h matchHeap) Less(i, j int) bool  { return h[i].Score < h[j].Score }
func (h matchHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *matchHeap) Push(x any)         { *h = append(*h, x.(Match)) }
func (h *matchHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// TopK returns the k entries most similar to the query vector, best
// first. Fewer than k entries in the vault means fewer results; an
// empty vault or nil query means none.
func (v *Vault) TopK(query []float32, k int) []Match {
	if k <= 0 || len(query) == 0 {
		return nil
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	h := make(matchHeap, 0, k)
	for _, e := range v.entries {
		score := CosineSimilarity(query, e.Embedding)
		if len(h) < k {
			heap.Push(&h, Match{Entry: e, Score: score})
			continue
		}
		if score > h[0].Score {
			h[0] = Match{Entry: e, Score: score}
			heap.Fix(&h, 0)
		}
	}

	out := make([]Match, len(h))
	copy(out, h)
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// Entries returns a snapshot copy of every entry, in insertion order.
func (v *Vault) Entries() []Entry {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]Entry, len(v.entries))
	copy(out, v.entries)
	return out
}

// Size returns the number of entries in the vault.
func (v *Vault) Size() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.entries)
}

// Clear removes every entry and truncates the backing file.
func (v *Vault) Clear() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := os.Truncate(v.path, 0); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("truncate vault: %w", err)
	}
	v.entries = nil
	v.seen = make(map[string]struct{})
	return nil
}

// CosineSimilarity computes the cosine similarity between two vectors.
// Mismatched lengths compare over the shorter prefix; a zero-norm
// vector scores 0 rather than dividing by zero.
func CosineSimilarity(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
