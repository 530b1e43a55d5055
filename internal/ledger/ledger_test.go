package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"testing"
	"time"
)

func openTestLedger(t *testing.T) (*Ledger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	l, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l, path
}

func TestCommit_ChainLinkage(t *testing.T) {
	l, _ := openTestLedger(t)

	first, err := l.Commit(KindFact, "alpha")
	if err != nil {
		t.Fatalf("Commit error: %v", err)
	}
	if first.PrevHash != GenesisHash {
		t.Errorf("first PrevHash = %q, want %q", first.PrevHash, GenesisHash)
	}

	second, err := l.Commit(KindConversation, "beta")
	if err != nil {
		t.Fatalf("Commit error: %v", err)
	}
	if second.PrevHash != first.Hash {
		t.Errorf("second PrevHash = %s, want %s", second.PrevHash, first.Hash)
	}
	if l.TailHash() != second.Hash {
		t.Errorf("TailHash = %s, want %s", l.TailHash(), second.Hash)
	}
	if l.Size() != 2 {
		t.Errorf("Size = %d, want 2", l.Size())
	}
}

func TestCommit_RejectsUnknownKind(t *testing.T) {
	l, _ := openTestLedger(t)
	if _, err := l.Commit(Kind("GOSSIP"), "x"); err == nil {
		t.Fatal("expected error for unknown kind")
	}
	if l.Size() != 0 {
		t.Errorf("rejected commit must not grow the chain, Size = %d", l.Size())
	}
}

func TestRecall_SurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")

	l, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	l.Commit(KindFact, "persisted one")
	rec, _ := l.Commit(KindCode, "persisted two")
	l.Close()

	reopened, err := Open(path, nil)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer reopened.Close()

	if reopened.Size() != 2 {
		t.Fatalf("Size after reopen = %d, want 2", reopened.Size())
	}
	if reopened.TailHash() != rec.Hash {
		t.Errorf("tail after reopen = %s, want %s", reopened.TailHash(), rec.Hash)
	}
	if err := reopened.Verify(); err != nil {
		t.Errorf("Verify after reopen: %v", err)
	}

	// The chain continues from the recalled tail.
	next, _ := reopened.Commit(KindFact, "persisted three")
	if next.PrevHash != rec.Hash {
		t.Errorf("continuation PrevHash = %s, want %s", next.PrevHash, rec.Hash)
	}
}

func TestVerify_DetectsTampering(t *testing.T) {
	l, _ := openTestLedger(t)
	l.Commit(KindFact, "original")
	l.Commit(KindFact, "follow-up")

	if err := l.Verify(); err != nil {
		t.Fatalf("Verify on honest chain: %v", err)
	}

	l.mu.Lock()
	l.records[0].Payload = "rewritten"
	l.mu.Unlock()

	if err := l.Verify(); err == nil {
		t.Fatal("Verify must fail after payload tampering")
	}
}

func TestSearch(t *testing.T) {
	l, _ := openTestLedger(t)
	l.Commit(KindFact, "the capital of France is Paris")
	l.Commit(KindConversation, "user asked about weather")
	l.Commit(KindFact, "paris hosts the Louvre")

	got := l.Search("PARIS", 10)
	if len(got) != 2 {
		t.Fatalf("Search returned %d records, want 2", len(got))
	}
	// Newest first.
	if got[0].Payload != "paris hosts the Louvre" {
		t.Errorf("first result = %q, want newest match", got[0].Payload)
	}

	if got := l.Search("paris", 1); len(got) != 1 {
		t.Errorf("limit not honored: got %d", len(got))
	}
	if got := l.Search("nonexistent", 10); len(got) != 0 {
		t.Errorf("expected no matches, got %d", len(got))
	}
}

func TestComputeHash_Deterministic(t *testing.T) {
	at := time.UnixMilli(1700000000000)

	got := ComputeHash(GenesisHash, at, KindFact, "hello")
	again := ComputeHash(GenesisHash, at, KindFact, "hello")
	if got != again {
		t.Fatalf("hash not deterministic: %s vs %s", got, again)
	}

	// The digest is sha256 over the exact concatenation of prev hash,
	// decimal Unix milliseconds, kind, and payload.
	sum := sha256.Sum256([]byte("0" + "1700000000000" + "FACT" + "hello"))
	if want := hex.EncodeToString(sum[:]); got != want {
		t.Errorf("hash = %s, want %s", got, want)
	}

	if ComputeHash(GenesisHash, at, KindFact, "hello!") == got {
		t.Error("different payloads must hash differently")
	}
	if ComputeHash(GenesisHash, at.Add(time.Millisecond), KindFact, "hello") == got {
		t.Error("different timestamps must hash differently")
	}
}

func TestTailHash_EmptyChain(t *testing.T) {
	l, _ := openTestLedger(t)
	if l.TailHash() != GenesisHash {
		t.Errorf("empty chain tail = %q, want %q", l.TailHash(), GenesisHash)
	}
	if err := l.Verify(); err != nil {
		t.Errorf("Verify on empty chain: %v", err)
	}
}
