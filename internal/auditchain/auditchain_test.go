package auditchain_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jmerrifield20/intentledger/internal/auditchain"
)

var ctx = context.Background()

func commitEvent(key string) auditchain.Event {
	return auditchain.Event{
		Action:         auditchain.ActionCommit,
		IdempotencyKey: key,
		CommitHash:     "abc123",
		File:           key + ".json",
	}
}

func TestNewMemory_genesisEntry(t *testing.T) {
	c := auditchain.NewMemory()

	n, err := c.Len(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 genesis entry, got %d", n)
	}

	entry, err := c.Get(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Action != auditchain.ActionGenesis {
		t.Errorf("expected action 'genesis', got %q", entry.Action)
	}
	if entry.Hash != auditchain.GenesisHash {
		t.Errorf("genesis hash: got %q, want GenesisHash", entry.Hash)
	}
}

func TestAppend_chainsCorrectly(t *testing.T) {
	c := auditchain.NewMemory()

	e1, err := c.Append(ctx, commitEvent("k1"))
	if err != nil {
		t.Fatal(err)
	}
	e2, err := c.Append(ctx, commitEvent("k2"))
	if err != nil {
		t.Fatal(err)
	}

	if e1.PrevHash != auditchain.GenesisHash {
		t.Errorf("first entry should chain from genesis, got %q", e1.PrevHash)
	}
	if e2.PrevHash != e1.Hash {
		t.Errorf("chain broken: e2.PrevHash=%q, want e1.Hash=%q", e2.PrevHash, e1.Hash)
	}
	if e2.Index != 2 {
		t.Errorf("expected index 2, got %d", e2.Index)
	}
	for _, e := range []*auditchain.Entry{e1, e2} {
		if !e.Timestamp.Equal(e.Timestamp.Truncate(time.Microsecond)) {
			t.Errorf("entry %d timestamp %v carries sub-microsecond precision", e.Index, e.Timestamp)
		}
	}

	root, err := c.Root(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if root != e2.Hash {
		t.Errorf("Root(): got %q, want %q", root, e2.Hash)
	}
}

func TestVerify_valid(t *testing.T) {
	c := auditchain.NewMemory()
	if err := c.Verify(ctx); err != nil {
		t.Errorf("Verify() on genesis-only chain should pass: %v", err)
	}
	_, _ = c.Append(ctx, commitEvent("k1"))
	_, _ = c.Append(ctx, auditchain.Event{Action: auditchain.ActionReindex})

	if err := c.Verify(ctx); err != nil {
		t.Errorf("Verify() failed on valid chain: %v", err)
	}
}

func TestGet_returnsCopy(t *testing.T) {
	c := auditchain.NewMemory()
	_, _ = c.Append(ctx, commitEvent("k1"))

	e, err := c.Get(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	e.CommitHash = "tampered"

	if err := c.Verify(ctx); err != nil {
		t.Errorf("mutating a returned entry must not affect the chain: %v", err)
	}
}

func TestGet_outOfRange(t *testing.T) {
	c := auditchain.NewMemory()
	if _, err := c.Get(ctx, 5); err == nil {
		t.Error("expected error for out-of-range index")
	}
	if _, err := c.Get(ctx, -1); err == nil {
		t.Error("expected error for negative index")
	}
}

func TestAppend_concurrent(t *testing.T) {
	c := auditchain.NewMemory()
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.Append(ctx, commitEvent("k"))
		}()
	}
	wg.Wait()

	n, _ := c.Len(ctx)
	if n != 26 {
		t.Errorf("expected 26 entries, got %d", n)
	}
	if err := c.Verify(ctx); err != nil {
		t.Errorf("Verify() after concurrent appends: %v", err)
	}
}
