package auditchain

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryChain is an in-memory, thread-safe Chain.
type MemoryChain struct {
	mu      sync.RWMutex
	entries []*Entry
}

// NewMemory creates a MemoryChain holding only the genesis entry.
func NewMemory() *MemoryChain {
	return &MemoryChain{entries: []*Entry{{
		Index:     0,
		Timestamp: stamp(time.Now()),
		Action:    ActionGenesis,
		PrevHash:  GenesisHash,
		Hash:      GenesisHash,
	}}}
}

// Append implements Chain.
func (c *MemoryChain) Append(_ context.Context, ev Event) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.entries[len(c.entries)-1]
	e := newEntry(len(c.entries), prev.Hash, ev, time.Now())
	c.entries = append(c.entries, e)
	cp := *e
	return &cp, nil
}

// Get implements Chain.
func (c *MemoryChain) Get(_ context.Context, index int) (*Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if index < 0 || index >= len(c.entries) {
		return nil, fmt.Errorf("index %d out of range", index)
	}
	cp := *c.entries[index]
	return &cp, nil
}

// Len implements Chain.
func (c *MemoryChain) Len(_ context.Context) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries), nil
}

// Verify implements Chain.
func (c *MemoryChain) Verify(_ context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var prev *Entry
	for _, curr := range c.entries {
		if err := verifyLink(prev, curr); err != nil {
			return err
		}
		prev = curr
	}
	return nil
}

// Root implements Chain.
func (c *MemoryChain) Root(_ context.Context) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[len(c.entries)-1].Hash, nil
}
