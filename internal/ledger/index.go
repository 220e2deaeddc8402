package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jmerrifield20/intentledger/internal/envelope"
)

// IndexVersion is the on-disk index format version.
const IndexVersion = 1

// CommitEntry is the index entry for an idempotency key.
type CommitEntry struct {
	TS    any    `json:"ts"`
	Nonce string `json:"nonce"`
	Hash  string `json:"hash"`
	File  string `json:"file"`
}

// NonceEntry is the index entry for a nonce.
type NonceEntry struct {
	TS             any    `json:"ts"`
	IdempotencyKey string `json:"idempotencyKey"`
	Hash           string `json:"hash"`
	File           string `json:"file"`
}

// Index maps idempotency keys and nonces to the records that consumed them.
// It is derived state: every entry references a record file in the ledger
// directory.
type Index struct {
	Version   int                    `json:"version"`
	CreatedAt time.Time              `json:"createdAt"`
	UpdatedAt time.Time              `json:"updatedAt"`
	Commits   map[string]CommitEntry `json:"commits"`
	Nonces    map[string]NonceEntry  `json:"nonces"`
}

func newIndex(now time.Time) *Index {
	return &Index{
		Version:   IndexVersion,
		CreatedAt: now.UTC(),
		UpdatedAt: now.UTC(),
		Commits:   make(map[string]CommitEntry),
		Nonces:    make(map[string]NonceEntry),
	}
}

// add records rec under file. The caller has already run the replay guard.
func (idx *Index) add(rec *envelope.Record, file string) {
	idx.Commits[rec.IdempotencyKey] = CommitEntry{
		TS:    rec.TS,
		Nonce: rec.Nonce,
		Hash:  rec.CommitHash,
		File:  file,
	}
	idx.Nonces[rec.Nonce] = NonceEntry{
		TS:             rec.TS,
		IdempotencyKey: rec.IdempotencyKey,
		Hash:           rec.CommitHash,
		File:           file,
	}
}

// clone returns a deep copy of the index maps.
func (idx *Index) clone() *Index {
	cp := *idx
	cp.Commits = make(map[string]CommitEntry, len(idx.Commits))
	for k, v := range idx.Commits {
		cp.Commits[k] = v
	}
	cp.Nonces = make(map[string]NonceEntry, len(idx.Nonces))
	for k, v := range idx.Nonces {
		cp.Nonces[k] = v
	}
	return &cp
}

// readIndex loads the index at path. It returns os.ErrNotExist (wrapped)
// when the file is absent so the caller can decide to rebuild.
func readIndex(path string) (*Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	idx := &Index{}
	if err := json.Unmarshal(data, idx); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if idx.Version != IndexVersion {
		return nil, fmt.Errorf("unsupported index version %d", idx.Version)
	}
	if idx.Commits == nil {
		idx.Commits = make(map[string]CommitEntry)
	}
	if idx.Nonces == nil {
		idx.Nonces = make(map[string]NonceEntry)
	}
	return idx, nil
}

// writeIndex persists idx with write-to-temp-then-rename semantics so a
// crash never leaves a torn index file behind.
func writeIndex(path string, idx *Index) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}
	return writeFileAtomic(path, data, 0o640)
}

func isNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
