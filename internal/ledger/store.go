package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/intentledger/internal/envelope"
)

var (
	ErrWriteFailed = envelope.NewError(envelope.TagLedgerWriteFailed, "ledger write failed", true)
	ErrIndexLoad   = envelope.NewError(envelope.TagIndexLoadFailed, "index load failed", false)
	ErrIndexSave   = envelope.NewError(envelope.TagIndexSaveFailed, "index save failed", true)
)

// Config locates the ledger on disk.
type Config struct {
	Dir string
	// IndexFile defaults to <Dir>/index.json.
	IndexFile string
	// ReconcileOnStart indexes record files that a crash left unindexed.
	ReconcileOnStart bool
}

// CheckFunc runs inside the store's critical section after the replay guard
// passes and before anything is written. Signature verification plugs in
// here.
type CheckFunc func(env *envelope.Envelope) error

// Receipt describes a durable commit.
type Receipt struct {
	IdempotencyKey string    `json:"idempotencyKey"`
	Nonce          string    `json:"nonce"`
	CommitHash     string    `json:"commitHash"`
	File           string    `json:"ledgerFile"`
	TS             any       `json:"ts"`
	ReceivedAt     time.Time `json:"receivedAt"`
}

// Stats holds index counts. It never includes keys or nonces.
type Stats struct {
	Version   int       `json:"version"`
	Commits   int       `json:"commits"`
	Nonces    int       `json:"nonces"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Dirty     bool      `json:"dirty"`
}

// Store is the single writer of the ledger directory and the sole owner of
// the index. Replay check, record write, index update and index persist run
// under one mutex.
type Store struct {
	dir       string
	indexPath string
	logger    *zap.Logger
	now       func() time.Time
	saveIndex func(path string, idx *Index) error

	mu    sync.RWMutex
	idx   *Index
	dirty bool
}

// Open loads the index, rebuilding it from the ledger directory when the
// index file is absent. An index file that exists but cannot be read is
// ErrIndexLoad: starting from an empty index would erase replay history.
func Open(cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("%w: ledger directory not configured", ErrIndexLoad)
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("%w: create ledger dir: %v", ErrIndexLoad, err)
	}
	indexPath := cfg.IndexFile
	if indexPath == "" {
		indexPath = filepath.Join(cfg.Dir, "index.json")
	}
	if err := os.MkdirAll(filepath.Dir(indexPath), 0o750); err != nil {
		return nil, fmt.Errorf("%w: create index dir: %v", ErrIndexLoad, err)
	}

	s := &Store{
		dir:       cfg.Dir,
		indexPath: indexPath,
		logger:    logger,
		now:       time.Now,
		saveIndex: writeIndex,
	}

	idx, err := readIndex(indexPath)
	switch {
	case err == nil:
		s.idx = idx
		logger.Info("ledger index loaded",
			zap.String("path", indexPath),
			zap.Int("commits", len(idx.Commits)),
			zap.Int("nonces", len(idx.Nonces)),
		)
		if cfg.ReconcileOnStart {
			if _, err := s.reconcile(); err != nil {
				return nil, err
			}
		}
	case isNotExist(err):
		idx, report, rerr := Rebuild(cfg.Dir, indexPath)
		if rerr != nil {
			return nil, fmt.Errorf("%w: rebuild: %v", ErrIndexLoad, rerr)
		}
		idx.CreatedAt, idx.UpdatedAt = s.now().UTC(), s.now().UTC()
		s.idx = idx
		if report.Indexed > 0 {
			logger.Warn("ledger index missing; rebuilt from ledger directory",
				zap.String("path", indexPath),
				zap.Int("records", report.Indexed),
				zap.Int("skipped", len(report.Skipped)),
			)
		}
		if err := s.saveIndex(indexPath, s.idx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIndexSave, err)
		}
	default:
		return nil, fmt.Errorf("%w: %v", ErrIndexLoad, err)
	}

	return s, nil
}

// Dir returns the ledger directory.
func (s *Store) Dir() string { return s.dir }

// IndexPath returns the index file path.
func (s *Store) IndexPath() string { return s.indexPath }

// Commit runs the replay guard, then check, then writes the record and
// updates the index. A write failure leaves the index untouched. An index
// save failure returns ErrIndexSave together with the receipt: the record is
// durable and indexed in memory, and the next successful save persists it.
func (s *Store) Commit(ctx context.Context, env *envelope.Envelope, check CheckFunc) (*Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := Guard(s.idx, env); err != nil {
		return nil, err
	}
	if check != nil {
		if err := check(env); err != nil {
			return nil, err
		}
	}

	rec, err := envelope.NewRecord(env, s.now())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	name := recordFileName(rec.ReceivedAt, rec.IdempotencyKey)
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("%w: marshal record: %v", ErrWriteFailed, err)
	}
	if err := writeFileExclusive(filepath.Join(s.dir, name), data, 0o640); err != nil {
		s.logger.Error("ledger record write failed",
			zap.String("idempotency_key", rec.IdempotencyKey),
			zap.String("file", name),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}

	s.idx.add(rec, name)
	s.dirty = true

	receipt := &Receipt{
		IdempotencyKey: rec.IdempotencyKey,
		Nonce:          rec.Nonce,
		CommitHash:     rec.CommitHash,
		File:           name,
		TS:             rec.TS,
		ReceivedAt:     rec.ReceivedAt,
	}

	if err := s.persistLocked(); err != nil {
		s.logger.Error("index save failed after record write; record is durable and will be re-indexed",
			zap.String("idempotency_key", rec.IdempotencyKey),
			zap.String("file", name),
			zap.Error(err),
		)
		return receipt, fmt.Errorf("%w: %v", ErrIndexSave, err)
	}

	s.logger.Debug("ledger commit",
		zap.String("idempotency_key", rec.IdempotencyKey),
		zap.String("commit_hash", rec.CommitHash),
		zap.String("file", name),
	)
	return receipt, nil
}

func (s *Store) persistLocked() error {
	s.idx.UpdatedAt = s.now().UTC()
	if err := s.saveIndex(s.indexPath, s.idx); err != nil {
		return err
	}
	s.dirty = false
	return nil
}

// Flush persists the index if an earlier save failed.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}
	if err := s.persistLocked(); err != nil {
		return fmt.Errorf("%w: %v", ErrIndexSave, err)
	}
	return nil
}

// Stats returns index counts.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		Version:   s.idx.Version,
		Commits:   len(s.idx.Commits),
		Nonces:    len(s.idx.Nonces),
		CreatedAt: s.idx.CreatedAt,
		UpdatedAt: s.idx.UpdatedAt,
		Dirty:     s.dirty,
	}
}

// Lookup returns the index entry for an idempotency key.
func (s *Store) Lookup(key string) (CommitEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.idx.Commits[key]
	return e, ok
}

// Snapshot returns a copy of the current index.
func (s *Store) Snapshot() *Index {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.idx.clone()
}
