package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jmerrifield20/intentledger/internal/envelope"
)

const (
	fileTimeLayout = "20060102T150405.000000000Z"
	maxKeyInName   = 64
)

var (
	ErrNotFound    = errors.New("record not found")
	ErrInvalidName = errors.New("invalid record name")
)

// recordFileName derives a collision-resistant name from the receipt time
// and the idempotency key. The key hash suffix keeps keys that sanitise to
// the same text apart.
func recordFileName(receivedAt time.Time, key string) string {
	sum := sha256.Sum256([]byte(key))
	return fmt.Sprintf("%s_%s_%s.json",
		receivedAt.UTC().Format(fileTimeLayout),
		sanitizeKey(key),
		hex.EncodeToString(sum[:4]),
	)
}

func sanitizeKey(key string) string {
	var b strings.Builder
	for _, r := range key {
		if b.Len() >= maxKeyInName {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "key"
	}
	return b.String()
}

// RecordInfo summarises a committed record for listings.
type RecordInfo struct {
	File           string    `json:"file"`
	Size           int64     `json:"size"`
	IdempotencyKey string    `json:"idempotencyKey,omitempty"`
	CommitHash     string    `json:"commitHash,omitempty"`
	ReceivedAt     time.Time `json:"receivedAt"`
}

// ListRecords returns up to limit records, most recent first. Record files
// are immutable so no lock is taken.
func (s *Store) ListRecords(limit int) ([]RecordInfo, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read ledger dir: %w", err)
	}
	indexBase := indexBaseIn(s.dir, s.indexPath)

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() && isRecordName(e.Name(), indexBase) {
			names = append(names, e.Name())
		}
	}
	// Names start with a fixed-width UTC timestamp.
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	if limit > 0 && len(names) > limit {
		names = names[:limit]
	}

	out := make([]RecordInfo, 0, len(names))
	for _, name := range names {
		path := filepath.Join(s.dir, name)
		info := RecordInfo{File: name}
		if st, err := os.Stat(path); err == nil {
			info.Size = st.Size()
			info.ReceivedAt = st.ModTime().UTC()
		}
		if data, err := os.ReadFile(path); err == nil {
			if rec, err := envelope.DecodeRecord(data); err == nil {
				info.IdempotencyKey = rec.IdempotencyKey
				info.CommitHash = rec.CommitHash
				info.ReceivedAt = rec.ReceivedAt
			}
		}
		out = append(out, info)
	}
	return out, nil
}

// ReadRecord returns the raw bytes of a committed record. name must be a
// bare file name that resolves inside the ledger directory.
func (s *Store) ReadRecord(name string) ([]byte, error) {
	path, err := containedPath(s.dir, name)
	if err != nil {
		return nil, err
	}
	if !isRecordName(name, indexBaseIn(s.dir, s.indexPath)) {
		return nil, ErrInvalidName
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if isNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read record: %w", err)
	}
	return data, nil
}

// containedPath joins name onto dir and refuses anything that would resolve
// outside dir, including through symlinks.
func containedPath(dir, name string) (string, error) {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return "", ErrInvalidName
	}
	root, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve ledger dir: %w", err)
	}
	path := filepath.Join(root, name)

	resolvedRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", fmt.Errorf("resolve ledger dir: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		if isNotExist(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("resolve record: %w", err)
	}
	rel, err := filepath.Rel(resolvedRoot, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", ErrInvalidName
	}
	return resolved, nil
}
