package ledger

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/intentledger/internal/envelope"
)

// SkippedRecord is a ledger file that could not be indexed.
type SkippedRecord struct {
	File   string `json:"file"`
	Reason string `json:"reason"`
}

// RebuildReport summarises a directory scan.
type RebuildReport struct {
	Scanned int             `json:"scanned"`
	Indexed int             `json:"indexed"`
	Skipped []SkippedRecord `json:"skipped,omitempty"`
}

// CheckReport lists inconsistencies between the index and the ledger
// directory.
type CheckReport struct {
	MissingFiles []string `json:"missingFiles,omitempty"`
	Unindexed    []string `json:"unindexed,omitempty"`
}

// OK reports whether the index and directory agree.
func (r CheckReport) OK() bool {
	return len(r.MissingFiles) == 0 && len(r.Unindexed) == 0
}

type scannedRecord struct {
	file string
	rec  *envelope.Record
}

// isRecordName reports whether name is a commit record file rather than the
// index, a temp file or something unrelated.
func isRecordName(name, indexBase string) bool {
	return strings.HasSuffix(name, ".json") &&
		!strings.HasPrefix(name, ".") &&
		name != indexBase
}

// indexBaseIn returns the index file name if the index lives in dir.
func indexBaseIn(dir, indexPath string) string {
	if indexPath == "" {
		return "index.json"
	}
	if filepath.Clean(filepath.Dir(indexPath)) == filepath.Clean(dir) {
		return filepath.Base(indexPath)
	}
	return ""
}

// scanRecords reads every parsable record in dir whose commit hash matches
// its content, ordered by receipt time.
func scanRecords(dir, indexPath string) ([]scannedRecord, RebuildReport, error) {
	var report RebuildReport
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, report, fmt.Errorf("read ledger dir: %w", err)
	}
	indexBase := indexBaseIn(dir, indexPath)

	var out []scannedRecord
	for _, e := range entries {
		if !e.Type().IsRegular() || !isRecordName(e.Name(), indexBase) {
			continue
		}
		report.Scanned++
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			report.Skipped = append(report.Skipped, SkippedRecord{File: e.Name(), Reason: err.Error()})
			continue
		}
		rec, err := envelope.DecodeRecord(data)
		if err != nil {
			report.Skipped = append(report.Skipped, SkippedRecord{File: e.Name(), Reason: err.Error()})
			continue
		}
		hash, err := rec.Envelope().CommitHash()
		if err != nil || hash != rec.CommitHash {
			report.Skipped = append(report.Skipped, SkippedRecord{File: e.Name(), Reason: "commit hash mismatch"})
			continue
		}
		out = append(out, scannedRecord{file: e.Name(), rec: rec})
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].rec.ReceivedAt, out[j].rec.ReceivedAt
		if a.Equal(b) {
			return out[i].file < out[j].file
		}
		return a.Before(b)
	})
	return out, report, nil
}

// Rebuild reconstructs an index by scanning the ledger directory. Records are
// applied in receipt order; the first record to claim a key or nonce wins.
func Rebuild(dir, indexPath string) (*Index, RebuildReport, error) {
	records, report, err := scanRecords(dir, indexPath)
	if err != nil {
		return nil, report, err
	}
	idx := newIndex(time.Now())
	for _, r := range records {
		if reason := conflict(idx, r.rec); reason != "" {
			report.Skipped = append(report.Skipped, SkippedRecord{File: r.file, Reason: reason})
			continue
		}
		idx.add(r.rec, r.file)
		report.Indexed++
	}
	return idx, report, nil
}

func conflict(idx *Index, rec *envelope.Record) string {
	if _, ok := idx.Commits[rec.IdempotencyKey]; ok {
		return "duplicate idempotencyKey"
	}
	if _, ok := idx.Nonces[rec.Nonce]; ok {
		return "duplicate nonce"
	}
	return ""
}

// reconcile adds records present on disk but absent from the index. It runs
// once during Open, before the store is shared.
func (s *Store) reconcile() (RebuildReport, error) {
	records, report, err := scanRecords(s.dir, s.indexPath)
	if err != nil {
		return report, fmt.Errorf("%w: reconcile: %v", ErrIndexLoad, err)
	}
	indexed := make(map[string]bool, len(s.idx.Commits))
	for _, e := range s.idx.Commits {
		indexed[e.File] = true
	}
	for _, r := range records {
		if indexed[r.file] {
			continue
		}
		if reason := conflict(s.idx, r.rec); reason != "" {
			report.Skipped = append(report.Skipped, SkippedRecord{File: r.file, Reason: reason})
			continue
		}
		s.idx.add(r.rec, r.file)
		report.Indexed++
		s.logger.Warn("indexed record missing from index",
			zap.String("file", r.file),
			zap.String("idempotency_key", r.rec.IdempotencyKey),
		)
	}
	for _, sk := range report.Skipped {
		s.logger.Warn("ledger record not indexed", zap.String("file", sk.File), zap.String("reason", sk.Reason))
	}
	if report.Indexed > 0 {
		if err := s.persistLocked(); err != nil {
			return report, fmt.Errorf("%w: %v", ErrIndexSave, err)
		}
	}
	return report, nil
}

// Reindex discards the in-memory index and rebuilds it from the ledger
// directory, then persists it atomically.
func (s *Store) Reindex() (RebuildReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, report, err := Rebuild(s.dir, s.indexPath)
	if err != nil {
		return report, err
	}
	idx.CreatedAt = s.idx.CreatedAt
	prev := s.idx
	s.idx = idx
	if err := s.persistLocked(); err != nil {
		s.idx = prev
		return report, fmt.Errorf("%w: %v", ErrIndexSave, err)
	}
	s.logger.Info("ledger index rebuilt",
		zap.Int("scanned", report.Scanned),
		zap.Int("indexed", report.Indexed),
		zap.Int("skipped", len(report.Skipped)),
	)
	return report, nil
}

// Check compares the index against the ledger directory without modifying
// either.
func (s *Store) Check() (CheckReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var report CheckReport
	referenced := make(map[string]bool, len(s.idx.Commits))
	for _, e := range s.idx.Commits {
		referenced[e.File] = true
	}
	for _, e := range s.idx.Nonces {
		referenced[e.File] = true
	}
	for file := range referenced {
		if _, err := os.Stat(filepath.Join(s.dir, file)); err != nil {
			report.MissingFiles = append(report.MissingFiles, file)
		}
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return report, fmt.Errorf("read ledger dir: %w", err)
	}
	indexBase := indexBaseIn(s.dir, s.indexPath)
	for _, e := range entries {
		if e.Type().IsRegular() && isRecordName(e.Name(), indexBase) && !referenced[e.Name()] {
			report.Unindexed = append(report.Unindexed, e.Name())
		}
	}
	sort.Strings(report.MissingFiles)
	sort.Strings(report.Unindexed)
	return report, nil
}
