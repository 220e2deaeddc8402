package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jmerrifield20/intentledger/internal/envelope"
)

var ctx = context.Background()

func testEnvelope(key, nonce string) *envelope.Envelope {
	return &envelope.Envelope{
		Type:           envelope.TypeCommitRequested,
		Version:        "1.0",
		TS:             json.Number("1700000000"),
		Nonce:          nonce,
		IdempotencyKey: key,
		Payload:        map[string]any{"amount": json.Number("10")},
		Signature:      "c2ln",
	}
}

func openTestStore(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := Open(Config{Dir: dir, ReconcileOnStart: true}, zap.NewNop())
	require.NoError(t, err)
	return s
}

func recordFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var out []string
	for _, e := range entries {
		if isRecordName(e.Name(), "index.json") {
			out = append(out, e.Name())
		}
	}
	return out
}

func TestOpen_freshDirectoryCreatesIndex(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ledger")
	s := openTestStore(t, dir)

	_, err := os.Stat(filepath.Join(dir, "index.json"))
	require.NoError(t, err)
	assert.Equal(t, 0, s.Stats().Commits)
	assert.Equal(t, IndexVersion, s.Stats().Version)
}

func TestCommit_writesRecordAndIndex(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)

	env := testEnvelope("k1", "n1")
	receipt, err := s.Commit(ctx, env, nil)
	require.NoError(t, err)

	wantHash, err := env.CommitHash()
	require.NoError(t, err)
	assert.Equal(t, wantHash, receipt.CommitHash)
	assert.Equal(t, "k1", receipt.IdempotencyKey)

	data, err := os.ReadFile(filepath.Join(dir, receipt.File))
	require.NoError(t, err)
	rec, err := envelope.DecodeRecord(data)
	require.NoError(t, err)
	assert.Equal(t, wantHash, rec.CommitHash)
	assert.Equal(t, "c2ln", rec.Signature)

	onDisk, err := readIndex(filepath.Join(dir, "index.json"))
	require.NoError(t, err)
	assert.Equal(t, receipt.File, onDisk.Commits["k1"].File)
	assert.Equal(t, "k1", onDisk.Nonces["n1"].IdempotencyKey)
	assert.Equal(t, wantHash, onDisk.Nonces["n1"].Hash)
}

func TestCommit_replayDetected(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)

	first, err := s.Commit(ctx, testEnvelope("k1", "n1"), nil)
	require.NoError(t, err)

	_, err = s.Commit(ctx, testEnvelope("k1", "n1"), nil)
	var replay *ReplayError
	require.ErrorAs(t, err, &replay)
	assert.Equal(t, envelope.TagReplayDetected, replay.Kind)
	assert.Equal(t, envelope.TagReplayDetected, envelope.Tag(err))
	assert.Equal(t, first.File, replay.Prior.File)
	assert.Equal(t, "k1", replay.Prior.IdempotencyKey)
	assert.True(t, replay.SameIntent(first.CommitHash))

	assert.Len(t, recordFiles(t, dir), 1)
}

func TestCommit_nonceReplayDetected(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)

	first, err := s.Commit(ctx, testEnvelope("k1", "n1"), nil)
	require.NoError(t, err)

	_, err = s.Commit(ctx, testEnvelope("k2", "n1"), nil)
	var replay *ReplayError
	require.ErrorAs(t, err, &replay)
	assert.Equal(t, envelope.TagNonceReplayDetected, replay.Kind)
	assert.Equal(t, "k1", replay.Prior.IdempotencyKey)
	assert.Equal(t, first.File, replay.Prior.File)
	assert.False(t, replay.SameIntent("different"))

	_, ok := s.Lookup("k2")
	assert.False(t, ok)
	assert.Len(t, recordFiles(t, dir), 1)
}

func TestCommit_checkFailureMutatesNothing(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)
	before, err := os.ReadFile(filepath.Join(dir, "index.json"))
	require.NoError(t, err)

	sigErr := errors.New("bad signature")
	_, err = s.Commit(ctx, testEnvelope("k1", "n1"), func(*envelope.Envelope) error { return sigErr })
	require.ErrorIs(t, err, sigErr)

	after, err := os.ReadFile(filepath.Join(dir, "index.json"))
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Empty(t, recordFiles(t, dir))
	assert.Equal(t, 0, s.Stats().Commits)
}

func TestCommit_checkNotRunOnReplay(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	_, err := s.Commit(ctx, testEnvelope("k1", "n1"), nil)
	require.NoError(t, err)

	called := false
	_, err = s.Commit(ctx, testEnvelope("k1", "n9"), func(*envelope.Envelope) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, called)
}

func TestCommit_writeFailureLeavesIndexUntouched(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)
	before, err := os.ReadFile(filepath.Join(dir, "index.json"))
	require.NoError(t, err)

	s.dir = filepath.Join(dir, "does-not-exist")
	_, err = s.Commit(ctx, testEnvelope("k1", "n1"), nil)
	require.ErrorIs(t, err, ErrWriteFailed)
	assert.True(t, envelope.IsRetryable(err))
	assert.Equal(t, envelope.TagLedgerWriteFailed, envelope.Tag(err))

	after, err := os.ReadFile(filepath.Join(dir, "index.json"))
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, 0, s.Stats().Commits)
	assert.False(t, s.Stats().Dirty)
}

func TestCommit_indexSaveFailureIsRecoverable(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)

	_, err := s.Commit(ctx, testEnvelope("k1", "n1"), nil)
	require.NoError(t, err)

	s.saveIndex = func(string, *Index) error { return errors.New("disk full") }
	receipt, err := s.Commit(ctx, testEnvelope("k2", "n2"), nil)
	require.ErrorIs(t, err, ErrIndexSave)
	require.NotNil(t, receipt)
	assert.True(t, envelope.IsRetryable(err))
	assert.True(t, s.Stats().Dirty)

	// A retry is recognised as the same intent.
	_, err = s.Commit(ctx, testEnvelope("k2", "n2"), nil)
	var replay *ReplayError
	require.ErrorAs(t, err, &replay)
	assert.True(t, replay.SameIntent(receipt.CommitHash))

	// The persisted index lags behind: k2 is durable but not indexed on disk.
	onDisk, err := readIndex(filepath.Join(dir, "index.json"))
	require.NoError(t, err)
	assert.NotContains(t, onDisk.Commits, "k2")

	// Simulated restart: reconciliation picks the record up.
	restarted := openTestStore(t, dir)
	entry, ok := restarted.Lookup("k2")
	require.True(t, ok)
	assert.Equal(t, receipt.File, entry.File)

	// And a rebuild from the directory alone matches what would have been saved.
	rebuilt, _, err := Rebuild(dir, filepath.Join(dir, "index.json"))
	require.NoError(t, err)
	want := s.Snapshot()
	assert.Equal(t, want.Commits, rebuilt.Commits)
	assert.Equal(t, want.Nonces, rebuilt.Nonces)
}

func TestFlush_persistsDirtyIndex(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)

	s.saveIndex = func(string, *Index) error { return errors.New("disk full") }
	_, err := s.Commit(ctx, testEnvelope("k1", "n1"), nil)
	require.ErrorIs(t, err, ErrIndexSave)
	require.Error(t, s.Flush())

	s.saveIndex = writeIndex
	require.NoError(t, s.Flush())
	assert.False(t, s.Stats().Dirty)

	onDisk, err := readIndex(filepath.Join(dir, "index.json"))
	require.NoError(t, err)
	assert.Contains(t, onDisk.Commits, "k1")
}

func TestOpen_corruptIndexIsFatal(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.json"), []byte(`{"version":1,"commits":`), 0o600))

	_, err := Open(Config{Dir: dir}, zap.NewNop())
	require.ErrorIs(t, err, ErrIndexLoad)
	assert.Equal(t, envelope.TagIndexLoadFailed, envelope.Tag(err))
}

func TestOpen_unknownIndexVersionIsFatal(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.json"), []byte(`{"version":99}`), 0o600))

	_, err := Open(Config{Dir: dir}, zap.NewNop())
	assert.ErrorIs(t, err, ErrIndexLoad)
}

func TestOpen_missingIndexRebuildsFromRecords(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)
	for i := 0; i < 3; i++ {
		_, err := s.Commit(ctx, testEnvelope(fmt.Sprintf("k%d", i), fmt.Sprintf("n%d", i)), nil)
		require.NoError(t, err)
	}
	want := s.Snapshot()

	require.NoError(t, os.Remove(filepath.Join(dir, "index.json")))

	reopened, err := Open(Config{Dir: dir}, zap.NewNop())
	require.NoError(t, err)
	got := reopened.Snapshot()
	assert.Equal(t, want.Commits, got.Commits)
	assert.Equal(t, want.Nonces, got.Nonces)

	_, err = os.Stat(filepath.Join(dir, "index.json"))
	assert.NoError(t, err)
}

func TestOpen_separateIndexFile(t *testing.T) {
	root := t.TempDir()
	cfg := Config{Dir: filepath.Join(root, "ledger"), IndexFile: filepath.Join(root, "meta", "index.json")}
	s, err := Open(cfg, zap.NewNop())
	require.NoError(t, err)

	_, err = s.Commit(ctx, testEnvelope("k1", "n1"), nil)
	require.NoError(t, err)

	reopened, err := Open(cfg, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 1, reopened.Stats().Commits)
}

func TestRebuild_skipsTamperedAndDuplicates(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)
	good, err := s.Commit(ctx, testEnvelope("k1", "n1"), nil)
	require.NoError(t, err)
	tampered, err := s.Commit(ctx, testEnvelope("k2", "n2"), nil)
	require.NoError(t, err)

	path := filepath.Join(dir, tampered.File)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	raw["payload"] = map[string]any{"amount": 1_000_000}
	data, err = json.Marshal(raw)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	// A later record reusing k1 under a different name loses to the original.
	dup, err := envelope.NewRecord(testEnvelope("k1", "n3"), time.Now().Add(time.Hour))
	require.NoError(t, err)
	dupData, err := json.Marshal(dup)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "zz_dup.json"), dupData, 0o600))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "junk.json"), []byte("{"), 0o600))

	idx, report, err := Rebuild(dir, filepath.Join(dir, "index.json"))
	require.NoError(t, err)
	assert.Equal(t, 4, report.Scanned)
	assert.Equal(t, 1, report.Indexed)
	assert.Len(t, report.Skipped, 3)
	assert.Equal(t, good.File, idx.Commits["k1"].File)
	assert.NotContains(t, idx.Commits, "k2")
}

func TestReindex_replacesIndex(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)
	_, err := s.Commit(ctx, testEnvelope("k1", "n1"), nil)
	require.NoError(t, err)

	report, err := s.Reindex()
	require.NoError(t, err)
	assert.Equal(t, 1, report.Indexed)
	assert.Equal(t, 1, s.Stats().Commits)
}

func TestCheck_reportsInconsistencies(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)
	a, err := s.Commit(ctx, testEnvelope("k1", "n1"), nil)
	require.NoError(t, err)

	report, err := s.Check()
	require.NoError(t, err)
	assert.True(t, report.OK())

	require.NoError(t, os.Rename(filepath.Join(dir, a.File), filepath.Join(dir, "moved.json")))
	report, err = s.Check()
	require.NoError(t, err)
	assert.Equal(t, []string{a.File}, report.MissingFiles)
	assert.Equal(t, []string{"moved.json"}, report.Unindexed)
}

func TestCommit_concurrentDistinctKeys(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)

	const n = 40
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Commit(ctx, testEnvelope(fmt.Sprintf("k%d", i), fmt.Sprintf("n%d", i)), nil)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	onDisk, err := readIndex(filepath.Join(dir, "index.json"))
	require.NoError(t, err)
	assert.Len(t, onDisk.Commits, n)
	assert.Len(t, onDisk.Nonces, n)
	assert.Len(t, recordFiles(t, dir), n)
}

func TestCommit_concurrentSameKeyCommitsOnce(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)

	const n = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	ok, replays := 0, 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Commit(ctx, testEnvelope("same", fmt.Sprintf("n%d", i)), nil)
			mu.Lock()
			defer mu.Unlock()
			var replay *ReplayError
			switch {
			case err == nil:
				ok++
			case errors.As(err, &replay):
				replays++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, replays)
	assert.Len(t, recordFiles(t, dir), 1)
}

func TestCommit_cancelledContext(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	cctx, cancel := context.WithCancel(ctx)
	cancel()

	_, err := s.Commit(cctx, testEnvelope("k1", "n1"), nil)
	assert.ErrorIs(t, err, context.Canceled)
}
