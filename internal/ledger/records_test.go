package ledger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordFileName(t *testing.T) {
	at := time.Date(2023, 11, 14, 22, 13, 20, 5, time.UTC)

	name := recordFileName(at, "k1")
	assert.True(t, strings.HasPrefix(name, "20231114T221320.000000005Z_k1_"), name)
	assert.True(t, strings.HasSuffix(name, ".json"))

	// Keys that sanitise identically still get distinct names.
	assert.NotEqual(t, recordFileName(at, "a/b"), recordFileName(at, "a_b"))
	assert.NotContains(t, recordFileName(at, "../../etc/passwd"), "/")

	long := recordFileName(at, strings.Repeat("x", 500))
	assert.Less(t, len(long), 128)
	assert.Contains(t, recordFileName(at, "///"), "____")
}

func TestListRecords_mostRecentFirst(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	for i := 0; i < 5; i++ {
		_, err := s.Commit(ctx, testEnvelope(fmt.Sprintf("k%d", i), fmt.Sprintf("n%d", i)), nil)
		require.NoError(t, err)
	}

	list, err := s.ListRecords(3)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "k4", list[0].IdempotencyKey)
	assert.Equal(t, "k3", list[1].IdempotencyKey)
	assert.Equal(t, "k2", list[2].IdempotencyKey)
	assert.NotEmpty(t, list[0].CommitHash)

	all, err := s.ListRecords(0)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestReadRecord(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)
	r, err := s.Commit(ctx, testEnvelope("k1", "n1"), nil)
	require.NoError(t, err)

	data, err := s.ReadRecord(r.File)
	require.NoError(t, err)
	assert.Contains(t, string(data), r.CommitHash)

	_, err = s.ReadRecord("20990101T000000.000000000Z_none_00000000.json")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReadRecord_pathContainment(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "ledger")
	s := openTestStore(t, dir)

	secret := filepath.Join(root, "secret.json")
	require.NoError(t, os.WriteFile(secret, []byte(`{"secret":true}`), 0o600))
	require.NoError(t, os.Symlink(secret, filepath.Join(dir, "link.json")))

	for _, name := range []string{
		"../secret.json",
		"..",
		".",
		"",
		"sub/file.json",
		`..\secret.json`,
		"/etc/passwd",
		"index.json",
		"link.json",
	} {
		_, err := s.ReadRecord(name)
		assert.ErrorIs(t, err, ErrInvalidName, "name %q", name)
	}
}
