package commit_test

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jmerrifield20/intentledger/internal/auditchain"
	"github.com/jmerrifield20/intentledger/internal/canonical"
	"github.com/jmerrifield20/intentledger/internal/commit"
	"github.com/jmerrifield20/intentledger/internal/envelope"
	"github.com/jmerrifield20/intentledger/internal/intentsig"
	"github.com/jmerrifield20/intentledger/internal/ledger"
	"github.com/jmerrifield20/intentledger/internal/verifier"
)

var ctx = context.Background()

type fixture struct {
	svc      *commit.Service
	store    *ledger.Store
	audit    *auditchain.MemoryChain
	key      ed25519.PrivateKey
	outcomes []string
}

func newFixture(t *testing.T, cfg verifier.Config, withKey bool) *fixture {
	t.Helper()
	f := &fixture{audit: auditchain.NewMemory()}

	priv, err := intentsig.GenerateEd25519()
	require.NoError(t, err)
	f.key = priv

	var v *verifier.Verifier
	if withKey {
		v, err = verifier.NewWithKey(priv.Public(), cfg, zap.NewNop())
	} else {
		v, err = verifier.New(cfg, zap.NewNop())
	}
	require.NoError(t, err)

	f.store, err = ledger.Open(ledger.Config{Dir: t.TempDir(), ReconcileOnStart: true}, zap.NewNop())
	require.NoError(t, err)

	f.svc = commit.New(f.store, v, zap.NewNop(),
		commit.WithAudit(f.audit),
		commit.WithObserver(func(outcome string, _ time.Duration) {
			f.outcomes = append(f.outcomes, outcome)
		}),
	)
	return f
}

func (f *fixture) signed(t *testing.T, key, nonce string) *envelope.Envelope {
	t.Helper()
	env := &envelope.Envelope{
		Type:           envelope.TypeCommitRequested,
		Version:        "1.0",
		TS:             json.Number("1700000000"),
		Nonce:          nonce,
		IdempotencyKey: key,
		Payload:        map[string]any{"proposal": "p-7", "vote": "yes"},
	}
	require.NoError(t, intentsig.SignEnvelope(env, f.key))
	return env
}

func ledgerFiles(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	n := 0
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".json" && e.Name() != "index.json" {
			n++
		}
	}
	return n
}

func TestSubmit_commits(t *testing.T) {
	f := newFixture(t, verifier.Config{}, true)
	env := f.signed(t, "k1", "n1")

	r, err := f.svc.Submit(ctx, env)
	require.NoError(t, err)
	assert.True(t, r.Committed)
	assert.False(t, r.Overridden)

	want, err := canonical.Hash(env.Unsigned())
	require.NoError(t, err)
	assert.Equal(t, want, r.CommitHash)
	assert.Equal(t, 1, ledgerFiles(t, f.store.Dir()))

	n, _ := f.audit.Len(ctx)
	assert.Equal(t, 2, n)
	last, err := f.audit.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "k1", last.IdempotencyKey)
	assert.Equal(t, r.CommitHash, last.CommitHash)
	assert.Equal(t, []string{commit.OutcomeCommitted}, f.outcomes)
}

func TestSubmit_receiptJSONIsFlat(t *testing.T) {
	f := newFixture(t, verifier.Config{}, true)
	r, err := f.svc.Submit(ctx, f.signed(t, "k1", "n1"))
	require.NoError(t, err)

	b, err := json.Marshal(r)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, true, m["committed"])
	assert.Equal(t, r.CommitHash, m["commitHash"])
	assert.Equal(t, r.File, m["ledgerFile"])
}

func TestSubmit_resubmissionIsReplay(t *testing.T) {
	f := newFixture(t, verifier.Config{}, true)
	env := f.signed(t, "k1", "n1")
	first, err := f.svc.Submit(ctx, env)
	require.NoError(t, err)

	_, err = f.svc.Submit(ctx, env)
	var replay *ledger.ReplayError
	require.ErrorAs(t, err, &replay)
	assert.Equal(t, envelope.TagReplayDetected, replay.Kind)
	assert.Equal(t, "k1", replay.Prior.IdempotencyKey)
	assert.Equal(t, first.File, replay.Prior.File)
	assert.True(t, replay.SameIntent(first.CommitHash))
	assert.Equal(t, 1, ledgerFiles(t, f.store.Dir()))
	assert.Equal(t, envelope.TagReplayDetected, f.outcomes[1])
}

func TestSubmit_nonceReuse(t *testing.T) {
	f := newFixture(t, verifier.Config{}, true)
	_, err := f.svc.Submit(ctx, f.signed(t, "k1", "n1"))
	require.NoError(t, err)

	_, err = f.svc.Submit(ctx, f.signed(t, "k2", "n1"))
	assert.Equal(t, envelope.TagNonceReplayDetected, envelope.Tag(err))
	_, ok := f.store.Lookup("k2")
	assert.False(t, ok)
}

func TestSubmit_invalidEnvelope(t *testing.T) {
	f := newFixture(t, verifier.Config{}, true)
	env := f.signed(t, "k1", "n1")
	env.Nonce = ""

	_, err := f.svc.Submit(ctx, env)
	assert.ErrorIs(t, err, envelope.ErrInvalidEnvelope)
	assert.Equal(t, 0, ledgerFiles(t, f.store.Dir()))
}

func TestSubmit_unsupportedType(t *testing.T) {
	f := newFixture(t, verifier.Config{}, true)
	env := f.signed(t, "k1", "n1")
	env.Type = "DAO_VOTE_CAST"

	_, err := f.svc.Submit(ctx, env)
	assert.ErrorIs(t, err, envelope.ErrUnsupportedType)
}

func TestSubmit_tamperedRejectedWithoutMutation(t *testing.T) {
	f := newFixture(t, verifier.Config{}, true)
	env := f.signed(t, "k1", "n1")
	env.Payload = map[string]any{"proposal": "p-7", "vote": "no"}

	_, err := f.svc.Submit(ctx, env)
	assert.ErrorIs(t, err, verifier.ErrInvalidSignature)
	assert.Equal(t, 0, ledgerFiles(t, f.store.Dir()))
	assert.Equal(t, 0, f.store.Stats().Commits)

	n, _ := f.audit.Len(ctx)
	assert.Equal(t, 1, n, "rejections are not audited")

	// The key was not consumed: the genuine envelope still commits.
	_, err = f.svc.Submit(ctx, f.signed(t, "k1", "n1"))
	require.NoError(t, err)
}

func TestSubmit_tamperedLargeIntegerRejected(t *testing.T) {
	f := newFixture(t, verifier.Config{}, true)
	env := &envelope.Envelope{
		Type:           envelope.TypeCommitRequested,
		Version:        "1.0",
		TS:             json.Number("1700000000"),
		Nonce:          "n1",
		IdempotencyKey: "k1",
		Payload:        map[string]any{"amount": json.Number("9007199254740992")},
	}
	require.NoError(t, intentsig.SignEnvelope(env, f.key))

	// Both literals round to the same double.
	env.Payload = map[string]any{"amount": json.Number("9007199254740993")}

	_, err := f.svc.Submit(ctx, env)
	require.ErrorIs(t, err, envelope.ErrInvalidEnvelope)
	assert.ErrorIs(t, err, canonical.ErrLossyNumber)
	assert.Equal(t, 0, ledgerFiles(t, f.store.Dir()))
	assert.Equal(t, 0, f.store.Stats().Commits)
}

func TestSubmit_failsClosedWithoutKey(t *testing.T) {
	f := newFixture(t, verifier.Config{}, false)

	_, err := f.svc.Submit(ctx, f.signed(t, "k1", "n1"))
	assert.Equal(t, envelope.TagVerifierMisconfigured, envelope.Tag(err))
	assert.Equal(t, 0, ledgerFiles(t, f.store.Dir()))
}

func TestSubmit_overrideMarksReceipt(t *testing.T) {
	f := newFixture(t, verifier.Config{AllowMissingPublicKey: true}, false)

	r, err := f.svc.Submit(ctx, f.signed(t, "k1", "n1"))
	require.NoError(t, err)
	assert.True(t, r.Overridden)
}

type failingChain struct{ auditchain.Chain }

func (failingChain) Append(context.Context, auditchain.Event) (*auditchain.Entry, error) {
	return nil, errors.New("database unavailable")
}

func TestSubmit_auditFailureDoesNotFailCommit(t *testing.T) {
	priv, err := intentsig.GenerateEd25519()
	require.NoError(t, err)
	v, err := verifier.NewWithKey(priv.Public(), verifier.Config{}, zap.NewNop())
	require.NoError(t, err)
	store, err := ledger.Open(ledger.Config{Dir: t.TempDir()}, zap.NewNop())
	require.NoError(t, err)

	svc := commit.New(store, v, zap.NewNop(), commit.WithAudit(failingChain{}))
	env := &envelope.Envelope{
		Type:           envelope.TypeCommitRequested,
		Version:        "1.0",
		TS:             json.Number("1"),
		Nonce:          "n1",
		IdempotencyKey: "k1",
		Payload:        map[string]any{},
	}
	require.NoError(t, intentsig.SignEnvelope(env, priv))

	r, err := svc.Submit(ctx, env)
	require.NoError(t, err)
	assert.True(t, r.Committed)
}
