package ledger

import (
	"fmt"

	"github.com/jmerrifield20/intentledger/internal/envelope"
)

// ReplayError rejects an envelope whose idempotency key or nonce has already
// been committed. Prior references the record that consumed it.
type ReplayError struct {
	Kind  string // envelope.TagReplayDetected or envelope.TagNonceReplayDetected
	Prior envelope.Ref
}

func (e *ReplayError) Error() string {
	if e.Kind == envelope.TagNonceReplayDetected {
		return fmt.Sprintf("nonce %q already used by %s", e.Prior.Nonce, e.Prior.File)
	}
	return fmt.Sprintf("idempotency key %q already committed in %s", e.Prior.IdempotencyKey, e.Prior.File)
}

// Tag implements envelope.Tagged.
func (e *ReplayError) Tag() string { return e.Kind }

// SameIntent reports whether the prior record has the given commit hash,
// i.e. the replay is a resubmission of an already committed envelope rather
// than a conflicting one.
func (e *ReplayError) SameIntent(commitHash string) bool {
	return e.Prior.Hash == commitHash
}

// Guard rejects env when its idempotency key or nonce is present in idx.
// The key is checked first.
func Guard(idx *Index, env *envelope.Envelope) error {
	if prior, ok := idx.Commits[env.IdempotencyKey]; ok {
		return &ReplayError{
			Kind: envelope.TagReplayDetected,
			Prior: envelope.Ref{
				IdempotencyKey: env.IdempotencyKey,
				Nonce:          prior.Nonce,
				Hash:           prior.Hash,
				File:           prior.File,
				TS:             prior.TS,
			},
		}
	}
	if prior, ok := idx.Nonces[env.Nonce]; ok {
		return &ReplayError{
			Kind: envelope.TagNonceReplayDetected,
			Prior: envelope.Ref{
				IdempotencyKey: prior.IdempotencyKey,
				Nonce:          env.Nonce,
				Hash:           prior.Hash,
				File:           prior.File,
				TS:             prior.TS,
			},
		}
	}
	return nil
}
