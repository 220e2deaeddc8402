// Package envelope defines the signed intent envelope accepted by the ledger,
// the immutable commit record derived from it, and the error taxonomy shared
// by every stage of the commit pipeline.
package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jmerrifield20/intentledger/internal/canonical"
)

// TypeCommitRequested is the only envelope type this ledger accepts.
const TypeCommitRequested = "DAO_COMMIT_REQUESTED"

// Envelope is an externally signed intent. It is untrusted until its
// signature has been verified.
type Envelope struct {
	Type           string `json:"type"`
	Version        string `json:"version"`
	TS             any    `json:"ts"`
	Nonce          string `json:"nonce"`
	IdempotencyKey string `json:"idempotencyKey"`
	Payload        any    `json:"payload"`
	Signature      string `json:"signature"`
}

// Decode reads a single JSON envelope from r. Numbers keep their literal
// text so that re-encoding for signature checks is lossless.
func Decode(r io.Reader) (*Envelope, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: decode: %w", ErrInvalidEnvelope, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after envelope", ErrInvalidEnvelope)
	}
	return &env, nil
}

// DecodeBytes is Decode over an in-memory document.
func DecodeBytes(b []byte) (*Envelope, error) {
	return Decode(bytes.NewReader(b))
}

// Validate checks that every required field is present and that the
// envelope type is supported.
func (e *Envelope) Validate() error {
	missing := make([]string, 0, 7)
	for _, f := range []struct {
		name string
		val  string
	}{
		{"type", e.Type},
		{"version", e.Version},
		{"nonce", e.Nonce},
		{"idempotencyKey", e.IdempotencyKey},
		{"signature", e.Signature},
	} {
		if strings.TrimSpace(f.val) == "" {
			missing = append(missing, f.name)
		}
	}
	if e.TS == nil {
		missing = append(missing, "ts")
	}
	if e.Payload == nil {
		missing = append(missing, "payload")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidEnvelope, strings.Join(missing, ", "))
	}
	if e.Type != TypeCommitRequested {
		return fmt.Errorf("%w: %q", ErrUnsupportedType, e.Type)
	}
	if err := canonical.CheckNumbers(e.Unsigned()); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
	}
	return nil
}

// Unsigned returns the signed subset of the envelope: every field except
// the signature.
func (e *Envelope) Unsigned() map[string]any {
	return map[string]any{
		"type":           e.Type,
		"version":        e.Version,
		"ts":             e.TS,
		"nonce":          e.Nonce,
		"idempotencyKey": e.IdempotencyKey,
		"payload":        e.Payload,
	}
}

// SigningBytes returns the canonical encoding of the unsigned envelope.
func (e *Envelope) SigningBytes() ([]byte, error) {
	return canonical.Marshal(e.Unsigned())
}

// CommitHash returns the SHA-256 of the canonical unsigned envelope.
func (e *Envelope) CommitHash() (string, error) {
	return canonical.Hash(e.Unsigned())
}

// Record is the immutable, persisted form of an accepted envelope.
type Record struct {
	Type           string    `json:"type"`
	Version        string    `json:"version"`
	TS             any       `json:"ts"`
	Nonce          string    `json:"nonce"`
	IdempotencyKey string    `json:"idempotencyKey"`
	Payload        any       `json:"payload"`
	Signature      string    `json:"signature"`
	CommitHash     string    `json:"commitHash"`
	ReceivedAt     time.Time `json:"receivedAt"`
}

// NewRecord synthesises the record for env. The commit hash is recomputed
// here rather than trusted from the caller.
func NewRecord(env *Envelope, receivedAt time.Time) (*Record, error) {
	hash, err := env.CommitHash()
	if err != nil {
		return nil, err
	}
	return &Record{
		Type:           env.Type,
		Version:        env.Version,
		TS:             env.TS,
		Nonce:          env.Nonce,
		IdempotencyKey: env.IdempotencyKey,
		Payload:        env.Payload,
		Signature:      env.Signature,
		CommitHash:     hash,
		ReceivedAt:     receivedAt.UTC(),
	}, nil
}

// Envelope returns the envelope the record was created from.
func (r *Record) Envelope() *Envelope {
	return &Envelope{
		Type:           r.Type,
		Version:        r.Version,
		TS:             r.TS,
		Nonce:          r.Nonce,
		IdempotencyKey: r.IdempotencyKey,
		Payload:        r.Payload,
		Signature:      r.Signature,
	}
}

// DecodeRecord parses a persisted commit record.
func DecodeRecord(b []byte) (*Record, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var r Record
	if err := dec.Decode(&r); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	if r.IdempotencyKey == "" || r.Nonce == "" || r.CommitHash == "" {
		return nil, errors.New("decode record: missing idempotencyKey, nonce or commitHash")
	}
	return &r, nil
}

// Ref points at a committed record. It is returned with replay rejections so
// a caller can tell its own earlier commit apart from a genuine conflict.
type Ref struct {
	IdempotencyKey string `json:"idempotencyKey"`
	Nonce          string `json:"nonce"`
	Hash           string `json:"hash"`
	File           string `json:"file"`
	TS             any    `json:"ts,omitempty"`
}
