// Package canonical produces the deterministic byte encoding used both for
// signing intent envelopes and for computing commit hashes.
//
// The encoding is RFC 8785 (JSON Canonicalization Scheme): object members are
// sorted by key, arrays keep their order, numbers use the ECMAScript shortest
// round-trip form and no insignificant whitespace is emitted. Two values that
// differ only in object key order always encode to identical bytes.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Marshal returns the canonical encoding of v. v may be any value accepted by
// encoding/json; json.Number values keep their literal text until the
// canonical number formatting is applied, and literals that would lose
// precision as doubles are rejected with ErrLossyNumber.
func Marshal(v any) ([]byte, error) {
	if err := CheckNumbers(v); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("canonical: encode: %w", err)
	}
	out, err := jcs.Transform(bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}))
	if err != nil {
		return nil, fmt.Errorf("canonical: transform: %w", err)
	}
	return out, nil
}

// Transform canonicalises an already-encoded JSON document.
func Transform(doc []byte) ([]byte, error) {
	out, err := jcs.Transform(doc)
	if err != nil {
		return nil, fmt.Errorf("canonical: transform: %w", err)
	}
	return out, nil
}

// Hash returns the hex-encoded SHA-256 digest of Marshal(v).
func Hash(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the hex-encoded SHA-256 digest of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
