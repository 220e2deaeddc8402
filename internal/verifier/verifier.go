// Package verifier checks detached signatures on intent envelopes against a
// configured public key.
//
// Verification fails closed: with no key material every envelope is rejected
// with ErrKeyNotConfigured or ErrKeyNotFound. The two override flags are the
// only way to accept an envelope without a valid signature, and every use is
// logged.
package verifier

import (
	"crypto"
	"errors"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/jmerrifield20/intentledger/internal/envelope"
)

var (
	ErrInvalidSignature = envelope.NewError(envelope.TagInvalidSignature, "invalid signature", false)
	ErrKeyNotConfigured = envelope.NewError(envelope.TagVerifierMisconfigured, "public key not configured", false)
	ErrKeyNotFound      = envelope.NewError(envelope.TagVerifierMisconfigured, "public key file not found", false)
	ErrVerifier         = envelope.NewError(envelope.TagVerifierMisconfigured, "verifier error", false)
)

// Config selects the key and the explicit fail-open overrides.
type Config struct {
	PublicKeyFile string
	// AllowInvalidSignature accepts envelopes whose signature does not verify.
	AllowInvalidSignature bool
	// AllowMissingPublicKey accepts envelopes when no key is available.
	AllowMissingPublicKey bool
}

// Result describes a successful verification.
type Result struct {
	Verified   bool   `json:"verified"`
	Overridden bool   `json:"overridden"`
	Reason     string `json:"reason,omitempty"`
}

// Status is the non-secret verifier state exposed by health endpoints.
type Status struct {
	PublicKeyFile         string `json:"publicKeyFile"`
	KeyLoaded             bool   `json:"keyLoaded"`
	Algorithm             string `json:"algorithm,omitempty"`
	Fingerprint           string `json:"fingerprint,omitempty"`
	AllowInvalidSignature bool   `json:"allowInvalidSignature"`
	AllowMissingPublicKey bool   `json:"allowMissingPublicKey"`
}

// Verifier verifies envelope signatures. It is safe for concurrent use.
type Verifier struct {
	cfg    Config
	logger *zap.Logger

	mu     sync.RWMutex
	key    crypto.PublicKey
	keyErr error
}

// New builds a Verifier. A configured key file that does not exist yet is
// not fatal: the verifier rejects with ErrKeyNotFound and retries loading on
// each call. A key file that exists but cannot be parsed is returned as an
// error.
func New(cfg Config, logger *zap.Logger) (*Verifier, error) {
	v := &Verifier{cfg: cfg, logger: logger}

	if cfg.AllowInvalidSignature {
		logger.Warn("signature override enabled: envelopes with invalid signatures will be ACCEPTED",
			zap.String("flag", "verifier.allow_invalid_signature"))
	}
	if cfg.AllowMissingPublicKey {
		logger.Warn("signature override enabled: envelopes will be ACCEPTED when no public key is available",
			zap.String("flag", "verifier.allow_missing_public_key"))
	}

	if cfg.PublicKeyFile == "" {
		v.keyErr = ErrKeyNotConfigured
		logger.Warn("no public key configured; commits will be rejected unless overridden")
		return v, nil
	}

	if err := v.load(); err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			logger.Error("public key file missing", zap.String("path", cfg.PublicKeyFile))
			return v, nil
		}
		return nil, err
	}
	logger.Info("public key loaded",
		zap.String("path", cfg.PublicKeyFile),
		zap.String("algorithm", Algorithm(v.key)),
		zap.String("fingerprint", Fingerprint(v.key)),
	)
	return v, nil
}

// NewWithKey builds a Verifier around an in-memory key.
func NewWithKey(pub crypto.PublicKey, cfg Config, logger *zap.Logger) (*Verifier, error) {
	key, err := checkKey(pub)
	if err != nil {
		return nil, err
	}
	return &Verifier{cfg: cfg, logger: logger, key: key}, nil
}

func (v *Verifier) load() error {
	data, err := os.ReadFile(v.cfg.PublicKeyFile)
	if err != nil {
		v.mu.Lock()
		defer v.mu.Unlock()
		if errors.Is(err, os.ErrNotExist) {
			v.keyErr = ErrKeyNotFound
			return ErrKeyNotFound
		}
		v.keyErr = fmt.Errorf("%w: read public key: %v", ErrVerifier, err)
		return v.keyErr
	}
	pub, err := ParsePublicKey(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerifier, err)
	}
	v.mu.Lock()
	v.key, v.keyErr = pub, nil
	v.mu.Unlock()
	return nil
}

func (v *Verifier) publicKey() (crypto.PublicKey, error) {
	v.mu.RLock()
	key, keyErr := v.key, v.keyErr
	v.mu.RUnlock()
	if key != nil {
		return key, nil
	}
	if errors.Is(keyErr, ErrKeyNotConfigured) {
		return nil, keyErr
	}
	// The file may have been provisioned after startup.
	if err := v.load(); err != nil {
		return nil, err
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	v.logger.Info("public key loaded", zap.String("path", v.cfg.PublicKeyFile))
	return v.key, nil
}

// Verify checks env.Signature over the canonical unsigned envelope.
func (v *Verifier) Verify(env *envelope.Envelope) (Result, error) {
	msg, err := env.SigningBytes()
	if err != nil {
		return Result{}, fmt.Errorf("%w: canonical encoding: %v", ErrVerifier, err)
	}

	key, err := v.publicKey()
	if err != nil {
		if v.cfg.AllowMissingPublicKey {
			v.logger.Warn("accepting envelope without signature check: no public key",
				zap.String("idempotency_key", env.IdempotencyKey),
				zap.String("override", "verifier.allow_missing_public_key"),
				zap.Error(err),
			)
			return Result{Overridden: true, Reason: err.Error()}, nil
		}
		return Result{}, err
	}

	sig, err := decodeSignature(env.Signature)
	if err == nil && verifyRaw(key, msg, sig) {
		return Result{Verified: true}, nil
	}
	if err == nil {
		err = errors.New("signature does not match")
	}

	if v.cfg.AllowInvalidSignature {
		v.logger.Warn("accepting envelope with invalid signature",
			zap.String("idempotency_key", env.IdempotencyKey),
			zap.String("override", "verifier.allow_invalid_signature"),
			zap.Error(err),
		)
		return Result{Overridden: true, Reason: err.Error()}, nil
	}
	return Result{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
}

// Status reports the verifier configuration without key material.
func (v *Verifier) Status() Status {
	v.mu.RLock()
	defer v.mu.RUnlock()
	st := Status{
		PublicKeyFile:         v.cfg.PublicKeyFile,
		KeyLoaded:             v.key != nil,
		AllowInvalidSignature: v.cfg.AllowInvalidSignature,
		AllowMissingPublicKey: v.cfg.AllowMissingPublicKey,
	}
	if v.key != nil {
		st.Algorithm = Algorithm(v.key)
		st.Fingerprint = Fingerprint(v.key)
	}
	return st
}
