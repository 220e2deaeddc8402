// Package commit accepts intent envelopes into the ledger. The HTTP endpoint
// and the staging-queue consumer both submit through Service, so every path
// applies the same validation, replay guard, signature check and write.
package commit

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/intentledger/internal/auditchain"
	"github.com/jmerrifield20/intentledger/internal/envelope"
	"github.com/jmerrifield20/intentledger/internal/ledger"
	"github.com/jmerrifield20/intentledger/internal/verifier"
)

// OutcomeCommitted is reported to the observer for accepted envelopes.
// Rejections report their error tag.
const OutcomeCommitted = "committed"

// Receipt is returned for a durable commit.
type Receipt struct {
	Committed bool `json:"committed"`
	ledger.Receipt
	Overridden bool `json:"overridden,omitempty"`
}

// Observer receives one call per submission with its outcome and latency.
type Observer func(outcome string, elapsed time.Duration)

// Option configures a Service.
type Option func(*Service)

// WithAudit appends every commit to chain.
func WithAudit(chain auditchain.Chain) Option {
	return func(s *Service) { s.audit = chain }
}

// WithObserver installs a metrics hook.
func WithObserver(fn Observer) Option {
	return func(s *Service) { s.observe = fn }
}

// Service orchestrates a single submission.
type Service struct {
	store    *ledger.Store
	verifier *verifier.Verifier
	audit    auditchain.Chain
	observe  Observer
	logger   *zap.Logger
}

// New creates a Service.
func New(store *ledger.Store, v *verifier.Verifier, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{store: store, verifier: v, logger: logger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Store returns the underlying ledger store.
func (s *Service) Store() *ledger.Store { return s.store }

// Verifier returns the signature verifier.
func (s *Service) Verifier() *verifier.Verifier { return s.verifier }

// Audit returns the audit chain, or nil when none is configured.
func (s *Service) Audit() auditchain.Chain { return s.audit }

// Submit validates env, checks it against the replay guard and the verifier,
// and writes it. Every rejection leaves the ledger untouched.
//
// On ledger.ErrIndexSave the record is durable and the receipt is returned
// alongside the error; callers must still report a retryable failure.
func (s *Service) Submit(ctx context.Context, env *envelope.Envelope) (*Receipt, error) {
	start := time.Now()
	receipt, err := s.submit(ctx, env)
	if s.observe != nil {
		outcome := OutcomeCommitted
		if err != nil {
			outcome = envelope.Tag(err)
		}
		s.observe(outcome, time.Since(start))
	}
	return receipt, err
}

func (s *Service) submit(ctx context.Context, env *envelope.Envelope) (*Receipt, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}

	var result verifier.Result
	check := func(e *envelope.Envelope) error {
		r, err := s.verifier.Verify(e)
		if err != nil {
			return err
		}
		result = r
		return nil
	}

	lr, err := s.store.Commit(ctx, env, check)
	if lr == nil {
		var replay *ledger.ReplayError
		if errors.As(err, &replay) {
			s.logger.Info("envelope rejected: replay",
				zap.String("idempotency_key", env.IdempotencyKey),
				zap.String("reason", replay.Kind),
				zap.String("prior_file", replay.Prior.File),
			)
		}
		return nil, err
	}

	receipt := &Receipt{Committed: true, Receipt: *lr, Overridden: result.Overridden}
	s.appendAudit(ctx, lr)

	if err != nil {
		return receipt, err
	}
	s.logger.Info("envelope committed",
		zap.String("idempotency_key", lr.IdempotencyKey),
		zap.String("commit_hash", lr.CommitHash),
		zap.String("file", lr.File),
		zap.Bool("overridden", result.Overridden),
	)
	return receipt, nil
}

// appendAudit records the commit in the audit chain. The ledger is the
// source of truth, so a chain failure is logged and not returned.
func (s *Service) appendAudit(ctx context.Context, r *ledger.Receipt) {
	if s.audit == nil {
		return
	}
	if _, err := s.audit.Append(ctx, auditchain.Event{
		Action:         auditchain.ActionCommit,
		IdempotencyKey: r.IdempotencyKey,
		CommitHash:     r.CommitHash,
		File:           r.File,
	}); err != nil {
		s.logger.Warn("audit chain append failed",
			zap.String("idempotency_key", r.IdempotencyKey),
			zap.Error(err),
		)
	}
}
