package envelope

import "errors"

// Machine-readable error tags returned to callers.
const (
	TagInvalidEnvelope       = "InvalidEnvelope"
	TagUnsupportedType       = "UnsupportedEnvelopeType"
	TagReplayDetected        = "ReplayDetected"
	TagNonceReplayDetected   = "NonceReplayDetected"
	TagInvalidSignature      = "InvalidSignature"
	TagVerifierMisconfigured = "VerifierMisconfigured"
	TagLedgerWriteFailed     = "LedgerWriteFailed"
	TagIndexLoadFailed       = "IndexLoadFailed"
	TagIndexSaveFailed       = "IndexSaveFailed"
	TagInternal              = "InternalError"
)

var (
	ErrInvalidEnvelope = NewError(TagInvalidEnvelope, "invalid envelope", false)
	ErrUnsupportedType = NewError(TagUnsupportedType, "unsupported envelope type", false)
)

// Tagged is implemented by errors that carry their own taxonomy tag.
type Tagged interface {
	error
	Tag() string
}

// TaggedError is a sentinel error carrying a taxonomy tag. Packages wrap it
// with fmt.Errorf("%w: ...") to add detail.
type TaggedError struct {
	tag       string
	msg       string
	retryable bool
}

// NewError returns a sentinel error with the given tag. retryable marks
// server-side failures where resubmission is safe.
func NewError(tag, msg string, retryable bool) *TaggedError {
	return &TaggedError{tag: tag, msg: msg, retryable: retryable}
}

func (e *TaggedError) Error() string   { return e.msg }
func (e *TaggedError) Tag() string     { return e.tag }
func (e *TaggedError) Retryable() bool { return e.retryable }

// Tag returns the taxonomy tag for err, or TagInternal when none applies.
func Tag(err error) string {
	if err == nil {
		return ""
	}
	var t Tagged
	if errors.As(err, &t) {
		return t.Tag()
	}
	return TagInternal
}

// IsRetryable reports whether err marks a server-side failure the caller
// should retry rather than treat as a rejection.
func IsRetryable(err error) bool {
	var r interface{ Retryable() bool }
	return errors.As(err, &r) && r.Retryable()
}
