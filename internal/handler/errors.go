package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jmerrifield20/intentledger/internal/envelope"
	"github.com/jmerrifield20/intentledger/internal/ledger"
)

// statusFor maps an error tag to an HTTP status.
func statusFor(tag string) int {
	switch tag {
	case envelope.TagInvalidEnvelope, envelope.TagUnsupportedType:
		return http.StatusBadRequest
	case envelope.TagInvalidSignature:
		return http.StatusUnauthorized
	case envelope.TagReplayDetected, envelope.TagNonceReplayDetected:
		return http.StatusConflict
	case envelope.TagVerifierMisconfigured:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errorBody renders err as {"error": tag, "message": ...}. Replays carry the
// prior record reference; server-side failures are marked retryable.
func errorBody(err error) gin.H {
	body := gin.H{
		"error":   envelope.Tag(err),
		"message": err.Error(),
	}
	var replay *ledger.ReplayError
	if errors.As(err, &replay) {
		body["prior"] = replay.Prior
	}
	if envelope.IsRetryable(err) {
		body["retryable"] = true
	}
	return body
}

func abortWithError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(statusFor(envelope.Tag(err)), errorBody(err))
}
