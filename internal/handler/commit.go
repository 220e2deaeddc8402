package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/intentledger/internal/commit"
	"github.com/jmerrifield20/intentledger/internal/envelope"
	"github.com/jmerrifield20/intentledger/internal/ledger"
	"github.com/jmerrifield20/intentledger/internal/queue"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// CommitHandler serves the commit endpoint and the read views of the ledger.
type CommitHandler struct {
	svc         *commit.Service
	consumer    *queue.Consumer
	exposeIndex bool
	readAuth    gin.HandlerFunc
	commitMW    []gin.HandlerFunc
	logger      *zap.Logger
}

// CommitOption configures a CommitHandler.
type CommitOption func(*CommitHandler)

// WithQueue enables the staged-queue listing.
func WithQueue(c *queue.Consumer) CommitOption {
	return func(h *CommitHandler) { h.consumer = c }
}

// WithIndexExposed enables GET /commit/index.
func WithIndexExposed(on bool) CommitOption {
	return func(h *CommitHandler) { h.exposeIndex = on }
}

// WithReadAuth guards the read routes.
func WithReadAuth(mw gin.HandlerFunc) CommitOption {
	return func(h *CommitHandler) { h.readAuth = mw }
}

// WithCommitMiddleware runs mw before POST /commit only, e.g. a rate limiter.
func WithCommitMiddleware(mw ...gin.HandlerFunc) CommitOption {
	return func(h *CommitHandler) { h.commitMW = append(h.commitMW, mw...) }
}

// NewCommitHandler creates a CommitHandler.
func NewCommitHandler(svc *commit.Service, logger *zap.Logger, opts ...CommitOption) *CommitHandler {
	h := &CommitHandler{svc: svc, logger: logger}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Register mounts the commit routes on the given router group.
func (h *CommitHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/commit", append(h.commitMW, h.Commit)...)
	rg.GET("/commit/health", h.Health)

	read := rg.Group("")
	if h.readAuth != nil {
		read.Use(h.readAuth)
	}
	read.GET("/commit/index", h.Index)
	read.GET("/commit/:file", h.GetRecord)
	read.GET("/commits", h.ListRecords)
	read.GET("/queue", h.ListQueue)
}

// Commit handles POST /commit.
func (h *CommitHandler) Commit(c *gin.Context) {
	env, err := envelope.Decode(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":   envelope.TagInvalidEnvelope,
				"message": "request body too large",
			})
			return
		}
		abortWithError(c, err)
		return
	}

	receipt, err := h.svc.Submit(c.Request.Context(), env)
	if err != nil {
		body := errorBody(err)
		if receipt != nil {
			body["receipt"] = receipt
		}
		if statusFor(envelope.Tag(err)) == http.StatusInternalServerError {
			h.logger.Error("commit failed",
				zap.String("idempotency_key", env.IdempotencyKey),
				zap.String("request_id", RequestIDFrom(c)),
				zap.Error(err),
			)
		}
		c.JSON(statusFor(envelope.Tag(err)), body)
		return
	}
	c.JSON(http.StatusOK, receipt)
}

// Health handles GET /commit/health. It reports directories, configuration
// and counts, never keys, nonces or key material.
func (h *CommitHandler) Health(c *gin.Context) {
	vs := h.svc.Verifier().Status()
	status := "ok"
	if !vs.KeyLoaded && !vs.AllowMissingPublicKey {
		status = "degraded"
	}
	store := h.svc.Store()
	resp := gin.H{
		"status":    status,
		"ledgerDir": store.Dir(),
		"indexFile": store.IndexPath(),
		"verifier":  vs,
		"ledger":    store.Stats(),
	}
	if h.consumer != nil {
		dirs := h.consumer.Dirs()
		q := gin.H{
			"pendingDir":   dirs.Pending,
			"committedDir": dirs.Committed,
			"failedDir":    dirs.Failed,
		}
		if items, err := h.consumer.ListPending(0); err == nil {
			q["pending"] = len(items)
		} else {
			h.logger.Warn("health: list pending", zap.Error(err))
		}
		resp["queue"] = q
	}
	c.JSON(http.StatusOK, resp)
}

// Index handles GET /commit/index. Only counts are returned.
func (h *CommitHandler) Index(c *gin.Context) {
	if !h.exposeIndex {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusOK, h.svc.Store().Stats())
}

// ListRecords handles GET /commits.
func (h *CommitHandler) ListRecords(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	records, err := h.svc.Store().ListRecords(limit)
	if err != nil {
		h.logger.Error("list records", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list records"})
		return
	}
	if records == nil {
		records = []ledger.RecordInfo{}
	}
	c.JSON(http.StatusOK, gin.H{"records": records, "count": len(records)})
}

// GetRecord handles GET /commit/:file.
func (h *CommitHandler) GetRecord(c *gin.Context) {
	data, err := h.svc.Store().ReadRecord(c.Param("file"))
	switch {
	case errors.Is(err, ledger.ErrInvalidName):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid record name"})
	case errors.Is(err, ledger.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "record not found"})
	case err != nil:
		h.logger.Error("read record", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read record"})
	default:
		c.Data(http.StatusOK, "application/json; charset=utf-8", data)
	}
}

// ListQueue handles GET /queue.
func (h *CommitHandler) ListQueue(c *gin.Context) {
	if h.consumer == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "queue disabled"})
		return
	}
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	items, err := h.consumer.ListPending(limit)
	if err != nil {
		h.logger.Error("list queue", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list queue"})
		return
	}
	if items == nil {
		items = []queue.PendingItem{}
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "count": len(items)})
}

func parseLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return 0, false
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, true
}
