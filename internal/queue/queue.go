// Package queue drains staged envelope files into the ledger.
//
// A producer drops one envelope per *.json file into the pending directory,
// writing it under a dot-prefixed temporary name and renaming it into place.
// Each sweep submits the files oldest first through the commit service and
// moves them to the committed or failed directory. Files whose failure is on
// the server side stay in pending and are retried on the next sweep; the
// replay guard makes the retry idempotent.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/jmerrifield20/intentledger/internal/commit"
	"github.com/jmerrifield20/intentledger/internal/envelope"
	"github.com/jmerrifield20/intentledger/internal/ledger"
)

const reasonSuffix = ".reason.json"

// Outcome of processing one staged file.
type Outcome string

const (
	OutcomeCommitted        Outcome = "committed"
	OutcomeAlreadyCommitted Outcome = "already_committed"
	OutcomeFailed           Outcome = "failed"
	OutcomeDeferred         Outcome = "deferred"
)

// Submitter accepts envelopes. *commit.Service implements it.
type Submitter interface {
	Submit(ctx context.Context, env *envelope.Envelope) (*commit.Receipt, error)
}

// Dirs are the staging locations.
type Dirs struct {
	Pending   string
	Committed string
	Failed    string
}

// ItemResult describes what happened to one file.
type ItemResult struct {
	File    string  `json:"file"`
	Outcome Outcome `json:"outcome"`
	Error   string  `json:"error,omitempty"`
	Message string  `json:"message,omitempty"`
	MovedTo string  `json:"movedTo,omitempty"`
}

// SweepReport summarises one pass.
type SweepReport struct {
	Scanned          int          `json:"scanned"`
	Committed        int          `json:"committed"`
	AlreadyCommitted int          `json:"alreadyCommitted"`
	Failed           int          `json:"failed"`
	Deferred         int          `json:"deferred"`
	Items            []ItemResult `json:"items"`
}

func (r *SweepReport) add(item ItemResult) {
	r.Scanned++
	switch item.Outcome {
	case OutcomeCommitted:
		r.Committed++
	case OutcomeAlreadyCommitted:
		r.AlreadyCommitted++
	case OutcomeFailed:
		r.Failed++
	case OutcomeDeferred:
		r.Deferred++
	}
	r.Items = append(r.Items, item)
}

// PendingItem is a staged file awaiting processing.
type PendingItem struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithWatch wakes the consumer on filesystem events in the pending
// directory in addition to the poll interval.
func WithWatch(on bool) Option {
	return func(c *Consumer) { c.watch = on }
}

// WithSweepHook is called after every sweep, e.g. to record metrics.
func WithSweepHook(fn func(SweepReport)) Option {
	return func(c *Consumer) { c.onSweep = fn }
}

// Consumer processes staged envelope files. Sweep, Run and Backfill must not
// be called concurrently on the same Consumer.
type Consumer struct {
	dirs    Dirs
	submit  Submitter
	logger  *zap.Logger
	watch   bool
	onSweep func(SweepReport)
	now     func() time.Time
}

// NewConsumer creates the staging directories if needed.
func NewConsumer(dirs Dirs, s Submitter, logger *zap.Logger, opts ...Option) (*Consumer, error) {
	for _, d := range []string{dirs.Pending, dirs.Committed, dirs.Failed} {
		if d == "" {
			return nil, errors.New("queue: pending, committed and failed directories are required")
		}
		if err := os.MkdirAll(d, 0o750); err != nil {
			return nil, fmt.Errorf("queue: create %s: %w", d, err)
		}
	}
	c := &Consumer{dirs: dirs, submit: s, logger: logger, now: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Dirs returns the configured directories.
func (c *Consumer) Dirs() Dirs { return c.dirs }

// Sweep processes every staged file currently in the pending directory.
func (c *Consumer) Sweep(ctx context.Context) (SweepReport, error) {
	rep, err := c.drain(ctx, c.dirs.Pending)
	if c.onSweep != nil && err == nil {
		c.onSweep(rep)
	}
	return rep, err
}

// Backfill runs one pass over dir. The listing is taken before any file is
// processed, so files added during the pass are left for a later run.
func (c *Consumer) Backfill(ctx context.Context, dir string) (SweepReport, error) {
	c.logger.Info("backfill started", zap.String("dir", dir))
	rep, err := c.drain(ctx, dir)
	if err != nil {
		return rep, err
	}
	c.logger.Info("backfill finished",
		zap.String("dir", dir),
		zap.Int("scanned", rep.Scanned),
		zap.Int("committed", rep.Committed),
		zap.Int("already_committed", rep.AlreadyCommitted),
		zap.Int("failed", rep.Failed),
		zap.Int("deferred", rep.Deferred),
	)
	return rep, nil
}

func (c *Consumer) drain(ctx context.Context, dir string) (SweepReport, error) {
	var rep SweepReport
	items, err := listStaged(dir)
	if err != nil {
		return rep, err
	}
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		rep.add(c.process(ctx, filepath.Join(dir, it.Name)))
	}
	return rep, nil
}

// Run sweeps immediately and then on every tick, and on pending-directory
// events when watch mode is on, until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context, interval time.Duration) error {
	var events <-chan fsnotify.Event
	var watchErrs <-chan error
	if c.watch {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("queue: create watcher: %w", err)
		}
		defer w.Close()
		if err := w.Add(c.dirs.Pending); err != nil {
			return fmt.Errorf("queue: watch %s: %w", c.dirs.Pending, err)
		}
		events, watchErrs = w.Events, w.Errors
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.sweepLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.sweepLogged(ctx)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Write) {
				c.sweepLogged(ctx)
			}
		case err, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}
			c.logger.Warn("queue watcher error", zap.Error(err))
		}
	}
}

func (c *Consumer) sweepLogged(ctx context.Context) {
	rep, err := c.Sweep(ctx)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Error("queue sweep failed", zap.Error(err))
		}
		return
	}
	if rep.Scanned > 0 {
		c.logger.Info("queue sweep",
			zap.Int("scanned", rep.Scanned),
			zap.Int("committed", rep.Committed),
			zap.Int("already_committed", rep.AlreadyCommitted),
			zap.Int("failed", rep.Failed),
			zap.Int("deferred", rep.Deferred),
		)
	}
}

// process submits one file and moves it according to the outcome.
func (c *Consumer) process(ctx context.Context, path string) ItemResult {
	name := filepath.Base(path)
	res := ItemResult{File: name}

	data, err := os.ReadFile(path)
	if err != nil {
		res.Outcome = OutcomeDeferred
		res.Error = envelope.TagInternal
		res.Message = err.Error()
		c.logger.Warn("queue file unreadable", zap.String("file", name), zap.Error(err))
		return res
	}

	env, err := decodeStaged(data)
	if err == nil {
		var receipt *commit.Receipt
		receipt, err = c.submit.Submit(ctx, env)
		if err == nil {
			res.Outcome = OutcomeCommitted
			res.MovedTo = c.moveTo(path, c.dirs.Committed)
			c.logger.Info("queue envelope committed",
				zap.String("file", name),
				zap.String("idempotency_key", receipt.IdempotencyKey),
				zap.String("commit_hash", receipt.CommitHash),
			)
			return res
		}
	}

	res.Error = envelope.Tag(err)
	res.Message = err.Error()

	var replay *ledger.ReplayError
	switch {
	case errors.As(err, &replay) && replay.Kind == envelope.TagReplayDetected && sameIntent(env, replay):
		res.Outcome = OutcomeAlreadyCommitted
		res.MovedTo = c.moveTo(path, c.dirs.Committed)
	case deferrable(err):
		res.Outcome = OutcomeDeferred
		c.logger.Warn("queue envelope deferred",
			zap.String("file", name),
			zap.String("reason", res.Error),
			zap.Error(err),
		)
	default:
		res.Outcome = OutcomeFailed
		res.MovedTo = c.moveTo(path, c.dirs.Failed)
		if res.MovedTo != "" {
			c.writeReason(res, replay)
		}
		c.logger.Warn("queue envelope failed",
			zap.String("file", name),
			zap.String("reason", res.Error),
			zap.Error(err),
		)
	}
	return res
}

// sameIntent reports whether the prior record is this very envelope, i.e. an
// earlier sweep committed it but did not get to move the file.
func sameIntent(env *envelope.Envelope, replay *ledger.ReplayError) bool {
	if env == nil {
		return false
	}
	h, err := env.CommitHash()
	return err == nil && replay.SameIntent(h)
}

// deferrable errors are server-side: the envelope may still be valid.
func deferrable(err error) bool {
	if envelope.IsRetryable(err) {
		return true
	}
	switch envelope.Tag(err) {
	case envelope.TagVerifierMisconfigured, envelope.TagInternal:
		return true
	}
	return false
}

// decodeStaged accepts an envelope document or a wrapper {"envelope": {...}}.
func decodeStaged(data []byte) (*envelope.Envelope, error) {
	var shape map[string]json.RawMessage
	if err := json.Unmarshal(data, &shape); err != nil {
		return nil, fmt.Errorf("%w: %v", envelope.ErrInvalidEnvelope, err)
	}
	if inner, ok := shape["envelope"]; ok {
		if _, hasType := shape["type"]; !hasType {
			data = inner
		}
	}
	return envelope.Decode(bytes.NewReader(data))
}

// moveTo moves path into dir without overwriting and returns the new name,
// or "" if the move failed and the file stayed where it was.
func (c *Consumer) moveTo(path, dir string) string {
	dest, err := moveFile(path, dir)
	if err != nil {
		c.logger.Error("queue file move failed",
			zap.String("file", path),
			zap.String("dest_dir", dir),
			zap.Error(err),
		)
		return ""
	}
	return filepath.Base(dest)
}

type reasonDoc struct {
	File     string        `json:"file"`
	Error    string        `json:"error"`
	Message  string        `json:"message"`
	Prior    *envelope.Ref `json:"prior,omitempty"`
	FailedAt time.Time     `json:"failedAt"`
}

func (c *Consumer) writeReason(res ItemResult, replay *ledger.ReplayError) {
	doc := reasonDoc{
		File:     res.File,
		Error:    res.Error,
		Message:  res.Message,
		FailedAt: c.now().UTC(),
	}
	if replay != nil {
		prior := replay.Prior
		doc.Prior = &prior
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return
	}
	name := strings.TrimSuffix(res.MovedTo, ".json") + reasonSuffix
	if err := os.WriteFile(filepath.Join(c.dirs.Failed, name), b, 0o640); err != nil {
		c.logger.Warn("queue reason file write failed", zap.String("file", name), zap.Error(err))
	}
}

// ListPending returns staged files, most recent first.
func (c *Consumer) ListPending(limit int) ([]PendingItem, error) {
	items, err := listStaged(c.dirs.Pending)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// listStaged returns the *.json files in dir, oldest first.
func listStaged(dir string) ([]PendingItem, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("queue: list %s: %w", dir, err)
	}
	var items []PendingItem
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || filepath.Ext(name) != ".json" ||
			strings.HasSuffix(name, reasonSuffix) || strings.HasPrefix(name, ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		items = append(items, PendingItem{Name: name, Size: info.Size(), ModTime: info.ModTime().UTC()})
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].ModTime.Equal(items[j].ModTime) {
			return items[i].ModTime.Before(items[j].ModTime)
		}
		return items[i].Name < items[j].Name
	})
	return items, nil
}

// moveFile renames src into dir, adding a numeric suffix when the name is
// taken. A rename across filesystems falls back to copy and remove.
func moveFile(src, dir string) (string, error) {
	base := filepath.Base(src)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	dest := filepath.Join(dir, base)
	for i := 1; exists(dest); i++ {
		dest = filepath.Join(dir, fmt.Sprintf("%s-%d%s", stem, i, ext))
	}
	if err := os.Rename(src, dest); err == nil {
		return dest, nil
	}
	if err := copyFile(src, dest); err != nil {
		return "", err
	}
	if err := os.Remove(src); err != nil {
		return "", err
	}
	return dest, nil
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

func copyFile(src, dest string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(dest)
		}
	}()
	if _, err = io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
