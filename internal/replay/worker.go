package replay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/judgemyjpeg/jmj/internal/storage"
)

// QueueSource abstracts access to the offline queue. Implemented by
// *bridge.Client and *storage.Store.
type QueueSource interface {
	ListQueued(ctx context.Context) ([]storage.QueueItem, error)
	Dequeue(ctx context.Context, id string) error
	RecordAttempt(ctx context.Context, id, errMsg string) error
}

// Submitter sends one queued submission to the analysis service.
type Submitter interface {
	Submit(ctx context.Context, item storage.QueueItem) error
}

// Options tunes a Worker. Zero values select defaults.
type Options struct {
	// PollInterval is the wait between passes when the queue is idle.
	PollInterval time.Duration
	// MaxBackoff caps the wait after consecutive failed passes.
	MaxBackoff time.Duration
	// MaxAttempts drops an item after this many failed submissions.
	MaxAttempts int
	// Limit paces submissions. Zero means unlimited.
	Limit rate.Limit
}

// Result summarizes one drain pass.
type Result struct {
	Submitted int
	Dropped   int
	Failed    bool
}

// Worker replays queued submissions once the network is back.
type Worker struct {
	queue     QueueSource
	submitter Submitter
	opts      Options
	limiter   *rate.Limiter
	logger    *slog.Logger

	failures int
}

// NewWorker creates a Worker with the given dependencies.
func NewWorker(queue QueueSource, submitter Submitter, opts Options) *Worker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 5 * time.Minute
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.Limit <= 0 {
		opts.Limit = rate.Inf
	}
	return &Worker{
		queue:     queue,
		submitter: submitter,
		opts:      opts,
		limiter:   rate.NewLimiter(opts.Limit, 1),
		logger:    slog.Default(),
	}
}

// Run drains the queue repeatedly until ctx is cancelled. After a failed
// pass the wait doubles, up to MaxBackoff; a clean pass resets it.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		res, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("replay pass failed", "error", err)
		}
		if err != nil || res.Failed {
			w.failures++
		} else {
			w.failures = 0
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.delay()):
		}
	}
}

func (w *Worker) delay() time.Duration {
	d := w.opts.PollInterval
	for i := 0; i < w.failures; i++ {
		d *= 2
		if d >= w.opts.MaxBackoff {
			return w.opts.MaxBackoff
		}
	}
	return d
}

// RunOnce submits queued items in FIFO order. The pass stops at the first
// failed submission since the service is presumably unreachable.
func (w *Worker) RunOnce(ctx context.Context) (Result, error) {
	var res Result

	items, err := w.queue.ListQueued(ctx)
	if err != nil {
		return res, fmt.Errorf("listing queue: %w", err)
	}

	for _, item := range items {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}

		if item.Attempts >= w.opts.MaxAttempts {
			w.logger.Warn("dropping submission after max attempts",
				"id", item.ID, "filename", item.Metadata.Filename,
				"attempts", item.Attempts, "last_error", item.LastError)
			if err := w.queue.Dequeue(ctx, item.ID); err != nil {
				return res, fmt.Errorf("dropping %s: %w", item.ID, err)
			}
			res.Dropped++
			continue
		}

		if err := w.limiter.Wait(ctx); err != nil {
			return res, err
		}

		if err := w.submitter.Submit(ctx, item); err != nil {
			w.logger.Warn("replay failed", "id", item.ID, "error", err)
			if recErr := w.queue.RecordAttempt(ctx, item.ID, err.Error()); recErr != nil {
				w.logger.Error("failed to record attempt", "id", item.ID, "error", recErr)
			}
			res.Failed = true
			return res, nil
		}

		if err := w.queue.Dequeue(ctx, item.ID); err != nil {
			return res, fmt.Errorf("dequeueing %s: %w", item.ID, err)
		}
		res.Submitted++
		w.logger.Info("replayed submission", "id", item.ID, "filename", item.Metadata.Filename)
	}

	return res, nil
}
