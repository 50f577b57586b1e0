package offline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	perrors "github.com/jmgilman/go/errors"
	"golang.org/x/time/rate"

	"github.com/wolfeidau/strategy-cache/telemetry"
)

const (
	// DefaultReplayInterval is how often Run replays without a trigger.
	DefaultReplayInterval = 30 * time.Second
	// DefaultReplayRate bounds sends per second during a replay.
	DefaultReplayRate = 5
)

// Sender delivers a queued action to its destination.
type Sender interface {
	Send(ctx context.Context, a Action) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, a Action) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, a Action) error {
	return f(ctx, a)
}

// SyncRecorder receives the outcome of every replay attempt.
// perf.Collector satisfies it.
type SyncRecorder interface {
	RecordSyncOperation(success bool, retryCount int, processingTime time.Duration)
}

// Invalidator drops cached entries made stale by a delivered action.
// strategy.Engine satisfies it.
type Invalidator interface {
	InvalidateTags(ctx context.Context, tags []string) error
}

// ReplayResult summarises one replay pass.
type ReplayResult struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Retrying  int `json:"retrying"`
	Failed    int `json:"failed"`
}

// Replayer sends pending actions, removing delivered ones and failing those
// that run out of retries.
type Replayer struct {
	queue       *Queue
	sender      Sender
	recorder    SyncRecorder
	invalidator Invalidator
	limiter     *rate.Limiter
	interval    time.Duration
	logger      *slog.Logger
	now         func() time.Time

	replayMu sync.Mutex
	trigger  chan struct{}
}

// ReplayerOption configures a Replayer.
type ReplayerOption func(*Replayer)

// WithLogger sets the logger for the replayer.
func WithLogger(logger *slog.Logger) ReplayerOption {
	return func(r *Replayer) {
		r.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) ReplayerOption {
	return func(r *Replayer) {
		r.now = now
	}
}

// WithRate limits sends to limit per second with the given burst.
func WithRate(limit rate.Limit, burst int) ReplayerOption {
	return func(r *Replayer) {
		r.limiter = rate.NewLimiter(limit, burst)
	}
}

// WithInterval sets how often Run replays without a trigger.
func WithInterval(d time.Duration) ReplayerOption {
	return func(r *Replayer) {
		r.interval = d
	}
}

// WithSyncRecorder sets the metrics collaborator.
func WithSyncRecorder(s SyncRecorder) ReplayerOption {
	return func(r *Replayer) {
		r.recorder = s
	}
}

// WithInvalidator sets who is told about the tags of delivered actions.
func WithInvalidator(inv Invalidator) ReplayerOption {
	return func(r *Replayer) {
		r.invalidator = inv
	}
}

// NewReplayer creates a replayer draining q through sender.
func NewReplayer(q *Queue, sender Sender, opts ...ReplayerOption) *Replayer {
	r := &Replayer{
		queue:    q,
		sender:   sender,
		limiter:  rate.NewLimiter(DefaultReplayRate, 1),
		interval: DefaultReplayInterval,
		logger:   slog.Default(),
		now:      time.Now,
		trigger:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "offline-replay")
	return r
}

// Trigger asks Run to replay now. It never blocks; triggers arriving while
// one is already waiting are merged.
func (r *Replayer) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Run replays on every interval tick and trigger until ctx is canceled.
func (r *Replayer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-r.trigger:
		}
		res, err := r.Replay(ctx)
		if err != nil && ctx.Err() == nil {
			r.logger.Error("replay failed", "error", err)
			continue
		}
		if res.Attempted > 0 {
			r.logger.Info("replay finished",
				"attempted", res.Attempted,
				"succeeded", res.Succeeded,
				"retrying", res.Retrying,
				"failed", res.Failed,
			)
		}
	}
}

// Replay sends every pending action once in enqueue order. Passes never
// overlap; a call made during a pass waits for it to finish.
func (r *Replayer) Replay(ctx context.Context) (ReplayResult, error) {
	r.replayMu.Lock()
	defer r.replayMu.Unlock()

	var res ReplayResult
	pending, err := r.queue.Pending(ctx)
	if err != nil {
		return res, err
	}

	for _, a := range pending {
		if err := r.limiter.Wait(ctx); err != nil {
			return res, err
		}
		res.Attempted++

		switch r.replayOne(ctx, a) {
		case StatusPending:
			res.Retrying++
		case StatusFailed:
			res.Failed++
		default:
			res.Succeeded++
		}
	}

	if p, f, err := r.queue.Counts(ctx); err == nil {
		telemetry.RecordOfflineQueueDepth(ctx, p, f)
	}
	return res, nil
}

// replayOne sends a and returns its new status, or "" once delivered.
func (r *Replayer) replayOne(ctx context.Context, a Action) Status {
	start := time.Now()
	sendErr := r.sender.Send(ctx, a)
	elapsed := time.Since(start)

	if sendErr == nil {
		if err := r.queue.Remove(ctx, a.ID); err != nil {
			r.logger.Error("removing delivered action failed", "id", a.ID, "error", err)
		}
		r.recordSync(true, a.RetryCount, elapsed)
		telemetry.RecordOfflineReplay(ctx, string(a.Kind), "success", elapsed)
		if r.invalidator != nil && len(a.Tags) > 0 {
			if err := r.invalidator.InvalidateTags(ctx, a.Tags); err != nil {
				r.logger.Warn("invalidating tags after replay failed", "id", a.ID, "tags", a.Tags, "error", err)
			}
		}
		r.logger.Debug("action delivered", "id", a.ID, "kind", a.Kind, "retries", a.RetryCount)
		return ""
	}

	a.RetryCount++
	a.LastError = sendErr.Error()
	a.LastAttemptAt = r.now()

	outcome := "retry"
	if permanent(sendErr) || a.RetryCount > a.MaxRetries {
		a.Status = StatusFailed
		outcome = "failed"
		r.logger.Warn("action failed permanently",
			"id", a.ID,
			"kind", a.Kind,
			"retries", a.RetryCount,
			"error", sendErr,
		)
	} else {
		r.logger.Debug("action will be retried", "id", a.ID, "retries", a.RetryCount, "error", sendErr)
	}

	if err := r.queue.Update(ctx, a); err != nil {
		r.logger.Error("recording replay failure failed", "id", a.ID, "error", err)
	}
	r.recordSync(false, a.RetryCount, elapsed)
	telemetry.RecordOfflineReplay(ctx, string(a.Kind), outcome, elapsed)
	return a.Status
}

func (r *Replayer) recordSync(success bool, retries int, elapsed time.Duration) {
	if r.recorder != nil {
		r.recorder.RecordSyncOperation(success, retries, elapsed)
	}
}

// permanent reports whether err is classified as not worth retrying.
// Errors without a classification are retried until the budget runs out.
func permanent(err error) bool {
	var pe perrors.PlatformError
	if !perrors.As(err, &pe) {
		return false
	}
	return !perrors.IsRetryable(err)
}
