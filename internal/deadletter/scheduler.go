package deadletter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mixelka/mailwatch/internal/metrics"
)

// DefaultSweepInterval is the time between scheduled sweeps
const DefaultSweepInterval = 60 * time.Second

// ErrRetryFailed is recorded when a retry callback reports failure without an error
var ErrRetryFailed = errors.New("retry reported failure")

// RetryFunc reprocesses one entry. It reports success with true.
type RetryFunc func(ctx context.Context, e *Entry) (bool, error)

// Tracker registers long-running work for shutdown draining
type Tracker interface {
	Track(description string) (done func())
}

// Policy is the retry policy applied by the scheduler
type Policy struct {
	Enabled     bool
	MaxAttempts int
	Backoff     Backoff
}

// SchedulerConfig configures a Scheduler
type SchedulerConfig struct {
	Policy          Policy
	SweepInterval   time.Duration
	Retention       time.Duration
	CleanupInterval time.Duration
}

// SweepResult counts what one sweep did
type SweepResult struct {
	Due         int
	Succeeded   int
	Rescheduled int
	Exhausted   int
	Errors      int
}

// Scheduler periodically advances due dead letters through the retry state machine
type Scheduler struct {
	queue   *Queue
	retry   RetryFunc
	cfg     SchedulerConfig
	tracker Tracker
	logger  *slog.Logger

	// sweeps and manual retries never overlap
	mu sync.Mutex
}

// NewScheduler creates a retry scheduler
func NewScheduler(queue *Queue, retry RetryFunc, cfg SchedulerConfig, tracker Tracker, logger *slog.Logger) *Scheduler {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	return &Scheduler{
		queue:   queue,
		retry:   retry,
		cfg:     cfg,
		tracker: tracker,
		logger:  logger.With("component", "retry_scheduler"),
	}
}

// Run sweeps once immediately and then on every interval until ctx is done.
// Retention cleanup runs on its own interval even when retries are disabled.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("starting retry scheduler",
		"enabled", s.cfg.Policy.Enabled,
		"interval", s.cfg.SweepInterval,
		"max_attempts", s.cfg.Policy.MaxAttempts,
	)

	// Run is the only sweeper, so anything still retrying was cut off by a restart
	if _, err := s.queue.RecoverInterrupted(ctx); err != nil {
		s.logger.Error("failed to recover interrupted retries", "error", err)
	}

	var sweepC <-chan time.Time
	if s.cfg.Policy.Enabled {
		s.Sweep(ctx)
		ticker := time.NewTicker(s.cfg.SweepInterval)
		defer ticker.Stop()
		sweepC = ticker.C
	}

	var cleanupC <-chan time.Time
	if s.cfg.Retention > 0 && s.cfg.CleanupInterval > 0 {
		s.cleanup(ctx)
		ticker := time.NewTicker(s.cfg.CleanupInterval)
		defer ticker.Stop()
		cleanupC = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("retry scheduler stopped")
			return
		case <-sweepC:
			s.Sweep(ctx)
		case <-cleanupC:
			s.cleanup(ctx)
		}
	}
}

// Sweep processes every due entry in due order. A cancelled ctx stops the sweep
// between entries; a callback already running is given a detached context.
func (s *Scheduler) Sweep(ctx context.Context) SweepResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result SweepResult
	if ctx.Err() != nil {
		return result
	}

	done := s.track("dead-letter retry sweep")
	defer done()

	entries, err := s.queue.Due(ctx)
	if err != nil {
		s.logger.Error("failed to load due dead letters", "error", err)
		result.Errors++
		return result
	}
	result.Due = len(entries)
	if len(entries) == 0 {
		return result
	}

	s.logger.Info("retrying dead letters", "due", len(entries))
	for i, e := range entries {
		if ctx.Err() != nil {
			s.logger.Info("sweep interrupted by shutdown", "remaining", len(entries)-i)
			break
		}
		s.advance(context.WithoutCancel(ctx), e, &result)
	}

	s.logger.Info("retry sweep finished",
		"succeeded", result.Succeeded,
		"rescheduled", result.Rescheduled,
		"exhausted", result.Exhausted,
		"errors", result.Errors,
	)
	return result
}

// RetryNow runs the retry callback for one unresolved pending entry immediately
func (s *Scheduler) RetryNow(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.queue.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if e.Resolved() {
		return false, fmt.Errorf("dead letter %s is %s: %w", id, e.State.Status(), ErrResolved)
	}
	if _, ok := e.State.(Pending); !ok {
		return false, fmt.Errorf("dead letter %s is %s, not pending", id, e.State.Status())
	}

	var result SweepResult
	s.advance(ctx, e, &result)
	if result.Errors > 0 {
		return false, fmt.Errorf("failed to retry dead letter %s", id)
	}
	return result.Succeeded > 0, nil
}

// advance moves one due entry through retrying to its next state
func (s *Scheduler) advance(ctx context.Context, e *Entry, result *SweepResult) {
	logger := s.logger.With("id", e.ID, "account", e.AccountName, "uid", e.UID, "attempts", e.Attempts)

	if e.Attempts >= s.cfg.Policy.MaxAttempts {
		if err := s.queue.MarkExhausted(ctx, e.ID); err != nil {
			s.transitionFailed(logger, "exhausted", err, result)
			return
		}
		logger.Warn("dead letter exhausted retries")
		metrics.RetryOutcomes.WithLabelValues("exhausted").Inc()
		result.Exhausted++
		return
	}

	if err := s.queue.MarkRetrying(ctx, e.ID); err != nil {
		s.transitionFailed(logger, "retrying", err, result)
		return
	}

	ok, err := s.call(ctx, e)
	if ok && err == nil {
		if err := s.queue.MarkSucceeded(ctx, e.ID); err != nil {
			s.transitionFailed(logger, "success", err, result)
			return
		}
		logger.Info("dead letter retry succeeded")
		metrics.RetryOutcomes.WithLabelValues("success").Inc()
		result.Succeeded++
		return
	}

	if err == nil {
		err = ErrRetryFailed
	}
	delay := s.cfg.Policy.Backoff.Delay(e.Attempts + 1)
	if serr := s.queue.ScheduleRetry(ctx, e.ID, delay, err); serr != nil {
		s.transitionFailed(logger, "pending", serr, result)
		return
	}
	logger.Warn("dead letter retry failed, rescheduled", "error", err, "delay", delay)
	metrics.RetryOutcomes.WithLabelValues("rescheduled").Inc()
	result.Rescheduled++
}

// call runs the retry callback and turns a panic into an error
func (s *Scheduler) call(ctx context.Context, e *Entry) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			err = fmt.Errorf("retry callback panicked: %v", r)
		}
	}()
	return s.retry(ctx, e)
}

func (s *Scheduler) transitionFailed(logger *slog.Logger, to string, err error, result *SweepResult) {
	if errors.Is(err, ErrResolved) {
		// resolved concurrently (manual skip or resolve), leave it alone
		logger.Info("dead letter resolved elsewhere", "target", to)
		return
	}
	logger.Error("failed to update dead letter", "target", to, "error", err)
	metrics.RetryOutcomes.WithLabelValues("error").Inc()
	result.Errors++
}

func (s *Scheduler) cleanup(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.queue.Cleanup(ctx, s.cfg.Retention); err != nil {
		s.logger.Error("failed to clean up dead letters", "error", err)
	}
}

func (s *Scheduler) track(description string) func() {
	if s.tracker == nil {
		return func() {}
	}
	return s.tracker.Track(description)
}
