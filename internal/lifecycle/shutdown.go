// Package lifecycle owns process shutdown: the in-flight operation registry,
// the shutdown coordinator and the recoverable error classifier.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// State is the coordinator lifecycle state
type State int32

const (
	StateRunning State = iota
	StateShuttingDown
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting-down"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

const (
	DefaultTimeout    = 30 * time.Second
	DefaultForceAfter = 25 * time.Second
)

// Config configures shutdown timing
type Config struct {
	// Timeout is the hard limit after which the process exits with code 1
	Timeout time.Duration
	// ForceAfter bounds the wait for in-flight operations
	ForceAfter      time.Duration
	WaitForInflight bool
}

// TeardownFunc releases one resource during shutdown
type TeardownFunc func(ctx context.Context) error

type teardown struct {
	name string
	fn   TeardownFunc
}

// Coordinator drives the running -> shutting-down -> terminated sequence
type Coordinator struct {
	cfg     Config
	tracker *Tracker
	logger  *slog.Logger

	// exit terminates the process; replaced in tests
	exit func(code int)

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	teardowns []teardown
	finished  chan struct{}
}

// NewCoordinator creates a coordinator in the running state
func NewCoordinator(cfg Config, tracker *Tracker, logger *slog.Logger) *Coordinator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.ForceAfter <= 0 {
		cfg.ForceAfter = DefaultForceAfter
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:      cfg,
		tracker:  tracker,
		logger:   logger.With("component", "shutdown"),
		exit:     os.Exit,
		ctx:      ctx,
		cancel:   cancel,
		finished: make(chan struct{}),
	}
}

// Context is cancelled when shutdown begins. Long-running loops use it to
// stop taking new work.
func (c *Coordinator) Context() context.Context {
	return c.ctx
}

// Done is closed when shutdown begins
func (c *Coordinator) Done() <-chan struct{} {
	return c.ctx.Done()
}

// State returns the current lifecycle state
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnShutdown registers a teardown handler. Handlers run in reverse
// registration order.
func (c *Coordinator) OnShutdown(name string, fn TeardownFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardowns = append(c.teardowns, teardown{name: name, fn: fn})
}

// Listen triggers shutdown on SIGINT or SIGTERM. A second signal forces exit.
// It returns once shutdown has finished or ctx is done.
func (c *Coordinator) Listen(ctx context.Context) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.finished:
			return
		case sig := <-sigCh:
			go c.Trigger("signal " + sig.String())
		}
	}
}

// Trigger runs the shutdown sequence and exits the process. Calling it again
// while shutdown is under way exits immediately with code 1.
func (c *Coordinator) Trigger(reason string) {
	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		c.logger.Error("shutdown requested again, forcing exit", "reason", reason)
		c.exit(1)
		return
	}
	c.state = StateShuttingDown
	teardowns := slices.Clone(c.teardowns)
	c.mu.Unlock()

	c.logger.Info("shutting down", "reason", reason, "timeout", c.cfg.Timeout)
	c.cancel()

	var timedOut atomic.Bool
	hard := time.AfterFunc(c.cfg.Timeout, func() {
		timedOut.Store(true)
		c.logger.Error("shutdown timed out, forcing exit", "timeout", c.cfg.Timeout)
		c.exit(1)
	})

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
	defer cancel()

	if c.cfg.WaitForInflight {
		c.drain()
	}

	for i := len(teardowns) - 1; i >= 0; i-- {
		c.runTeardown(ctx, teardowns[i])
	}

	stopped := hard.Stop()

	c.mu.Lock()
	c.state = StateTerminated
	c.mu.Unlock()
	close(c.finished)

	if !stopped || timedOut.Load() {
		return
	}
	c.logger.Info("shutdown complete")
	c.exit(0)
}

// HandleError logs recoverable errors and shuts down on anything else
func (c *Coordinator) HandleError(err error) {
	if err == nil {
		return
	}
	if IsRecoverable(err) {
		c.logger.Warn("recovered from error", "error", err)
		return
	}
	c.logger.Error("fatal error", "error", err)
	go c.Trigger("fatal error: " + err.Error())
}

// Go runs fn on its own goroutine. A returned error or a panic is passed to
// HandleError.
func (c *Coordinator) Go(name string, fn func() error) {
	go func() {
		if err := c.supervise(name, fn); err != nil {
			c.HandleError(err)
		}
	}()
}

func (c *Coordinator) supervise(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic in supervised task", "task", name, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%s panicked: %v", name, r)
		}
	}()
	if err := fn(); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// drain waits up to ForceAfter for in-flight operations and logs what is left
func (c *Coordinator) drain() {
	ops := c.tracker.Snapshot()
	if len(ops) == 0 {
		return
	}
	c.logger.Info("waiting for in-flight operations", "count", len(ops), "limit", c.cfg.ForceAfter)

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ForceAfter)
	defer cancel()
	if err := c.tracker.Wait(ctx); err == nil {
		c.logger.Info("in-flight operations finished")
		return
	}

	for _, op := range c.tracker.Snapshot() {
		c.logger.Warn("abandoning in-flight operation",
			"operation", op.Description,
			"running_for", time.Since(op.StartedAt).Round(time.Millisecond),
		)
	}
}

func (c *Coordinator) runTeardown(ctx context.Context, t teardown) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("teardown panicked", "handler", t.name, "panic", r)
		}
	}()

	start := time.Now()
	if err := t.fn(ctx); err != nil {
		c.logger.Error("teardown failed", "handler", t.name, "error", err)
		return
	}
	c.logger.Debug("teardown finished", "handler", t.name, "took", time.Since(start))
}
