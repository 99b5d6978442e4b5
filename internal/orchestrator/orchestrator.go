// Package orchestrator owns the runtime state of every watched account. It
// starts the watch loops, turns their new-mail events into debounced
// processing runs and serves pause, resume, reconnect and manual scans.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mixelka/mailwatch/internal/config"
	"github.com/mixelka/mailwatch/internal/deadletter"
	"github.com/mixelka/mailwatch/internal/mailbox"
	"github.com/mixelka/mailwatch/internal/metrics"
	"github.com/mixelka/mailwatch/internal/processor"
	"github.com/mixelka/mailwatch/internal/watch"
	"github.com/mixelka/mailwatch/pkg/models"
)

// DefaultDebounceWindow is the minimum time between two dispatches for one folder
const DefaultDebounceWindow = 5 * time.Second

// loopStopTimeout bounds how long Reconnect waits for old loops to return
const loopStopTimeout = 10 * time.Second

// ErrUnknownAccount is returned for account names that were never started
var ErrUnknownAccount = errors.New("unknown account")

// Mailbox is the transport of one account
type Mailbox interface {
	watch.Transport
	processor.Mailbox
	Connect(ctx context.Context) error
	Disconnect() error
	SupportsPush() bool
}

// MailboxFactory creates the transport of an account
type MailboxFactory func(account config.Account) Mailbox

// Processor is the processing collaborator
type Processor interface {
	ProcessFolder(ctx context.Context, t processor.Target, folder string) error
	ProcessMessage(ctx context.Context, t processor.Target, folder string, uid uint32, messageID string) (bool, error)
}

// Tracker registers processing runs so shutdown can drain them
type Tracker interface {
	Track(description string) (done func())
}

// ErrorHandler is told about account connection failures
type ErrorHandler func(account config.Account, err error)

// Config configures the orchestrator
type Config struct {
	DebounceWindow time.Duration
}

type account struct {
	cfg   config.Account
	mb    Mailbox
	state models.AccountState
}

// Orchestrator is the single owner of account runtime state
type Orchestrator struct {
	cfg        Config
	newMailbox MailboxFactory
	proc       Processor
	tracker    Tracker
	registry   *watch.Registry
	logger     *slog.Logger
	root       *slog.Logger
	now        func() time.Time

	// base is the parent of every watch loop; cancelled at shutdown
	base context.Context

	onError ErrorHandler

	mu           sync.Mutex
	accounts     map[string]*account
	lastDispatch map[string]time.Time
	queue        map[uint64]*models.QueueStatus
	nextRun      uint64

	changes chan struct{}
}

// New creates an orchestrator. Watch loops run under base.
func New(base context.Context, cfg Config, newMailbox MailboxFactory, proc Processor, tracker Tracker, logger *slog.Logger) *Orchestrator {
	if cfg.DebounceWindow <= 0 {
		cfg.DebounceWindow = DefaultDebounceWindow
	}
	return &Orchestrator{
		cfg:          cfg,
		newMailbox:   newMailbox,
		proc:         proc,
		tracker:      tracker,
		registry:     watch.NewRegistry(logger),
		logger:       logger.With("component", "orchestrator"),
		root:         logger,
		now:          time.Now,
		base:         base,
		accounts:     make(map[string]*account),
		lastDispatch: make(map[string]time.Time),
		queue:        make(map[uint64]*models.QueueStatus),
		changes:      make(chan struct{}, 1),
	}
}

// SetErrorHandler sets the handler for account connection failures
func (o *Orchestrator) SetErrorHandler(handler ErrorHandler) {
	o.onError = handler
}

// SetPanicHandler sets the handler for watch loops that panicked
func (o *Orchestrator) SetPanicHandler(handler func(err error)) {
	o.registry.SetPanicHandler(handler)
}

// StartAll starts every account concurrently. A failing account does not stop
// the others; the failures are returned joined.
func (o *Orchestrator) StartAll(ctx context.Context, accounts []config.Account) error {
	o.logger.Info("starting accounts", "count", len(accounts))

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, acct := range accounts {
		g.Go(func() error {
			if err := o.StartAccount(ctx, acct); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	o.logger.Info("finished starting accounts", "failed", len(errs))
	return errors.Join(errs...)
}

// StartAccount connects the account, processes its folders once and starts a
// watch loop per folder. A connect failure leaves the account registered as
// disconnected and is returned.
func (o *Orchestrator) StartAccount(ctx context.Context, acct config.Account) error {
	logger := o.logger.With("account", acct.Name)

	o.mu.Lock()
	a, ok := o.accounts[acct.Name]
	if ok && a.state.Connected {
		o.mu.Unlock()
		return nil
	}
	if !ok {
		a = &account{cfg: acct, mb: o.newMailbox(acct), state: models.AccountState{Name: acct.Name}}
		o.accounts[acct.Name] = a
	}
	o.mu.Unlock()
	o.notify()

	if err := a.mb.Connect(ctx); err != nil {
		o.connectFailed(acct, err)
		return fmt.Errorf("failed to connect account %s: %w", acct.Name, err)
	}
	o.markConnected(acct.Name, a.mb.SupportsPush() && !acct.DisableIdle)

	for _, folder := range acct.Folders {
		if ctx.Err() != nil {
			break
		}
		o.run(ctx, acct.Name, folder, 0, "initial")
	}

	o.startLoops(acct.Name)
	logger.Info("account started", "folders", acct.Folders)
	return nil
}

// Pause suppresses dispatch for an account. Its watch loops keep running.
func (o *Orchestrator) Pause(name string) bool {
	return o.setPaused(name, true)
}

// Resume lets watch events dispatch again
func (o *Orchestrator) Resume(name string) bool {
	return o.setPaused(name, false)
}

func (o *Orchestrator) setPaused(name string, paused bool) bool {
	o.mu.Lock()
	a, ok := o.accounts[name]
	if ok {
		a.state.Paused = paused
	}
	o.mu.Unlock()

	if !ok {
		return false
	}
	o.logger.Info("account pause changed", "account", name, "paused", paused)
	o.notify()
	return true
}

// Reconnect stops the account's loops, reconnects and starts them again.
// It returns false if the account is unknown or the new connection failed.
func (o *Orchestrator) Reconnect(ctx context.Context, name string) bool {
	o.mu.Lock()
	a, ok := o.accounts[name]
	o.mu.Unlock()
	if !ok {
		return false
	}
	logger := o.logger.With("account", name)
	logger.Info("reconnecting account")

	for _, h := range o.registry.StopAccount(name) {
		select {
		case <-h.Done():
		case <-time.After(loopStopTimeout):
			logger.Warn("watch loop did not stop in time", "key", h.Key)
		case <-ctx.Done():
			// the loops are gone either way
			o.markDisconnected(name)
			return false
		}
	}

	o.markDisconnected(name)
	if err := a.mb.Disconnect(); err != nil {
		logger.Warn("failed to disconnect", "error", err)
	}

	if err := a.mb.Connect(ctx); err != nil {
		o.connectFailed(a.cfg, err)
		return false
	}
	o.markConnected(name, a.mb.SupportsPush() && !a.cfg.DisableIdle)
	o.startLoops(name)

	logger.Info("account reconnected")
	return true
}

// TriggerProcessing processes folder, or every folder of the account when
// folder is empty, right away without debouncing. It returns false without
// processing if the account is unknown or paused.
func (o *Orchestrator) TriggerProcessing(ctx context.Context, name, folder string) (bool, error) {
	o.mu.Lock()
	a, ok := o.accounts[name]
	if !ok {
		o.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrUnknownAccount, name)
	}
	if a.state.Paused {
		o.mu.Unlock()
		return false, nil
	}
	folders := a.cfg.Folders
	if folder != "" {
		folders = []string{folder}
	}
	// processing marks mail seen, which wakes the watch loop; debounce that echo
	for _, f := range folders {
		o.lastDispatch[watch.Key(name, f)] = o.now()
	}
	o.mu.Unlock()

	var errs []error
	for _, f := range folders {
		if err := o.run(ctx, name, f, 0, "manual"); err != nil {
			errs = append(errs, err)
		}
	}
	return true, errors.Join(errs...)
}

// RetryMessage reprocesses one dead-lettered message. It is the retry
// scheduler's callback.
func (o *Orchestrator) RetryMessage(ctx context.Context, e *deadletter.Entry) (bool, error) {
	o.mu.Lock()
	a, ok := o.accounts[e.AccountName]
	var connected bool
	if ok {
		connected = a.state.Connected
	}
	o.mu.Unlock()

	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownAccount, e.AccountName)
	}
	if !connected {
		return false, fmt.Errorf("account %s: %w", e.AccountName, mailbox.ErrNotConnected)
	}
	return o.proc.ProcessMessage(ctx, processor.Target{Account: a.cfg, Mailbox: a.mb}, e.Folder, e.UID, e.MessageID)
}

// StopAll stops every watch loop and disconnects every account concurrently,
// then forgets all runtime state. Disconnect failures are logged and joined.
func (o *Orchestrator) StopAll(ctx context.Context) error {
	o.logger.Info("stopping all accounts")
	o.registry.StopAll()

	o.mu.Lock()
	accounts := make([]*account, 0, len(o.accounts))
	for _, a := range o.accounts {
		accounts = append(accounts, a)
	}
	o.mu.Unlock()

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, a := range accounts {
		g.Go(func() error {
			if err := a.mb.Disconnect(); err != nil {
				o.logger.Warn("failed to disconnect account", "account", a.cfg.Name, "error", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("account %s: %w", a.cfg.Name, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	o.mu.Lock()
	for _, a := range o.accounts {
		if a.state.Connected {
			metrics.AccountsConnected.Dec()
		}
	}
	o.accounts = make(map[string]*account)
	o.lastDispatch = make(map[string]time.Time)
	o.queue = make(map[uint64]*models.QueueStatus)
	o.mu.Unlock()
	o.notify()

	o.logger.Info("all accounts stopped")
	return errors.Join(errs...)
}

func (o *Orchestrator) startLoops(name string) {
	o.mu.Lock()
	a, ok := o.accounts[name]
	if !ok {
		o.mu.Unlock()
		return
	}
	acct, mb, push := a.cfg, a.mb, a.state.IdleSupported
	o.mu.Unlock()

	for _, folder := range acct.Folders {
		cfg := watch.Config{
			Account:      acct.Name,
			Folder:       folder,
			PollInterval: acct.PollInterval,
			SupportsPush: push,
		}
		o.registry.Start(o.base, acct.Name, folder, func(ctx context.Context) {
			watch.Watch(ctx, mb, cfg, func(count uint32) {
				o.onNewMail(acct.Name, folder, count)
			}, o.root)
		})
	}
}

func (o *Orchestrator) markConnected(name string, idle bool) {
	o.mu.Lock()
	if a, ok := o.accounts[name]; ok {
		if !a.state.Connected {
			metrics.AccountsConnected.Inc()
		}
		a.state.Connected = true
		a.state.IdleSupported = idle
	}
	o.mu.Unlock()
	o.notify()
}

func (o *Orchestrator) markDisconnected(name string) {
	o.mu.Lock()
	if a, ok := o.accounts[name]; ok && a.state.Connected {
		metrics.AccountsConnected.Dec()
		a.state.Connected = false
	}
	o.mu.Unlock()
	o.notify()
}

func (o *Orchestrator) connectFailed(acct config.Account, err error) {
	o.logger.Error("failed to connect account", "account", acct.Name, "error", err)
	o.mu.Lock()
	if a, ok := o.accounts[acct.Name]; ok {
		a.state.ErrorCount++
	}
	o.mu.Unlock()
	o.markDisconnected(acct.Name)

	if o.onError != nil {
		o.onError(acct, err)
	}
}

// notify signals a state change without blocking
func (o *Orchestrator) notify() {
	select {
	case o.changes <- struct{}{}:
	default:
	}
}
