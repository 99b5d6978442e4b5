package orchestrator

import (
	"context"
	"fmt"
	"sort"

	"github.com/mixelka/mailwatch/internal/config"
	"github.com/mixelka/mailwatch/internal/metrics"
	"github.com/mixelka/mailwatch/internal/processor"
	"github.com/mixelka/mailwatch/internal/watch"
	"github.com/mixelka/mailwatch/pkg/models"
)

// onNewMail is called by the watch loops. Events for paused accounts and
// events inside the debounce window of the folder are dropped.
func (o *Orchestrator) onNewMail(name, folder string, count uint32) {
	// no new work once shutdown has begun
	if o.base.Err() != nil {
		return
	}
	key := watch.Key(name, folder)
	now := o.now()

	o.mu.Lock()
	a, ok := o.accounts[name]
	if !ok {
		o.mu.Unlock()
		return
	}
	if a.state.Paused {
		o.mu.Unlock()
		metrics.DebouncedEvents.WithLabelValues(name, "paused").Inc()
		o.logger.Debug("account paused, dropping event", "account", name, "folder", folder)
		return
	}
	if last, seen := o.lastDispatch[key]; seen && now.Sub(last) < o.cfg.DebounceWindow {
		o.mu.Unlock()
		metrics.DebouncedEvents.WithLabelValues(name, "debounce").Inc()
		o.logger.Debug("debounced event", "account", name, "folder", folder, "since_last", now.Sub(last))
		return
	}
	o.lastDispatch[key] = now
	o.mu.Unlock()

	o.logger.Info("new mail", "account", name, "folder", folder, "count", count)
	o.dispatch(name, folder, int(count))
}

// dispatch processes the folder on its own goroutine. The run is tracked
// before the goroutine starts and detached from shutdown cancellation so the
// coordinator can drain it.
func (o *Orchestrator) dispatch(name, folder string, pending int) {
	ctx := context.WithoutCancel(o.base)
	done := o.track(name, folder)
	go func() {
		_ = o.runTracked(ctx, name, folder, pending, "watch", done)
	}()
}

// run processes one folder synchronously and keeps the queue, the account
// state and the in-flight tracker up to date
func (o *Orchestrator) run(ctx context.Context, name, folder string, pending int, trigger string) error {
	return o.runTracked(ctx, name, folder, pending, trigger, o.track(name, folder))
}

func (o *Orchestrator) track(name, folder string) func() {
	return o.tracker.Track(fmt.Sprintf("process %s", watch.Key(name, folder)))
}

// runTracked is run with the in-flight registration already taken; done is
// called exactly once
func (o *Orchestrator) runTracked(ctx context.Context, name, folder string, pending int, trigger string, done func()) (err error) {
	o.mu.Lock()
	a, ok := o.accounts[name]
	if !ok {
		o.mu.Unlock()
		done()
		return fmt.Errorf("%w: %s", ErrUnknownAccount, name)
	}
	target := processor.Target{Account: a.cfg, Mailbox: a.mb}
	o.nextRun++
	id := o.nextRun
	o.queue[id] = &models.QueueStatus{
		AccountName:  name,
		Folder:       folder,
		PendingCount: pending,
		StartedAt:    o.now(),
	}
	o.mu.Unlock()
	o.notify()

	metrics.Dispatches.WithLabelValues(name, trigger).Inc()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while processing %s: %v", watch.Key(name, folder), r)
		}
		o.finish(id, name, err)
		done()
	}()

	return o.proc.ProcessFolder(ctx, target, folder)
}

func (o *Orchestrator) finish(id uint64, name string, err error) {
	o.mu.Lock()
	delete(o.queue, id)
	if a, ok := o.accounts[name]; ok {
		if err != nil {
			a.state.ErrorCount++
		} else {
			now := o.now()
			a.state.LastScan = &now
		}
	}
	o.mu.Unlock()
	o.notify()

	if err != nil {
		metrics.ProcessingErrors.WithLabelValues(name).Inc()
		o.logger.Error("failed to process folder", "account", name, "error", err)
	}
}

// States returns a snapshot of every account state sorted by name
func (o *Orchestrator) States() []models.AccountState {
	o.mu.Lock()
	defer o.mu.Unlock()

	states := make([]models.AccountState, 0, len(o.accounts))
	for _, a := range o.accounts {
		states = append(states, copyState(a.state))
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Name < states[j].Name })
	return states
}

// State returns a snapshot of one account state
func (o *Orchestrator) State(name string) (models.AccountState, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	a, ok := o.accounts[name]
	if !ok {
		return models.AccountState{}, false
	}
	return copyState(a.state), true
}

// Accounts returns the configuration of every known account sorted by name
func (o *Orchestrator) Accounts() []config.Account {
	o.mu.Lock()
	defer o.mu.Unlock()

	accounts := make([]config.Account, 0, len(o.accounts))
	for _, a := range o.accounts {
		accounts = append(accounts, a.cfg)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].Name < accounts[j].Name })
	return accounts
}

// Queue returns the processing runs in progress, oldest first
func (o *Orchestrator) Queue() []models.QueueStatus {
	o.mu.Lock()
	ids := make([]uint64, 0, len(o.queue))
	for id := range o.queue {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	queue := make([]models.QueueStatus, 0, len(ids))
	for _, id := range ids {
		queue = append(queue, *o.queue[id])
	}
	o.mu.Unlock()
	return queue
}

// PausedCount returns the number of paused accounts
func (o *Orchestrator) PausedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	n := 0
	for _, a := range o.accounts {
		if a.state.Paused {
			n++
		}
	}
	return n
}

// Changes receives a value after state changes. Bursts are coalesced.
func (o *Orchestrator) Changes() <-chan struct{} {
	return o.changes
}

func copyState(s models.AccountState) models.AccountState {
	if s.LastScan != nil {
		t := *s.LastScan
		s.LastScan = &t
	}
	return s
}

