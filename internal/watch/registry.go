package watch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
)

// Key identifies a watch loop. Account names never contain a colon.
func Key(account, folder string) string {
	return account + ":" + folder
}

// Handle is a running loop
type Handle struct {
	Key     string
	Account string
	Folder  string
	cancel  context.CancelFunc
	done    chan struct{}
}

// Done is closed once the loop has returned
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// PanicHandler is told about a loop that panicked. The loop is gone by then.
type PanicHandler func(err error)

// Registry holds the running loops by key
type Registry struct {
	mu      sync.Mutex
	handles map[string]*Handle
	onPanic PanicHandler
	logger  *slog.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		handles: make(map[string]*Handle),
		logger:  logger.With("component", "watch_registry"),
	}
}

// SetPanicHandler sets the handler for panicking loops
func (r *Registry) SetPanicHandler(handler PanicHandler) {
	r.mu.Lock()
	r.onPanic = handler
	r.mu.Unlock()
}

// Start runs run on its own goroutine for the folder of account. The context
// passed to run is cancelled by Stop or by parent. Start returns false if the
// loop is already running.
func (r *Registry) Start(parent context.Context, account, folder string, run func(ctx context.Context)) (*Handle, bool) {
	key := Key(account, folder)

	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.handles[key]; ok {
		return h, false
	}

	ctx, cancel := context.WithCancel(parent)
	h := &Handle{Key: key, Account: account, Folder: folder, cancel: cancel, done: make(chan struct{})}
	r.handles[key] = h

	go func() {
		defer close(h.done)
		defer r.remove(h)
		defer r.recoverLoop(h)
		run(ctx)
	}()
	return h, true
}

func (r *Registry) recoverLoop(h *Handle) {
	v := recover()
	if v == nil {
		return
	}
	r.logger.Error("watch loop panicked", "key", h.Key, "panic", v, "stack", string(debug.Stack()))

	r.mu.Lock()
	onPanic := r.onPanic
	r.mu.Unlock()
	if onPanic != nil {
		onPanic(fmt.Errorf("watch loop %s panicked: %v", h.Key, v))
	}
}

// Stop signals the loop under key to stop and forgets it. It does not wait for
// the loop to return. Stop reports whether a loop was found.
func (r *Registry) Stop(key string) bool {
	r.mu.Lock()
	h, ok := r.handles[key]
	delete(r.handles, key)
	r.mu.Unlock()

	if !ok {
		return false
	}
	h.cancel()
	r.logger.Debug("stopped watch", "key", key)
	return true
}

// StopAccount stops every loop of account and returns their handles
func (r *Registry) StopAccount(account string) []*Handle {
	r.mu.Lock()
	var stopped []*Handle
	for key, h := range r.handles {
		if h.Account == account {
			stopped = append(stopped, h)
			delete(r.handles, key)
		}
	}
	r.mu.Unlock()

	for _, h := range stopped {
		h.cancel()
	}
	return stopped
}

// StopAll stops every loop and returns their handles
func (r *Registry) StopAll() []*Handle {
	r.mu.Lock()
	stopped := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		stopped = append(stopped, h)
	}
	r.handles = make(map[string]*Handle)
	r.mu.Unlock()

	for _, h := range stopped {
		h.cancel()
	}
	return stopped
}

// Keys returns the keys of the running loops, sorted
func (r *Registry) Keys() []string {
	r.mu.Lock()
	keys := make([]string, 0, len(r.handles))
	for key := range r.handles {
		keys = append(keys, key)
	}
	r.mu.Unlock()

	sort.Strings(keys)
	return keys
}

// remove forgets h if it is still the handle registered under its key
func (r *Registry) remove(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handles[h.Key] == h {
		delete(r.handles, h.Key)
	}
}
