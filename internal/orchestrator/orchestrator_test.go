package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixelka/mailwatch/internal/config"
	"github.com/mixelka/mailwatch/internal/deadletter"
	"github.com/mixelka/mailwatch/internal/mailbox"
	"github.com/mixelka/mailwatch/internal/processor"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeMailbox struct {
	mu          sync.Mutex
	connectErr  error
	connects    int
	disconnects int
	// release, when set, holds WaitForPush regardless of cancellation
	release chan struct{}
}

func (m *fakeMailbox) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connects++
	return m.connectErr
}

func (m *fakeMailbox) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnects++
	return nil
}

func (m *fakeMailbox) counts() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connects, m.disconnects
}

func (m *fakeMailbox) SupportsPush() bool { return true }

func (m *fakeMailbox) Lock(ctx context.Context, folder string) (func(), error) {
	return func() {}, nil
}

func (m *fakeMailbox) WaitForPush(ctx context.Context, folder string) error {
	m.mu.Lock()
	release := m.release
	m.mu.Unlock()
	if release != nil {
		<-release
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

func (m *fakeMailbox) Status(ctx context.Context, folder string) (mailbox.Status, error) {
	return mailbox.Status{}, nil
}

func (m *fakeMailbox) SearchUnseen(ctx context.Context, folder string) ([]uint32, error) {
	return nil, nil
}

func (m *fakeMailbox) FetchMessage(ctx context.Context, folder string, uid uint32) (*mailbox.Message, error) {
	return nil, mailbox.ErrMessageNotFound
}

func (m *fakeMailbox) MarkSeen(ctx context.Context, folder string, uid uint32) error {
	return nil
}

type fakeProcessor struct {
	mu       sync.Mutex
	runs     []string
	retried  []uint32
	gate     chan struct{}
	err      error
	retryRes bool
}

func (p *fakeProcessor) ProcessFolder(ctx context.Context, t processor.Target, folder string) error {
	if p.gate != nil {
		<-p.gate
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runs = append(p.runs, t.Account.Name+":"+folder)
	return p.err
}

func (p *fakeProcessor) ProcessMessage(ctx context.Context, t processor.Target, folder string, uid uint32, messageID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retried = append(p.retried, uid)
	return p.retryRes, nil
}

func (p *fakeProcessor) runCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.runs)
}

type countingTracker struct {
	mu     sync.Mutex
	active int
	total  int
}

func (c *countingTracker) Track(description string) func() {
	c.mu.Lock()
	c.active++
	c.total++
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		c.active--
		c.mu.Unlock()
	}
}

func (c *countingTracker) snapshot() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active, c.total
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	o       *Orchestrator
	proc    *fakeProcessor
	tracker *countingTracker
	clock   *fakeClock
	boxes   map[string]*fakeMailbox
	cancel  context.CancelFunc
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	base, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := &harness{
		proc:    &fakeProcessor{},
		tracker: &countingTracker{},
		clock:   &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
		boxes:   make(map[string]*fakeMailbox),
		cancel:  cancel,
	}
	var mu sync.Mutex
	factory := func(acct config.Account) Mailbox {
		mu.Lock()
		defer mu.Unlock()
		if m, ok := h.boxes[acct.Name]; ok {
			return m
		}
		m := &fakeMailbox{}
		h.boxes[acct.Name] = m
		return m
	}
	h.o = New(base, Config{DebounceWindow: 5 * time.Second}, factory, h.proc, h.tracker, discard)
	h.o.now = h.clock.Now
	return h
}

func testAccount(name string) config.Account {
	return config.Account{Name: name, Email: name + "@example.com", Folders: []string{"INBOX"}}
}

func waitRuns(t *testing.T, p *fakeProcessor, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return p.runCount() == n }, 5*time.Second, 10*time.Millisecond)
}

func TestStartAccount(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.o.StartAll(context.Background(), []config.Account{testAccount("a"), testAccount("b")}))

	// initial pass runs synchronously
	assert.Equal(t, 2, h.proc.runCount())
	assert.ElementsMatch(t, []string{"a:INBOX", "b:INBOX"}, h.o.registry.Keys())

	state, ok := h.o.State("a")
	require.True(t, ok)
	assert.True(t, state.Connected)
	assert.True(t, state.IdleSupported)
	require.NotNil(t, state.LastScan)
	assert.Equal(t, h.clock.Now(), *state.LastScan)

	states := h.o.States()
	require.Len(t, states, 2)
	assert.Equal(t, "a", states[0].Name)
	assert.Equal(t, "b", states[1].Name)
}

func TestStartAccountDisableIdle(t *testing.T) {
	h := newHarness(t)
	acct := testAccount("a")
	acct.DisableIdle = true

	require.NoError(t, h.o.StartAccount(context.Background(), acct))
	state, _ := h.o.State("a")
	assert.False(t, state.IdleSupported)
}

func TestStartAccountConnectFailure(t *testing.T) {
	h := newHarness(t)
	h.boxes["bad"] = &fakeMailbox{connectErr: errors.New("authentication failed")}

	var notified []string
	h.o.SetErrorHandler(func(acct config.Account, err error) {
		notified = append(notified, acct.Name)
	})

	err := h.o.StartAll(context.Background(), []config.Account{testAccount("good"), testAccount("bad")})
	assert.ErrorContains(t, err, "authentication failed")
	assert.Equal(t, []string{"bad"}, notified)

	state, ok := h.o.State("bad")
	require.True(t, ok)
	assert.False(t, state.Connected)
	assert.Equal(t, 1, state.ErrorCount)
	assert.Equal(t, []string{"good:INBOX"}, h.o.registry.Keys())

	good, _ := h.o.State("good")
	assert.True(t, good.Connected)
}

func TestDebounce(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.o.StartAccount(context.Background(), testAccount("a")))
	waitRuns(t, h.proc, 1)

	h.o.onNewMail("a", "INBOX", 1)
	waitRuns(t, h.proc, 2)

	h.clock.Advance(time.Second)
	h.o.onNewMail("a", "INBOX", 2)

	h.clock.Advance(5 * time.Second)
	h.o.onNewMail("a", "INBOX", 3)
	waitRuns(t, h.proc, 3)

	// the second event was dropped
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, h.proc.runCount())
}

func TestDebounceIsPerFolder(t *testing.T) {
	h := newHarness(t)
	acct := testAccount("a")
	acct.Folders = []string{"INBOX", "Spam"}
	require.NoError(t, h.o.StartAccount(context.Background(), acct))
	waitRuns(t, h.proc, 2)

	h.o.onNewMail("a", "INBOX", 1)
	h.o.onNewMail("a", "Spam", 1)
	waitRuns(t, h.proc, 4)
}

func TestPauseResume(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.o.StartAccount(ctx, testAccount("a")))
	waitRuns(t, h.proc, 1)

	assert.True(t, h.o.Pause("a"))
	assert.False(t, h.o.Pause("missing"))
	assert.Equal(t, 1, h.o.PausedCount())

	h.o.onNewMail("a", "INBOX", 1)
	ok, err := h.o.TriggerProcessing(ctx, "a", "")
	require.NoError(t, err)
	assert.False(t, ok)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.proc.runCount())

	// loops keep running while paused
	assert.Equal(t, []string{"a:INBOX"}, h.o.registry.Keys())

	assert.True(t, h.o.Resume("a"))
	assert.Zero(t, h.o.PausedCount())
	h.o.onNewMail("a", "INBOX", 1)
	waitRuns(t, h.proc, 2)
}

func TestTriggerProcessing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	acct := testAccount("a")
	acct.Folders = []string{"INBOX", "Spam"}
	require.NoError(t, h.o.StartAccount(ctx, acct))

	ok, err := h.o.TriggerProcessing(ctx, "a", "")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 4, h.proc.runCount())

	ok, err = h.o.TriggerProcessing(ctx, "a", "Spam")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 5, h.proc.runCount())

	// the echo of our own \Seen updates is debounced
	h.o.onNewMail("a", "Spam", 1)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 5, h.proc.runCount())

	_, err = h.o.TriggerProcessing(ctx, "missing", "")
	assert.ErrorIs(t, err, ErrUnknownAccount)
}

func TestProcessingErrorCounted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.o.StartAccount(ctx, testAccount("a")))

	h.proc.mu.Lock()
	h.proc.err = errors.New("search failed")
	h.proc.mu.Unlock()

	ok, err := h.o.TriggerProcessing(ctx, "a", "INBOX")
	assert.True(t, ok)
	assert.ErrorContains(t, err, "search failed")

	state, _ := h.o.State("a")
	assert.Equal(t, 1, state.ErrorCount)
}

func TestQueueTracksRuns(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.o.StartAccount(context.Background(), testAccount("a")))
	waitRuns(t, h.proc, 1)

	h.proc.gate = make(chan struct{})
	h.o.onNewMail("a", "INBOX", 7)

	require.Eventually(t, func() bool { return len(h.o.Queue()) == 1 }, 5*time.Second, 10*time.Millisecond)
	q := h.o.Queue()[0]
	assert.Equal(t, "a", q.AccountName)
	assert.Equal(t, "INBOX", q.Folder)
	assert.Equal(t, 7, q.PendingCount)

	active, _ := h.tracker.snapshot()
	assert.Equal(t, 1, active)

	close(h.proc.gate)
	waitRuns(t, h.proc, 2)
	require.Eventually(t, func() bool { return len(h.o.Queue()) == 0 }, 5*time.Second, 10*time.Millisecond)

	active, total := h.tracker.snapshot()
	assert.Zero(t, active)
	assert.Equal(t, 2, total)
}

func TestDispatchTrackedBeforeRunStarts(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.o.StartAccount(context.Background(), testAccount("a")))
	waitRuns(t, h.proc, 1)

	h.proc.gate = make(chan struct{})
	h.o.onNewMail("a", "INBOX", 1)

	// registered before onNewMail returns, so a shutdown snapshot sees it
	active, total := h.tracker.snapshot()
	assert.Equal(t, 1, active)
	assert.Equal(t, 2, total)

	close(h.proc.gate)
	waitRuns(t, h.proc, 2)
	require.Eventually(t, func() bool {
		active, _ := h.tracker.snapshot()
		return active == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWatchLoopPanicReported(t *testing.T) {
	h := newHarness(t)
	panics := make(chan error, 1)
	h.o.SetPanicHandler(func(err error) { panics <- err })

	require.NoError(t, h.o.StartAccount(context.Background(), testAccount("a")))
	require.NoError(t, h.o.StartAccount(context.Background(), testAccount("b")))

	_, started := h.o.registry.Start(h.o.base, "b", "Broken", func(context.Context) {
		panic("nil client")
	})
	require.True(t, started)

	select {
	case err := <-panics:
		assert.ErrorContains(t, err, "b:Broken")
	case <-time.After(time.Second):
		t.Fatal("panic not reported")
	}
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"a:INBOX", "b:INBOX"}, h.o.registry.Keys())
	}, 5*time.Second, 10*time.Millisecond)
}

func TestReconnect(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.o.StartAccount(ctx, testAccount("a")))

	assert.True(t, h.o.Reconnect(ctx, "a"))
	assert.False(t, h.o.Reconnect(ctx, "missing"))

	connects, disconnects := h.boxes["a"].counts()
	assert.Equal(t, 2, connects)
	assert.Equal(t, 1, disconnects)
	assert.Equal(t, []string{"a:INBOX"}, h.o.registry.Keys())

	state, _ := h.o.State("a")
	assert.True(t, state.Connected)
}

func TestReconnectCancelledWhileStopping(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	h.boxes["a"] = &fakeMailbox{release: release}
	require.NoError(t, h.o.StartAccount(context.Background(), testAccount("a")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, h.o.Reconnect(ctx, "a"))

	state, _ := h.o.State("a")
	assert.False(t, state.Connected)
	assert.Empty(t, h.o.registry.Keys())
}

func TestReconnectFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.o.StartAccount(ctx, testAccount("a")))

	box := h.boxes["a"]
	box.mu.Lock()
	box.connectErr = errors.New("connection refused")
	box.mu.Unlock()

	assert.False(t, h.o.Reconnect(ctx, "a"))
	assert.Empty(t, h.o.registry.Keys())

	state, _ := h.o.State("a")
	assert.False(t, state.Connected)
	assert.Equal(t, 1, state.ErrorCount)
}

func TestRetryMessage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.o.StartAccount(ctx, testAccount("a")))
	h.proc.retryRes = true

	ok, err := h.o.RetryMessage(ctx, &deadletter.Entry{AccountName: "a", Folder: "INBOX", UID: 42, MessageID: "x@example.com"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []uint32{42}, h.proc.retried)

	_, err = h.o.RetryMessage(ctx, &deadletter.Entry{AccountName: "missing"})
	assert.ErrorIs(t, err, ErrUnknownAccount)

	h.boxes["b"] = &fakeMailbox{connectErr: errors.New("down")}
	_ = h.o.StartAccount(ctx, testAccount("b"))
	_, err = h.o.RetryMessage(ctx, &deadletter.Entry{AccountName: "b"})
	assert.ErrorIs(t, err, mailbox.ErrNotConnected)
}

func TestStopAll(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.o.StartAll(ctx, []config.Account{testAccount("a"), testAccount("b")}))

	require.NoError(t, h.o.StopAll(ctx))

	assert.Empty(t, h.o.States())
	assert.Empty(t, h.o.Queue())
	for _, name := range []string{"a", "b"} {
		_, disconnects := h.boxes[name].counts()
		assert.Equal(t, 1, disconnects)
	}
	require.Eventually(t, func() bool { return len(h.o.registry.Keys()) == 0 }, 5*time.Second, 10*time.Millisecond)

	// late events from stopped loops are ignored
	h.o.onNewMail("a", "INBOX", 1)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, h.proc.runCount())
}

func TestChangesSignalled(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.o.StartAccount(context.Background(), testAccount("a")))

	// drain the coalesced signal from startup
	select {
	case <-h.o.Changes():
	default:
	}

	h.o.Pause("a")
	select {
	case <-h.o.Changes():
	case <-time.After(time.Second):
		t.Fatal("no change signalled")
	}
}

func TestNoDispatchAfterShutdown(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.o.StartAccount(context.Background(), testAccount("a")))
	waitRuns(t, h.proc, 1)

	h.cancel()
	h.o.onNewMail("a", "INBOX", 1)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.proc.runCount())
	require.Eventually(t, func() bool { return len(h.o.registry.Keys()) == 0 }, 5*time.Second, 10*time.Millisecond)
}
