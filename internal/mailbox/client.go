// Package mailbox is the IMAP transport used by the watch loops and the
// message processor.
//
// A Client keeps one command connection per account, used for STATUS, SEARCH,
// FETCH and STORE, and one push session per watched folder that does nothing
// but IDLE. Access to a folder's push session is serialized with Lock.
package mailbox

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

const (
	defaultDialTimeout    = 30 * time.Second
	defaultIdleTimeout    = 25 * time.Minute
	defaultCommandTimeout = time.Minute
	logoutTimeout         = 2 * time.Second
)

// Config configures a Client
type Config struct {
	Email       string
	Password    string
	Server      string // host:port
	IdleTimeout time.Duration
	DialTimeout time.Duration
}

// Status is the message count of a folder
type Status struct {
	Unseen uint32
	Total  uint32
}

// Client is the IMAP transport of one account
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	connected bool
	push      bool
	sessions  map[string]*session

	cmdMu    sync.Mutex
	cmd      *client.Client
	selected string
}

// session is the push connection of one folder
type session struct {
	folder string
	lock   chan struct{}

	mu      sync.Mutex
	c       *client.Client
	updates chan client.Update
}

func (s *session) conn() (*client.Client, chan client.Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c, s.updates
}

func (s *session) close() {
	s.mu.Lock()
	conn := s.c
	s.c = nil
	s.mu.Unlock()
	if conn != nil {
		closeClient(conn)
	}
}

// NewClient creates a disconnected client
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	return &Client{
		cfg:      cfg,
		logger:   logger.With("email", cfg.Email),
		sessions: make(map[string]*session),
	}
}

// Connect opens the command connection and reads the server capabilities
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.logger.Info("connecting to IMAP server", "server", c.cfg.Server)

	cmd, err := c.dial(ctx)
	if err != nil {
		return err
	}
	cmd.Timeout = defaultCommandTimeout

	push, err := cmd.Support("IDLE")
	if err != nil {
		closeClient(cmd)
		return opError("capability", "", err)
	}

	c.cmdMu.Lock()
	c.cmd = cmd
	c.selected = ""
	c.cmdMu.Unlock()

	c.mu.Lock()
	c.connected = true
	c.push = push
	c.mu.Unlock()

	c.logger.Info("connected to IMAP server", "idle", push)
	return nil
}

// Disconnect logs out every connection. Push waits in progress return an error.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	c.connected = false
	sessions := c.sessions
	c.sessions = make(map[string]*session)
	c.mu.Unlock()

	c.cmdMu.Lock()
	cmd := c.cmd
	c.cmd = nil
	c.selected = ""
	c.cmdMu.Unlock()

	if cmd != nil {
		closeClient(cmd)
	}
	for _, s := range sessions {
		s.close()
	}

	c.logger.Info("disconnected from IMAP server")
	return nil
}

// IsConnected reports whether Connect succeeded and Disconnect was not called since
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// SupportsPush reports whether the server advertised IDLE
func (c *Client) SupportsPush() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.push
}

// Lock takes the exclusive lock of folder's push session
func (c *Client) Lock(ctx context.Context, folder string) (unlock func(), err error) {
	s, err := c.session(folder)
	if err != nil {
		return nil, err
	}
	select {
	case s.lock <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-s.lock }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WaitForPush idles on folder until the server reports activity, the idle
// timeout passes or ctx is done. The caller must hold Lock(folder).
func (c *Client) WaitForPush(ctx context.Context, folder string) error {
	s, err := c.session(folder)
	if err != nil {
		return err
	}

	conn, updates := s.conn()
	if conn == nil || conn.State() == imap.LogoutState {
		if conn, updates, err = c.openSession(ctx, s); err != nil {
			return err
		}
	}

	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- conn.Idle(stop, nil) }()

	timer := time.NewTimer(c.cfg.IdleTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		close(stop)
		<-done
		return ctx.Err()
	case update := <-updates:
		close(stop)
		err := <-done
		c.logger.Debug("push activity", "folder", folder, "update", fmt.Sprintf("%T", update))
		return opError("idle", folder, err)
	case <-timer.C:
		close(stop)
		return opError("idle", folder, <-done)
	case err := <-done:
		if err == nil {
			err = errors.New("idle ended unexpectedly")
		}
		s.close()
		return opError("idle", folder, err)
	}
}

// Status returns the unseen and total message counts of folder
func (c *Client) Status(ctx context.Context, folder string) (Status, error) {
	var st Status
	err := c.command(ctx, "status", folder, false, func(cmd *client.Client) error {
		mbox, err := cmd.Status(folder, []imap.StatusItem{imap.StatusMessages, imap.StatusUnseen})
		if err != nil {
			return err
		}
		st = Status{Unseen: mbox.Unseen, Total: mbox.Messages}
		return nil
	})
	return st, err
}

// SearchUnseen returns the UIDs of unseen messages in folder, ascending
func (c *Client) SearchUnseen(ctx context.Context, folder string) ([]uint32, error) {
	var uids []uint32
	err := c.command(ctx, "search", folder, true, func(cmd *client.Client) error {
		criteria := imap.NewSearchCriteria()
		criteria.WithoutFlags = []string{imap.SeenFlag}
		found, err := cmd.UidSearch(criteria)
		if err != nil {
			return err
		}
		uids = found
		return nil
	})
	slices.Sort(uids)
	return uids, err
}

// FetchMessage fetches and parses one message by UID
func (c *Client) FetchMessage(ctx context.Context, folder string, uid uint32) (*Message, error) {
	var (
		parsed   *Message
		parseErr error
	)
	err := c.command(ctx, "fetch", folder, true, func(cmd *client.Client) error {
		seqSet := new(imap.SeqSet)
		seqSet.AddNum(uid)

		// BODY.PEEK keeps the message unseen until it is forwarded
		section := &imap.BodySectionName{Peek: true}
		items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid, section.FetchItem()}

		messages := make(chan *imap.Message, 1)
		done := make(chan error, 1)
		go func() {
			done <- cmd.UidFetch(seqSet, items, messages)
		}()

		for msg := range messages {
			if msg.Uid != uid {
				continue
			}
			parsed, parseErr = parseMessage(msg, section)
		}
		return <-done
	})
	if err != nil {
		return nil, err
	}
	if parsed == nil {
		return nil, fmt.Errorf("uid %d in %s: %w", uid, folder, ErrMessageNotFound)
	}
	if parseErr != nil {
		c.logger.Warn("failed to parse message body", "folder", folder, "uid", uid, "error", parseErr)
	}
	return parsed, nil
}

// MarkSeen adds the \Seen flag to a message
func (c *Client) MarkSeen(ctx context.Context, folder string, uid uint32) error {
	return c.command(ctx, "store", folder, true, func(cmd *client.Client) error {
		seqSet := new(imap.SeqSet)
		seqSet.AddNum(uid)

		item := imap.FormatFlagsOp(imap.AddFlags, true)
		flags := []interface{}{imap.SeenFlag}
		return cmd.UidStore(seqSet, item, flags, nil)
	})
}

// command runs fn on the command connection, selecting folder first when asked.
// A connection that dropped is redialled on the next command.
func (c *Client) command(ctx context.Context, op, folder string, selectFolder bool, fn func(*client.Client) error) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	if c.cmd == nil || c.cmd.State() == imap.LogoutState {
		c.logger.Warn("command connection lost, redialling")
		cmd, err := c.dial(ctx)
		if err != nil {
			return err
		}
		cmd.Timeout = defaultCommandTimeout
		c.cmd = cmd
		c.selected = ""
	}

	if selectFolder && c.selected != folder {
		if _, err := c.cmd.Select(folder, false); err != nil {
			c.dropIfLoggedOut()
			return opError("select", folder, err)
		}
		c.selected = folder
	}

	if err := fn(c.cmd); err != nil {
		c.dropIfLoggedOut()
		return opError(op, folder, err)
	}
	return nil
}

// dropIfLoggedOut forgets a command connection the server closed. cmdMu must be held.
func (c *Client) dropIfLoggedOut() {
	if c.cmd != nil && c.cmd.State() == imap.LogoutState {
		c.cmd = nil
		c.selected = ""
	}
}

func (c *Client) session(folder string) (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil, ErrNotConnected
	}
	s, ok := c.sessions[folder]
	if !ok {
		s = &session{folder: folder, lock: make(chan struct{}, 1)}
		c.sessions[folder] = s
	}
	return s, nil
}

// openSession dials the push connection of s and selects its folder read-only
func (c *Client) openSession(ctx context.Context, s *session) (*client.Client, chan client.Update, error) {
	s.close()

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, nil, err
	}

	updates := make(chan client.Update, 128)
	conn.Updates = updates

	if _, err := conn.Select(s.folder, true); err != nil {
		closeClient(conn)
		return nil, nil, opError("select", s.folder, err)
	}

	s.mu.Lock()
	s.c = conn
	s.updates = updates
	s.mu.Unlock()

	c.logger.Debug("opened push session", "folder", s.folder)
	return conn, updates, nil
}

// dial connects over TLS and logs in
func (c *Client) dial(ctx context.Context) (*client.Client, error) {
	dialer := &tls.Dialer{NetDialer: &net.Dialer{Timeout: c.cfg.DialTimeout}}
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Server)
	if err != nil {
		return nil, opError("connect", "", err)
	}

	cl, err := client.New(conn)
	if err != nil {
		conn.Close()
		return nil, opError("connect", "", fmt.Errorf("failed to create IMAP client: %w", err))
	}

	if err := cl.Login(c.cfg.Email, c.cfg.Password); err != nil {
		closeClient(cl)
		return nil, opError("login", "", err)
	}
	return cl, nil
}

// closeClient logs out, forcing the connection closed if the server does not answer
func closeClient(cl *client.Client) {
	done := make(chan struct{})
	go func() {
		_ = cl.Logout()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(logoutTimeout):
		_ = cl.Terminate()
	}
}
