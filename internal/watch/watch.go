// Package watch runs the per-folder mailbox watch loops.
package watch

import (
	"context"
	"log/slog"
	"time"

	"github.com/mixelka/mailwatch/internal/mailbox"
	"github.com/mixelka/mailwatch/internal/metrics"
)

// DefaultPollInterval is used when Config.PollInterval is not positive
const DefaultPollInterval = time.Minute

// Transport is the part of the mailbox a watch loop needs
type Transport interface {
	Lock(ctx context.Context, folder string) (unlock func(), err error)
	WaitForPush(ctx context.Context, folder string) error
	Status(ctx context.Context, folder string) (mailbox.Status, error)
}

// NewMailFunc is called with the message count that triggered it
type NewMailFunc func(count uint32)

// Config configures one watch loop
type Config struct {
	Account      string
	Folder       string
	PollInterval time.Duration
	SupportsPush bool
}

// Watch blocks until ctx is done. With push it idles on the folder and reports
// unseen messages after every wake-up; without it, it polls the total count.
// Transport errors are logged and retried after PollInterval.
func Watch(ctx context.Context, t Transport, cfg Config, onNewMail NewMailFunc, logger *slog.Logger) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	logger = logger.With("component", "watch", "account", cfg.Account, "folder", cfg.Folder)

	mode := "poll"
	if cfg.SupportsPush {
		mode = "idle"
	}
	logger.Info("watch started", "mode", mode, "interval", cfg.PollInterval)
	defer logger.Info("watch stopped")

	for ctx.Err() == nil {
		var err error
		if cfg.SupportsPush {
			err = pushOnce(ctx, t, cfg.Folder, onNewMail)
		} else {
			err = pollOnce(ctx, t, cfg.Folder, onNewMail)
		}

		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			logger.Warn("watch error, retrying", "error", err, "retry_in", cfg.PollInterval)
			metrics.WatchErrors.WithLabelValues(cfg.Account, cfg.Folder).Inc()
			sleep(ctx, cfg.PollInterval)
		case !cfg.SupportsPush:
			sleep(ctx, cfg.PollInterval)
		}
	}
}

func pushOnce(ctx context.Context, t Transport, folder string, onNewMail NewMailFunc) error {
	unlock, err := t.Lock(ctx, folder)
	if err != nil {
		return err
	}
	err = t.WaitForPush(ctx, folder)
	unlock()
	if err != nil {
		return err
	}

	st, err := t.Status(ctx, folder)
	if err != nil {
		return err
	}
	if st.Unseen > 0 {
		onNewMail(st.Unseen)
	}
	return nil
}

func pollOnce(ctx context.Context, t Transport, folder string, onNewMail NewMailFunc) error {
	st, err := t.Status(ctx, folder)
	if err != nil {
		return err
	}
	if st.Total > 0 {
		onNewMail(st.Total)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
