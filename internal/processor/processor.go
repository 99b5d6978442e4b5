// Package processor forwards unseen mail to Telegram and records failures
// in the dead-letter queue.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mixelka/mailwatch/internal/config"
	"github.com/mixelka/mailwatch/internal/database"
	"github.com/mixelka/mailwatch/internal/deadletter"
	"github.com/mixelka/mailwatch/internal/mailbox"
	"github.com/mixelka/mailwatch/internal/parser"
	"github.com/mixelka/mailwatch/pkg/models"
)

// Mailbox is the part of the transport the processor needs
type Mailbox interface {
	SearchUnseen(ctx context.Context, folder string) ([]uint32, error)
	FetchMessage(ctx context.Context, folder string, uid uint32) (*mailbox.Message, error)
	MarkSeen(ctx context.Context, folder string, uid uint32) error
}

// Target is an account with its connected mailbox
type Target struct {
	Account config.Account
	Mailbox Mailbox
}

// Ledger remembers forwarded messages
type Ledger interface {
	IsMessageProcessed(ctx context.Context, accountName, folder string, uid uint32) (bool, error)
	CreateProcessedMessage(ctx context.Context, msg *models.ProcessedMessage) error
}

// DeadLetters stores processing failures
type DeadLetters interface {
	RecordFailure(ctx context.Context, f deadletter.Failure) (*deadletter.Entry, error)
	Latest(ctx context.Context, accountName, folder string, uid uint32) (*deadletter.Entry, error)
}

// Forwarder delivers a parsed message
type Forwarder interface {
	ForwardMail(ctx context.Context, account config.Account, folder string, msg *mailbox.Message, content parser.Content) error
}

// Processor is the processing collaborator of the orchestrator and the retry scheduler
type Processor struct {
	ledger    Ledger
	dlq       DeadLetters
	forwarder Forwarder
	parser    *parser.Parser
	logger    *slog.Logger
}

// New creates a processor
func New(ledger Ledger, dlq DeadLetters, forwarder Forwarder, logger *slog.Logger) *Processor {
	return &Processor{
		ledger:    ledger,
		dlq:       dlq,
		forwarder: forwarder,
		parser:    parser.New(),
		logger:    logger.With("component", "processor"),
	}
}

// ProcessFolder forwards every unseen message of folder that was not forwarded
// before. A failing message goes to the dead-letter queue and the run goes on;
// only search and storage failures end the run with an error. Messages with a
// dead-letter entry are left to the retry scheduler.
func (p *Processor) ProcessFolder(ctx context.Context, t Target, folder string) error {
	logger := p.logger.With("account", t.Account.Name, "folder", folder)

	uids, err := t.Mailbox.SearchUnseen(ctx, folder)
	if err != nil {
		return fmt.Errorf("failed to search unseen messages: %w", err)
	}
	if len(uids) == 0 {
		logger.Debug("no unseen messages")
		return nil
	}

	var forwarded, skipped, deferred, failed int
	for _, uid := range uids {
		if err := ctx.Err(); err != nil {
			return err
		}

		done, err := p.ledger.IsMessageProcessed(ctx, t.Account.Name, folder, uid)
		if err != nil {
			return err
		}
		if done {
			// forwarded earlier but the \Seen flag did not stick
			if err := t.Mailbox.MarkSeen(ctx, folder, uid); err != nil {
				logger.Warn("failed to mark forwarded message seen", "uid", uid, "error", err)
			}
			skipped++
			continue
		}

		held, err := p.heldByDeadLetters(ctx, t, folder, uid)
		if err != nil {
			return err
		}
		if held {
			deferred++
			continue
		}

		messageID, err := p.fetchAndDeliver(ctx, t, folder, uid)
		if err != nil {
			failed++
			p.recordFailure(ctx, t.Account.Name, folder, uid, messageID, err)
			continue
		}
		forwarded++
	}

	logger.Info("processed folder",
		"unseen", len(uids),
		"forwarded", forwarded,
		"skipped", skipped,
		"deferred", deferred,
		"failed", failed,
	)
	return nil
}

// ProcessMessage forwards one message. It reports true when the message is
// forwarded now or was already, and false when it can no longer be found.
func (p *Processor) ProcessMessage(ctx context.Context, t Target, folder string, uid uint32, messageID string) (bool, error) {
	done, err := p.ledger.IsMessageProcessed(ctx, t.Account.Name, folder, uid)
	if err != nil {
		return false, err
	}
	if done {
		return true, nil
	}

	msg, err := t.Mailbox.FetchMessage(ctx, folder, uid)
	if errors.Is(err, mailbox.ErrMessageNotFound) {
		p.logger.Warn("message vanished from folder", "account", t.Account.Name, "folder", folder, "uid", uid)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to fetch message: %w", err)
	}

	// entries recorded after a failed fetch only know the uid
	known := messageID != "" && messageID != fallbackKey(t.Account.Name, folder, uid)
	if got := MessageKey(t.Account.Name, folder, msg); known && got != messageID {
		return false, fmt.Errorf("uid %d now holds %s, not %s", uid, got, messageID)
	}

	if err := p.deliver(ctx, t, folder, msg); err != nil {
		return false, err
	}
	return true, nil
}

// heldByDeadLetters reports whether uid belongs to the dead-letter queue. An
// unresolved entry is retried on the backoff schedule. A skipped or exhausted
// one is given up: the message goes to the ledger and is marked seen so later
// scans do not dead-letter it again.
func (p *Processor) heldByDeadLetters(ctx context.Context, t Target, folder string, uid uint32) (bool, error) {
	e, err := p.dlq.Latest(ctx, t.Account.Name, folder, uid)
	if errors.Is(err, deadletter.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up dead letter: %w", err)
	}

	logger := p.logger.With("account", t.Account.Name, "folder", folder, "uid", uid, "dead_letter", e.ID)
	switch e.State.(type) {
	case deadletter.Pending, deadletter.Retrying:
		logger.Debug("message waits for retry", "attempts", e.Attempts)
		return true, nil
	case deadletter.Skipped, deadletter.Exhausted:
		err := p.ledger.CreateProcessedMessage(ctx, &models.ProcessedMessage{
			AccountName: t.Account.Name,
			Folder:      folder,
			UID:         uid,
			MessageID:   e.MessageID,
		})
		if err != nil && !errors.Is(err, database.ErrAlreadyExists) {
			return false, fmt.Errorf("failed to record abandoned message: %w", err)
		}
		if err := t.Mailbox.MarkSeen(ctx, folder, uid); err != nil {
			logger.Warn("failed to mark abandoned message seen", "error", err)
		}
		logger.Info("abandoned message", "status", e.State.Status())
		return true, nil
	default:
		return false, nil
	}
}

func (p *Processor) fetchAndDeliver(ctx context.Context, t Target, folder string, uid uint32) (string, error) {
	msg, err := t.Mailbox.FetchMessage(ctx, folder, uid)
	if err != nil {
		return fallbackKey(t.Account.Name, folder, uid), fmt.Errorf("failed to fetch message: %w", err)
	}
	return MessageKey(t.Account.Name, folder, msg), p.deliver(ctx, t, folder, msg)
}

// deliver forwards msg, records it in the ledger and marks it seen. Once the
// forward succeeded the message counts as processed.
func (p *Processor) deliver(ctx context.Context, t Target, folder string, msg *mailbox.Message) error {
	logger := p.logger.With("account", t.Account.Name, "folder", folder, "uid", msg.UID)

	content, err := p.parser.Extract(msg)
	if err != nil {
		logger.Warn("failed to parse HTML body, using plain text", "error", err)
	}

	if err := p.forwarder.ForwardMail(ctx, t.Account, folder, msg, content); err != nil {
		return fmt.Errorf("failed to forward message: %w", err)
	}

	err = p.ledger.CreateProcessedMessage(ctx, &models.ProcessedMessage{
		AccountName: t.Account.Name,
		Folder:      folder,
		UID:         msg.UID,
		MessageID:   MessageKey(t.Account.Name, folder, msg),
	})
	if err != nil && !errors.Is(err, database.ErrAlreadyExists) {
		logger.Error("failed to record forwarded message", "error", err)
	}

	if err := t.Mailbox.MarkSeen(ctx, folder, msg.UID); err != nil {
		logger.Warn("failed to mark message seen", "error", err)
	}

	logger.Info("forwarded message", "subject", msg.Subject, "codes", len(content.Codes))
	return nil
}

func (p *Processor) recordFailure(ctx context.Context, account, folder string, uid uint32, messageID string, cause error) {
	_, err := p.dlq.RecordFailure(ctx, deadletter.Failure{
		MessageID:   messageID,
		AccountName: account,
		Folder:      folder,
		UID:         uid,
		Err:         cause,
	})
	if err != nil {
		p.logger.Error("failed to record dead letter",
			"account", account,
			"folder", folder,
			"uid", uid,
			"cause", cause,
			"error", err,
		)
	}
}

// MessageKey identifies a message for dead-lettering: its Message-ID, or
// account/folder/uid when it has none
func MessageKey(account, folder string, msg *mailbox.Message) string {
	if msg.MessageID != "" {
		return msg.MessageID
	}
	return fallbackKey(account, folder, msg.UID)
}

func fallbackKey(account, folder string, uid uint32) string {
	return fmt.Sprintf("%s/%s/%d", account, folder, uid)
}
