package deadletter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mixelka/mailwatch/internal/database"
	"github.com/mixelka/mailwatch/internal/metrics"
	"github.com/mixelka/mailwatch/pkg/models"
)

var (
	// ErrResolved is returned when a transition targets a terminal entry
	ErrResolved = database.ErrResolved
	// ErrNotFound is returned for unknown entry ids
	ErrNotFound = database.ErrNotFound
)

// Repository is the persistence the queue needs. Implemented by *database.DB.
type Repository interface {
	UpsertDeadLetter(ctx context.Context, dl *models.DeadLetter) (*models.DeadLetter, error)
	GetDeadLetter(ctx context.Context, id string) (*models.DeadLetter, error)
	LatestDeadLetterForUID(ctx context.Context, accountName, folder string, uid uint32) (*models.DeadLetter, error)
	DueDeadLetters(ctx context.Context, now time.Time) ([]*models.DeadLetter, error)
	ListDeadLetters(ctx context.Context, f database.DeadLetterFilter) ([]*models.DeadLetter, error)
	CountDeadLettersByStatus(ctx context.Context) (map[string]int, error)
	MarkDeadLetterRetrying(ctx context.Context, id string, now time.Time) error
	RescheduleDeadLetter(ctx context.Context, id string, next time.Time, errMsg string) error
	ResolveDeadLetter(ctx context.Context, id, status string, now time.Time) error
	DeleteDeadLetter(ctx context.Context, id string) error
	DeleteDeadLettersOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	RequeueRetryingDeadLetters(ctx context.Context) (int64, error)
}

// Failure describes one failed processing attempt
type Failure struct {
	MessageID   string
	AccountName string
	Folder      string
	UID         uint32
	Err         error
}

// Filter narrows List
type Filter struct {
	AccountName    string
	Status         Status
	UnresolvedOnly bool
	Limit          int
}

// Queue is the single writer of dead-letter retry state
type Queue struct {
	repo   Repository
	logger *slog.Logger
	now    func() time.Time
}

// NewQueue creates a dead-letter queue over repo
func NewQueue(repo Repository, logger *slog.Logger) *Queue {
	return &Queue{
		repo:   repo,
		logger: logger.With("component", "dead_letter"),
		now:    time.Now,
	}
}

// RecordFailure stores a failure. A repeated failure of the same message on the
// same account while unresolved updates the existing entry instead of adding one.
func (q *Queue) RecordFailure(ctx context.Context, f Failure) (*Entry, error) {
	if f.MessageID == "" || f.AccountName == "" {
		return nil, errors.New("dead letter needs a message id and an account")
	}

	errMsg := ""
	if f.Err != nil {
		errMsg = f.Err.Error()
	}

	row, err := q.repo.UpsertDeadLetter(ctx, &models.DeadLetter{
		ID:          uuid.NewString(),
		MessageID:   f.MessageID,
		AccountName: f.AccountName,
		Folder:      f.Folder,
		UID:         f.UID,
		Error:       errMsg,
		CreatedAt:   q.now(),
	})
	if err != nil {
		return nil, err
	}

	metrics.DeadLettersRecorded.WithLabelValues(f.AccountName).Inc()
	q.logger.Warn("recorded processing failure",
		"account", f.AccountName,
		"folder", f.Folder,
		"uid", f.UID,
		"message_id", f.MessageID,
		"attempts", row.Attempts,
		"error", errMsg,
	)

	return fromRow(row)
}

// Due returns unresolved pending entries whose retry time has come, earliest first
func (q *Queue) Due(ctx context.Context) ([]*Entry, error) {
	rows, err := q.repo.DueDeadLetters(ctx, q.now())
	if err != nil {
		return nil, err
	}
	return fromRows(rows)
}

// Get returns one entry
func (q *Queue) Get(ctx context.Context, id string) (*Entry, error) {
	row, err := q.repo.GetDeadLetter(ctx, id)
	if err != nil {
		return nil, err
	}
	return fromRow(row)
}

// Latest returns the newest entry recorded for uid in the folder of account.
// ErrNotFound means the message never failed or its entry was removed.
func (q *Queue) Latest(ctx context.Context, accountName, folder string, uid uint32) (*Entry, error) {
	row, err := q.repo.LatestDeadLetterForUID(ctx, accountName, folder, uid)
	if err != nil {
		return nil, err
	}
	return fromRow(row)
}

// List returns entries matching f, newest first
func (q *Queue) List(ctx context.Context, f Filter) ([]*Entry, error) {
	rows, err := q.repo.ListDeadLetters(ctx, database.DeadLetterFilter{
		AccountName:    f.AccountName,
		RetryStatus:    string(f.Status),
		UnresolvedOnly: f.UnresolvedOnly,
		Limit:          f.Limit,
	})
	if err != nil {
		return nil, err
	}
	return fromRows(rows)
}

// Stats returns entry counts per status
func (q *Queue) Stats(ctx context.Context) (map[Status]int, error) {
	counts, err := q.repo.CountDeadLettersByStatus(ctx)
	if err != nil {
		return nil, err
	}
	stats := make(map[Status]int, len(counts))
	for status, n := range counts {
		stats[Status(status)] = n
	}
	return stats, nil
}

// MarkRetrying moves an entry to retrying
func (q *Queue) MarkRetrying(ctx context.Context, id string) error {
	return q.transition(id, "mark retrying", q.repo.MarkDeadLetterRetrying(ctx, id, q.now()))
}

// ScheduleRetry returns an entry to pending, due after delay, and counts the attempt
func (q *Queue) ScheduleRetry(ctx context.Context, id string, delay time.Duration, cause error) error {
	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}
	next := q.now().Add(delay)
	return q.transition(id, "schedule retry", q.repo.RescheduleDeadLetter(ctx, id, next, errMsg))
}

// MarkSucceeded resolves an entry after a successful retry
func (q *Queue) MarkSucceeded(ctx context.Context, id string) error {
	return q.resolve(ctx, id, StatusSuccess)
}

// MarkExhausted resolves an entry that ran out of attempts
func (q *Queue) MarkExhausted(ctx context.Context, id string) error {
	return q.resolve(ctx, id, StatusExhausted)
}

// Skip resolves an entry without processing it
func (q *Queue) Skip(ctx context.Context, id string) error {
	return q.resolve(ctx, id, StatusSkipped)
}

// Resolve marks an entry as handled out of band
func (q *Queue) Resolve(ctx context.Context, id string) error {
	return q.resolve(ctx, id, StatusSuccess)
}

// Dismiss deletes an entry in any state
func (q *Queue) Dismiss(ctx context.Context, id string) error {
	if err := q.repo.DeleteDeadLetter(ctx, id); err != nil {
		return fmt.Errorf("failed to dismiss dead letter %s: %w", id, err)
	}
	q.logger.Info("dismissed dead letter", "id", id)
	return nil
}

// Cleanup deletes entries created more than retention ago, whatever their state
func (q *Queue) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := q.repo.DeleteDeadLettersOlderThan(ctx, q.now().Add(-retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.logger.Info("cleaned up dead letters", "deleted", n, "retention", retention)
	}
	return n, nil
}

// RecoverInterrupted puts entries stuck in retrying after a crash back to pending
func (q *Queue) RecoverInterrupted(ctx context.Context) (int64, error) {
	n, err := q.repo.RequeueRetryingDeadLetters(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.logger.Warn("requeued interrupted retries", "count", n)
	}
	return n, nil
}

func (q *Queue) resolve(ctx context.Context, id string, status Status) error {
	err := q.repo.ResolveDeadLetter(ctx, id, string(status), q.now())
	return q.transition(id, "resolve ("+string(status)+")", err)
}

func (q *Queue) transition(id, op string, err error) error {
	if err == nil {
		q.logger.Debug("dead letter transition", "id", id, "op", op)
		return nil
	}
	if errors.Is(err, ErrResolved) {
		q.logger.Debug("ignored transition on resolved dead letter", "id", id, "op", op)
	}
	return fmt.Errorf("failed to %s dead letter %s: %w", op, id, err)
}
