package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mixelka/mailwatch/pkg/models"
)

// DeadLetterFilter narrows ListDeadLetters
type DeadLetterFilter struct {
	AccountName    string
	RetryStatus    string
	UnresolvedOnly bool
	Limit          int
}

// UpsertDeadLetter inserts a failure or, if an unresolved entry for the same
// (message_id, account_name) exists, bumps its attempts and replaces error, folder and uid.
// The stored row is returned.
func (db *DB) UpsertDeadLetter(ctx context.Context, dl *models.DeadLetter) (*models.DeadLetter, error) {
	query := `
		INSERT INTO dead_letters (id, message_id, account_name, folder, uid, error, attempts, created_at, retry_status)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?, 'pending')
		ON CONFLICT(message_id, account_name) WHERE resolved_at IS NULL DO UPDATE SET
			attempts = dead_letters.attempts + 1,
			error = excluded.error,
			folder = excluded.folder,
			uid = excluded.uid
	`
	_, err := db.ExecContext(ctx, query,
		dl.ID,
		dl.MessageID,
		dl.AccountName,
		dl.Folder,
		dl.UID,
		dl.Error,
		dl.CreatedAt.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert dead letter: %w", err)
	}

	var stored models.DeadLetter
	err = db.GetContext(ctx, &stored,
		`SELECT * FROM dead_letters WHERE message_id = ? AND account_name = ? AND resolved_at IS NULL`,
		dl.MessageID, dl.AccountName)
	if err != nil {
		return nil, fmt.Errorf("failed to read back dead letter: %w", err)
	}
	return &stored, nil
}

// GetDeadLetter returns a dead letter by ID
func (db *DB) GetDeadLetter(ctx context.Context, id string) (*models.DeadLetter, error) {
	var dl models.DeadLetter
	err := db.GetContext(ctx, &dl, `SELECT * FROM dead_letters WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dead letter: %w", err)
	}
	return &dl, nil
}

// LatestDeadLetterForUID returns the newest entry recorded for uid in the
// folder of account, resolved or not
func (db *DB) LatestDeadLetterForUID(ctx context.Context, accountName, folder string, uid uint32) (*models.DeadLetter, error) {
	var dl models.DeadLetter
	query := `
		SELECT * FROM dead_letters
		WHERE account_name = ? AND folder = ? AND uid = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1
	`
	err := db.GetContext(ctx, &dl, query, accountName, folder, uid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dead letter for uid: %w", err)
	}
	return &dl, nil
}

// DueDeadLetters returns unresolved pending entries due at now, earliest first
func (db *DB) DueDeadLetters(ctx context.Context, now time.Time) ([]*models.DeadLetter, error) {
	var entries []*models.DeadLetter
	query := `
		SELECT * FROM dead_letters
		WHERE resolved_at IS NULL
		  AND retry_status = 'pending'
		  AND (next_retry_at IS NULL OR next_retry_at <= ?)
		ORDER BY next_retry_at IS NOT NULL, next_retry_at ASC, created_at ASC
	`
	if err := db.SelectContext(ctx, &entries, query, now.UTC()); err != nil {
		return nil, fmt.Errorf("failed to get due dead letters: %w", err)
	}
	return entries, nil
}

// ListDeadLetters returns entries matching the filter, newest first
func (db *DB) ListDeadLetters(ctx context.Context, f DeadLetterFilter) ([]*models.DeadLetter, error) {
	var (
		where []string
		args  []any
	)
	if f.AccountName != "" {
		where = append(where, "account_name = ?")
		args = append(args, f.AccountName)
	}
	if f.RetryStatus != "" {
		where = append(where, "retry_status = ?")
		args = append(args, f.RetryStatus)
	}
	if f.UnresolvedOnly {
		where = append(where, "resolved_at IS NULL")
	}

	query := `SELECT * FROM dead_letters`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	var entries []*models.DeadLetter
	if err := db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	return entries, nil
}

// CountDeadLettersByStatus returns entry counts keyed by retry_status
func (db *DB) CountDeadLettersByStatus(ctx context.Context) (map[string]int, error) {
	var rows []struct {
		Status string `db:"retry_status"`
		Count  int    `db:"n"`
	}
	query := `SELECT retry_status, COUNT(*) AS n FROM dead_letters GROUP BY retry_status`
	if err := db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to count dead letters: %w", err)
	}

	counts := make(map[string]int, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}

// MarkDeadLetterRetrying moves an unresolved entry to retrying
func (db *DB) MarkDeadLetterRetrying(ctx context.Context, id string, now time.Time) error {
	query := `
		UPDATE dead_letters SET retry_status = 'retrying', last_retry_at = ?
		WHERE id = ? AND resolved_at IS NULL
	`
	return db.guardedUpdate(ctx, id, query, now.UTC(), id)
}

// RescheduleDeadLetter returns an unresolved entry to pending with a new due time,
// counting the failed attempt
func (db *DB) RescheduleDeadLetter(ctx context.Context, id string, next time.Time, errMsg string) error {
	query := `
		UPDATE dead_letters SET
			retry_status = 'pending',
			next_retry_at = ?,
			attempts = attempts + 1,
			error = CASE WHEN ? = '' THEN error ELSE ? END
		WHERE id = ? AND resolved_at IS NULL
	`
	return db.guardedUpdate(ctx, id, query, next.UTC(), errMsg, errMsg, id)
}

// ResolveDeadLetter sets a terminal status on an unresolved entry
func (db *DB) ResolveDeadLetter(ctx context.Context, id, status string, now time.Time) error {
	query := `
		UPDATE dead_letters SET retry_status = ?, resolved_at = ?, next_retry_at = NULL
		WHERE id = ? AND resolved_at IS NULL
	`
	return db.guardedUpdate(ctx, id, query, status, now.UTC(), id)
}

// DeleteDeadLetter deletes a dead letter
func (db *DB) DeleteDeadLetter(ctx context.Context, id string) error {
	result, err := db.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete dead letter: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteDeadLettersOlderThan deletes entries created before cutoff, resolved or not
func (db *DB) DeleteDeadLettersOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := db.ExecContext(ctx, `DELETE FROM dead_letters WHERE created_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to clean up dead letters: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// guardedUpdate runs an update that only matches unresolved rows and tells
// a missing row apart from a resolved one
func (db *DB) guardedUpdate(ctx context.Context, id, query string, args ...any) error {
	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update dead letter: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := db.GetDeadLetter(ctx, id); err != nil {
		return err
	}
	return ErrResolved
}

// RequeueRetryingDeadLetters returns entries left in retrying by an interrupted
// process to pending
func (db *DB) RequeueRetryingDeadLetters(ctx context.Context) (int64, error) {
	query := `
		UPDATE dead_letters SET retry_status = 'pending'
		WHERE retry_status = 'retrying' AND resolved_at IS NULL
	`
	result, err := db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue retrying dead letters: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}
