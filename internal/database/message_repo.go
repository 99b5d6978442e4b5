package database

import (
	"context"
	"fmt"
	"time"

	"github.com/mixelka/mailwatch/pkg/models"
)

// CreateProcessedMessage records a forwarded message (ignores if already exists)
func (db *DB) CreateProcessedMessage(ctx context.Context, msg *models.ProcessedMessage) error {
	query := `
		INSERT OR IGNORE INTO processed_messages (account_name, folder, uid, message_id, processed_at)
		VALUES (?, ?, ?, ?, ?)
	`
	now := time.Now().UTC()
	result, err := db.ExecContext(ctx, query,
		msg.AccountName,
		msg.Folder,
		msg.UID,
		msg.MessageID,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to create processed message: %w", err)
	}

	// Check if row was actually inserted (not ignored due to duplicate)
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrAlreadyExists
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	msg.ID = id
	msg.ProcessedAt = now
	return nil
}

// IsMessageProcessed reports whether a UID was already forwarded
func (db *DB) IsMessageProcessed(ctx context.Context, accountName, folder string, uid uint32) (bool, error) {
	var n int
	query := `SELECT COUNT(*) FROM processed_messages WHERE account_name = ? AND folder = ? AND uid = ?`
	if err := db.GetContext(ctx, &n, query, accountName, folder, uid); err != nil {
		return false, fmt.Errorf("failed to check processed message: %w", err)
	}
	return n > 0, nil
}
