package models

import "time"

// ProcessedMessage is a ledger row for a message forwarded successfully
type ProcessedMessage struct {
	ID          int64     `db:"id"`
	AccountName string    `db:"account_name"`
	Folder      string    `db:"folder"`
	UID         uint32    `db:"uid"`        // IMAP UID
	MessageID   string    `db:"message_id"` // Email Message-ID header
	ProcessedAt time.Time `db:"processed_at"`
}

// DeadLetter is the flattened storage form of a failed message
type DeadLetter struct {
	ID          string     `db:"id"`
	MessageID   string     `db:"message_id"`
	AccountName string     `db:"account_name"`
	Folder      string     `db:"folder"`
	UID         uint32     `db:"uid"`
	Error       string     `db:"error"`
	Attempts    int        `db:"attempts"`
	CreatedAt   time.Time  `db:"created_at"`
	ResolvedAt  *time.Time `db:"resolved_at"`
	RetryStatus string     `db:"retry_status"` // pending, retrying, exhausted, success, skipped
	NextRetryAt *time.Time `db:"next_retry_at"`
	LastRetryAt *time.Time `db:"last_retry_at"`
}

// DetectedCode represents a detected verification code
type DetectedCode struct {
	Type  string `json:"type"`  // "otp", "verification", "pin", "code"
	Value string `json:"value"` // The code itself
}
