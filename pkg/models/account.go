package models

import "time"

// AccountState is the runtime state of a watched account
type AccountState struct {
	Name          string     `json:"name"`
	Connected     bool       `json:"connected"`
	IdleSupported bool       `json:"idle_supported"`
	LastScan      *time.Time `json:"last_scan,omitempty"`
	ErrorCount    int        `json:"error_count"`
	Paused        bool       `json:"paused"`
}

// QueueStatus describes one processing run in progress
type QueueStatus struct {
	AccountName  string    `json:"account_name"`
	Folder       string    `json:"folder"`
	PendingCount int       `json:"pending_count"`
	StartedAt    time.Time `json:"started_at"`
}
