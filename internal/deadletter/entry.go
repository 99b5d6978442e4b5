// Package deadletter keeps messages that failed processing and drives their
// retry state machine:
//
//	pending -> retrying -> success | pending (backoff) | exhausted
//
// with manual skip and resolve available from pending or retrying. Resolved
// entries are terminal; the store rejects further transitions on them.
package deadletter

import (
	"fmt"
	"time"

	"github.com/mixelka/mailwatch/pkg/models"
)

// Status is the flattened retry status as stored
type Status string

const (
	StatusPending   Status = "pending"
	StatusRetrying  Status = "retrying"
	StatusExhausted Status = "exhausted"
	StatusSuccess   Status = "success"
	StatusSkipped   Status = "skipped"
)

// State is the retry state of an entry. Implemented by Pending, Retrying,
// Exhausted, Succeeded and Skipped only.
type State interface {
	Status() Status
	isState()
}

// Pending waits for the scheduler. A nil NextRetryAt is due immediately.
type Pending struct {
	NextRetryAt *time.Time
}

// Retrying is being retried right now
type Retrying struct {
	Since time.Time
}

// Exhausted ran out of attempts
type Exhausted struct {
	ResolvedAt time.Time
}

// Succeeded was processed by a retry or resolved manually
type Succeeded struct {
	ResolvedAt time.Time
}

// Skipped was given up on manually
type Skipped struct {
	ResolvedAt time.Time
}

func (Pending) Status() Status   { return StatusPending }
func (Retrying) Status() Status  { return StatusRetrying }
func (Exhausted) Status() Status { return StatusExhausted }
func (Succeeded) Status() Status { return StatusSuccess }
func (Skipped) Status() Status   { return StatusSkipped }

func (Pending) isState()   {}
func (Retrying) isState()  {}
func (Exhausted) isState() {}
func (Succeeded) isState() {}
func (Skipped) isState()   {}

// Entry is a dead-lettered message
type Entry struct {
	ID          string
	MessageID   string
	AccountName string
	Folder      string
	UID         uint32
	Error       string
	Attempts    int
	CreatedAt   time.Time
	LastRetryAt *time.Time
	State       State
}

// ResolvedAt returns when the entry reached a terminal state, or nil
func (e *Entry) ResolvedAt() *time.Time {
	var t time.Time
	switch s := e.State.(type) {
	case Exhausted:
		t = s.ResolvedAt
	case Succeeded:
		t = s.ResolvedAt
	case Skipped:
		t = s.ResolvedAt
	default:
		return nil
	}
	return &t
}

// Resolved reports whether the entry is terminal
func (e *Entry) Resolved() bool {
	return e.ResolvedAt() != nil
}

// fromRow rebuilds the typed state from the stored columns
func fromRow(row *models.DeadLetter) (*Entry, error) {
	e := &Entry{
		ID:          row.ID,
		MessageID:   row.MessageID,
		AccountName: row.AccountName,
		Folder:      row.Folder,
		UID:         row.UID,
		Error:       row.Error,
		Attempts:    row.Attempts,
		CreatedAt:   row.CreatedAt,
		LastRetryAt: row.LastRetryAt,
	}

	status := Status(row.RetryStatus)
	if row.ResolvedAt == nil {
		switch status {
		case StatusPending:
			e.State = Pending{NextRetryAt: row.NextRetryAt}
		case StatusRetrying:
			var since time.Time
			if row.LastRetryAt != nil {
				since = *row.LastRetryAt
			}
			e.State = Retrying{Since: since}
		default:
			return nil, fmt.Errorf("dead letter %s: unresolved entry has terminal status %q", row.ID, status)
		}
		return e, nil
	}

	at := *row.ResolvedAt
	switch status {
	case StatusExhausted:
		e.State = Exhausted{ResolvedAt: at}
	case StatusSuccess:
		e.State = Succeeded{ResolvedAt: at}
	case StatusSkipped:
		e.State = Skipped{ResolvedAt: at}
	default:
		return nil, fmt.Errorf("dead letter %s: resolved entry has status %q", row.ID, status)
	}
	return e, nil
}

func fromRows(rows []*models.DeadLetter) ([]*Entry, error) {
	entries := make([]*Entry, 0, len(rows))
	for _, row := range rows {
		e, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}
