package mailbox

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by operations on a client that is not connected
	ErrNotConnected = errors.New("mailbox not connected")
	// ErrMessageNotFound is returned when a UID no longer exists in the folder
	ErrMessageNotFound = errors.New("message not found")
)

// Error tags a failure of an IMAP operation
type Error struct {
	Op     string
	Folder string
	Err    error
}

func (e *Error) Error() string {
	if e.Folder == "" {
		return fmt.Sprintf("imap %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("imap %s %s: %v", e.Op, e.Folder, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func opError(op, folder string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Folder: folder, Err: err}
}
