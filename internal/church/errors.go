package church

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound signals that the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrSessionClosed is returned when closing or failing a session that already ended.
	ErrSessionClosed = errors.New("session already closed")
	// ErrInvalidRecord marks an incoming church that cannot be inserted as-is.
	ErrInvalidRecord = errors.New("invalid church record")
	// ErrInvalidQuery marks malformed read requests (blank search term, bad limit).
	ErrInvalidQuery = errors.New("invalid query")
	// ErrConflict is returned when creating a record whose key already exists.
	ErrConflict = errors.New("record already exists")
)

// SchemaError reports a failed schema bootstrap. It is fatal and must not be
// retried without operator intervention.
type SchemaError struct {
	// Statement is the 1-based index of the failing statement, or 0 when the
	// script itself could not be read.
	Statement int
	Err       error
}

func (e *SchemaError) Error() string {
	if e.Statement == 0 {
		return fmt.Sprintf("schema bootstrap: %v", e.Err)
	}
	return fmt.Sprintf("schema bootstrap: statement %d: %v", e.Statement, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// BatchError reports the record that aborted a SaveBatch call. The whole batch
// was rolled back.
type BatchError struct {
	Index int
	Name  string
	Err   error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("save batch: record %d (%q): %v", e.Index, e.Name, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }
