package remote

import (
	"errors"
	"fmt"
	"time"

	"sheetbot/internal/record"
)

var (
	ErrNotFound          = errors.New("remote: record not found")
	ErrConflict          = errors.New("remote: version conflict")
	ErrRemoteUnavailable = errors.New("remote: unavailable")
)

// ConflictError is returned by a conditional Write whose base version no
// longer matches the remote. Current is nil when the row was deleted.
type ConflictError struct {
	Key         string
	Intent      record.Fields
	BaseVersion uint64
	Current     *record.Record
}

func (e *ConflictError) Error() string {
	if e.Current == nil {
		return fmt.Sprintf("remote: conflict on %q: base version %d, row deleted", e.Key, e.BaseVersion)
	}
	return fmt.Sprintf("remote: conflict on %q: base version %d, current %d", e.Key, e.BaseVersion, e.Current.RemoteVersion)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// UnavailableError reports an operation that kept failing transiently until
// the retry budget ran out.
type UnavailableError struct {
	Op       Op
	Attempts int
	Err      error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("remote: %s unavailable after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *UnavailableError) Is(target error) bool { return target == ErrRemoteUnavailable }
func (e *UnavailableError) Unwrap() error        { return e.Err }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a backend error as not worth retrying (bad request,
// forbidden, malformed data). Not-found and conflicts are permanent already.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// RetryAfterError carries a server hint for the next attempt.
type RetryAfterError struct {
	After time.Duration
	Err   error
}

func (e *RetryAfterError) Error() string { return e.Err.Error() }
func (e *RetryAfterError) Unwrap() error { return e.Err }

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict)
}
