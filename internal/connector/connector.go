package connector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/umsync/syncctl/internal/identity"
)

var (
	// ErrEndOfStream is returned by Next when a stream is exhausted.
	ErrEndOfStream = errors.New("connector: end of stream")

	// ErrTransient marks a retryable identity-service failure (rate limit,
	// 5xx). The dispatcher retries these with backoff.
	ErrTransient = errors.New("connector: transient service error")

	// ErrFatal marks a non-retryable identity-service failure.
	ErrFatal = errors.New("connector: fatal service error")
)

// UserStream is a single-pass pull cursor over directory users. Close
// releases any pending paged request when iteration stops early.
type UserStream interface {
	Next() (*identity.DirectoryUser, error)
	Close() error
}

// AccountStream is a single-pass pull cursor over a target's accounts,
// paginated internally by the connector.
type AccountStream interface {
	Next() (*identity.ObservedAccount, error)
	Close() error
}

// Directory is the enterprise-directory collaborator (LDAP, flat file,
// directory-as-a-service). A load failure is fatal to the run.
type Directory interface {
	LoadUsersAndGroups(ctx context.Context, groups []string, extendedAttributes []string, loadAll bool) (UserStream, error)
}

// UMAPI is the read/group surface of one identity-service target. Command
// dispatch goes through the dispatch package's Sender, implemented by the
// same concrete connector.
type UMAPI interface {
	Accounts(ctx context.Context, groupFilter string) (AccountStream, error)
	CreateGroup(ctx context.Context, name string) error
	ListGroups(ctx context.Context) (map[string]struct{}, error)
}

type transientError struct {
	err        error
	retryAfter time.Duration
}

func (e *transientError) Error() string {
	return fmt.Sprintf("%v: %v", ErrTransient, e.err)
}

func (e *transientError) Unwrap() error { return ErrTransient }

// Transient wraps err as a retryable failure. retryAfter carries the
// server-provided retry delay when one was given; zero means the caller
// chooses its own backoff.
func Transient(err error, retryAfter time.Duration) error {
	return &transientError{err: err, retryAfter: retryAfter}
}

// Fatal wraps err as a non-retryable failure.
func Fatal(err error) error {
	return fmt.Errorf("%w: %v", ErrFatal, err)
}

// RetryAfter extracts a server-provided retry delay from a transient
// error, when present.
func RetryAfter(err error) (time.Duration, bool) {
	var te *transientError
	if errors.As(err, &te) && te.retryAfter > 0 {
		return te.retryAfter, true
	}
	return 0, false
}
