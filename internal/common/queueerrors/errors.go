// Package queueerrors contains the errors returned by the build queue.
//
// Claim contention is an expected outcome of a poll and is resolved inside the dispatcher. Everything
// else is fatal to the poll and is returned to the caller, who owns any retry policy.
//
// If multiple errors occur in some function (e.g., when validating a fixture), that function
// should return an error of type multierror.Error from package
// github.com/hashicorp/go-multierror that encapsulates those individual errors.
package queueerrors

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// ErrNotFound is a generic error to be returned whenever some resource isn't found.
// Type and Message are optional and are omitted from the error message if not provided.
type ErrNotFound struct {
	Type    string
	Value   string
	Message string
}

func (err *ErrNotFound) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q does not exist", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q does not exist", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	} else {
		return s
	}
}

// ErrInvalidArgument is a generic error to be returned on invalid argument.
// Message is optional and is omitted from the error message if not provided.
type ErrInvalidArgument struct {
	Name    string      // Name of the field referred to, e.g., "status"
	Value   interface{} // The invalid value that was provided
	Message string      // An optional message to include with the error message, e.g., explaining why the value is invalid
}

func (err *ErrInvalidArgument) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value %q is invalid for field %q", err.Value, err.Name)
	} else {
		return fmt.Sprintf("value %q is invalid for field %q; %s", err.Value, err.Name, err.Message)
	}
}

// ErrUnrecognizedRunnerType is returned when a runner's type is none of instance, group or project.
// This is a programming error and aborts the poll.
type ErrUnrecognizedRunnerType struct {
	RunnerId int64
	Type     fmt.Stringer
}

func (err *ErrUnrecognizedRunnerType) Error() string {
	return fmt.Sprintf("runner %d has unrecognized type %s", err.RunnerId, err.Type)
}

// ErrClaimConflict is returned by a conditional claim when the build is no longer pending or has
// already been assigned to another runner.
type ErrClaimConflict struct {
	BuildId int64
	// Status of the build at the time of the claim, if known.
	Status string
}

func (err *ErrClaimConflict) Error() string {
	if err.Status != "" {
		return fmt.Sprintf("build %d could not be claimed: status is %s", err.BuildId, err.Status)
	}
	return fmt.Sprintf("build %d could not be claimed", err.BuildId)
}

// ErrStoreUnavailable wraps failures of the backing store, e.g., a lost database connection.
type ErrStoreUnavailable struct {
	Operation string
	Err       error
}

func (err *ErrStoreUnavailable) Error() string {
	return fmt.Sprintf("backing store unavailable during %s: %v", err.Operation, err.Err)
}

func (err *ErrStoreUnavailable) Unwrap() error {
	return err.Err
}

// Cause lets errors.Cause look through this error.
func (err *ErrStoreUnavailable) Cause() error {
	return err.Err
}

// StoreUnavailable wraps err in an ErrStoreUnavailable unless it already is one.
func StoreUnavailable(operation string, err error) error {
	if err == nil {
		return nil
	}
	var storeErr *ErrStoreUnavailable
	if errors.As(err, &storeErr) {
		return err
	}
	return errors.WithStack(&ErrStoreUnavailable{Operation: operation, Err: err})
}

// ErrTooManyPolls is returned when every processing slot is taken and the queue of polls waiting for one is full.
type ErrTooManyPolls struct {
	Limit      int
	QueueLimit int
}

func (err *ErrTooManyPolls) Error() string {
	return fmt.Sprintf("too many polls: %d running and %d queued", err.Limit, err.QueueLimit)
}

// ErrPollQueueTimeout is returned when a poll waited longer than Timeout for a processing slot.
type ErrPollQueueTimeout struct {
	Timeout time.Duration
}

func (err *ErrPollQueueTimeout) Error() string {
	return fmt.Sprintf("poll waited more than %s for a processing slot", err.Timeout)
}

// IsRejected returns true if the poll was turned away before any work was done for it.
// The runner should retry later.
func IsRejected(err error) bool {
	var tooMany *ErrTooManyPolls
	var timeout *ErrPollQueueTimeout
	return errors.As(err, &tooMany) || errors.As(err, &timeout)
}

// IsClaimConflict returns true if err is, or wraps, an ErrClaimConflict.
func IsClaimConflict(err error) bool {
	var e *ErrClaimConflict
	return errors.As(err, &e)
}

// IsFatal returns true for errors that must be surfaced to the caller of a poll.
// Claim conflicts are expected contention and are not fatal.
func IsFatal(err error) bool {
	return err != nil && !IsClaimConflict(err)
}
