package logging

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const Stacktrace = "stacktrace"

type stackTracer interface {
	StackTrace() errors.StackTrace
}

type causer interface {
	Cause() error
}

// WithStacktrace adds err to the entry, along with the stack recorded by the first error in its chain that has one.
func WithStacktrace(logger *logrus.Entry, err error) *logrus.Entry {
	logger = logger.WithError(err)
	if stack := ExtractStack(err); stack != nil {
		logger = logger.WithField(Stacktrace, fmt.Sprintf("%+v", stack))
	}
	return logger
}

// ExtractStack follows both Unwrap and Cause links, so stacks survive wrapping with either fmt.Errorf("%w") or
// pkg/errors. Returns nil if no error in the chain carries a stack.
func ExtractStack(err error) errors.StackTrace {
	for err != nil {
		if stackErr, ok := err.(stackTracer); ok {
			return stackErr.StackTrace()
		}
		if next := errors.Unwrap(err); next != nil {
			err = next
		} else if causeErr, ok := err.(causer); ok {
			err = causeErr.Cause()
		} else {
			return nil
		}
	}
	return nil
}
