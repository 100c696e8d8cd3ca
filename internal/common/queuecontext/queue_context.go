package queuecontext

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Context carries a logger alongside a context.Context, so that fields such as the polling runner follow a request
// through the dispatcher, the queue and the store without being threaded through every call.
type Context struct {
	context.Context
	Log *logrus.Entry
}

// Background is context.Background() with a logger writing to the standard logrus logger.
func Background() *Context {
	return Wrap(context.Background(), logrus.NewEntry(logrus.StandardLogger()))
}

// Wrap pairs ctx with log.
func Wrap(ctx context.Context, log *logrus.Entry) *Context {
	return &Context{Context: ctx, Log: log}
}

// withContext keeps parent's logger.
func (c *Context) withContext(ctx context.Context) *Context {
	return Wrap(ctx, c.Log)
}

func WithCancel(parent *Context) (*Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent.Context)
	return parent.withContext(ctx), cancel
}

func WithTimeout(parent *Context, timeout time.Duration) (*Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(parent.Context, timeout)
	return parent.withContext(ctx), cancel
}

func WithLogField(parent *Context, key string, val interface{}) *Context {
	return Wrap(parent.Context, parent.Log.WithField(key, val))
}

func WithLogFields(parent *Context, fields logrus.Fields) *Context {
	return Wrap(parent.Context, parent.Log.WithFields(fields))
}

// ErrGroup is errgroup.WithContext for a *Context; the returned context is cancelled as soon as any goroutine in the
// group fails.
func ErrGroup(parent *Context) (*errgroup.Group, *Context) {
	group, ctx := errgroup.WithContext(parent.Context)
	return group, parent.withContext(ctx)
}
