package queuecontext

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrap(t *testing.T) {
	log := logrus.NewEntry(logrus.New()).WithField("runner", 7)
	ctx := Wrap(context.Background(), log)
	assert.Equal(t, log, ctx.Log)
	assert.Equal(t, context.Background(), ctx.Context)
}

func TestBackground(t *testing.T) {
	ctx := Background()
	assert.Equal(t, context.Background(), ctx.Context)
	require.NotNil(t, ctx.Log)
	assert.Empty(t, ctx.Log.Data)
}

func TestLogFields(t *testing.T) {
	tests := map[string]struct {
		derive   func(*Context) *Context
		expected logrus.Fields
	}{
		"single field": {
			derive:   func(c *Context) *Context { return WithLogField(c, "runner", 7) },
			expected: logrus.Fields{"runner": 7},
		},
		"several fields": {
			derive: func(c *Context) *Context {
				return WithLogFields(c, logrus.Fields{"runner": 7, "runnerType": "group"})
			},
			expected: logrus.Fields{"runner": 7, "runnerType": "group"},
		},
		"fields accumulate": {
			derive: func(c *Context) *Context {
				return WithLogField(WithLogField(c, "runner", 7), "build", 12)
			},
			expected: logrus.Fields{"runner": 7, "build": 12},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			ctx := tc.derive(Background())
			assert.Equal(t, context.Background(), ctx.Context)
			assert.Equal(t, tc.expected, ctx.Log.Data)
		})
	}
}

func TestWithCancel_KeepsLogger(t *testing.T) {
	parent := WithLogField(Background(), "runner", 7)
	ctx, cancel := WithCancel(parent)
	assert.Equal(t, parent.Log, ctx.Log)
	cancel()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context was not cancelled")
	}
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
	assert.NoError(t, parent.Err())
}

func TestWithTimeout(t *testing.T) {
	ctx, cancel := WithTimeout(Background(), 50*time.Millisecond)
	defer cancel()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("timeout was not respected")
	}
	assert.ErrorIs(t, ctx.Err(), context.DeadlineExceeded)
}

func TestErrGroup_CancelsOnFailure(t *testing.T) {
	g, ctx := ErrGroup(WithLogField(Background(), "poller", 1))
	assert.Equal(t, logrus.Fields{"poller": 1}, ctx.Log.Data)
	expected := errors.New("store unavailable")
	g.Go(func() error {
		return expected
	})
	g.Go(func() error {
		<-ctx.Done()
		return nil
	})
	assert.Equal(t, expected, g.Wait())
}
