package app

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/G-Research/buildqueue/internal/common/queuecontext"
)

// CreateContextWithShutdown returns a context that is cancelled on SIGINT or SIGTERM.
func CreateContextWithShutdown() *queuecontext.Context {
	ctx, cancel := queuecontext.WithCancel(queuecontext.Background())
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(c)
		select {
		case sig := <-c:
			ctx.Log.Infof("Received %s, shutting down", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx
}
