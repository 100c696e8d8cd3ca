package cmd

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/G-Research/buildqueue/internal/buildqueue"
	"github.com/G-Research/buildqueue/internal/buildqueue/model"
	"github.com/G-Research/buildqueue/internal/common"
	"github.com/G-Research/buildqueue/internal/common/app"
	"github.com/G-Research/buildqueue/internal/common/queuecontext"
)

func pollCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Polls for a build on behalf of a runner and prints the build assigned to it",
		RunE:  poll,
	}
	cmd.Flags().Int64("runner", 0, "Id of the runner to poll for")
	cmd.Flags().Duration(
		"interval",
		0,
		"If set, keep polling at this interval until interrupted, serving metrics on the configured port")
	if err := cmd.MarkFlagRequired("runner"); err != nil {
		panic(err)
	}
	return cmd
}

func poll(cmd *cobra.Command, _ []string) error {
	runnerId, err := cmd.Flags().GetInt64("runner")
	if err != nil {
		return errors.WithStack(err)
	}
	interval, err := cmd.Flags().GetDuration("interval")
	if err != nil {
		return errors.WithStack(err)
	}
	config, err := loadConfig(cmd.Flags())
	if err != nil {
		return err
	}

	ctx := queuecontext.WithLogField(app.CreateContextWithShutdown(), "runner", runnerId)
	registry := prometheus.NewRegistry()
	a, err := buildqueue.New(ctx, config, registry)
	if err != nil {
		return err
	}
	defer a.Close()

	if interval <= 0 {
		return pollOnce(ctx, cmd, a, runnerId)
	}
	if config.Metrics.Port != 0 {
		shutdown := common.ServeMetrics(config.Metrics.Port, registry)
		defer shutdown()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := pollOnce(ctx, cmd, a, runnerId); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func pollOnce(ctx *queuecontext.Context, cmd *cobra.Command, a *buildqueue.App, runnerId model.RunnerID) error {
	claimed, err := a.Dispatcher.Poll(ctx, runnerId)
	if err != nil {
		return err
	}
	if claimed == nil {
		fmt.Fprintln(cmd.OutOrStdout(), "no build available")
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "assigned build %d of project %d (token %s)\n",
		claimed.Build.ID, claimed.Build.ProjectID, claimed.Build.Token)
	return nil
}
