package cmd

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/G-Research/buildqueue/internal/buildqueue"
	"github.com/G-Research/buildqueue/internal/common/queuecontext"
)

func candidatesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "candidates",
		Short: "Prints the number of builds a runner could currently be assigned",
		RunE:  candidates,
	}
	cmd.Flags().Int64("runner", 0, "Id of the runner")
	if err := cmd.MarkFlagRequired("runner"); err != nil {
		panic(err)
	}
	return cmd
}

func candidates(cmd *cobra.Command, _ []string) error {
	runnerId, err := cmd.Flags().GetInt64("runner")
	if err != nil {
		return errors.WithStack(err)
	}
	config, err := loadConfig(cmd.Flags())
	if err != nil {
		return err
	}
	ctx := queuecontext.Background()
	a, err := buildqueue.New(ctx, config, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	count, err := a.Dispatcher.CandidateCount(ctx, runnerId)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "runner %d has %d candidate builds\n", runnerId, count)
	return nil
}
