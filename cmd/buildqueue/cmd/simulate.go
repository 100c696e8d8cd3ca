package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/G-Research/buildqueue/internal/buildqueue/metrics"
	"github.com/G-Research/buildqueue/internal/buildqueue/simulator"
	"github.com/G-Research/buildqueue/internal/common/queuecontext"
)

func simulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Runs concurrent pollers against an in-memory build queue loaded from a fixture",
		RunE:  simulate,
	}
	cmd.Flags().String("fixture", DefaultConfigPath+"/simulation.yaml", "Path to the simulation fixture")
	cmd.Flags().Int("pollers", 4, "Number of concurrent pollers")
	return cmd
}

func simulate(cmd *cobra.Command, _ []string) error {
	fixturePath, err := cmd.Flags().GetString("fixture")
	if err != nil {
		return errors.WithStack(err)
	}
	pollers, err := cmd.Flags().GetInt("pollers")
	if err != nil {
		return errors.WithStack(err)
	}
	config, err := loadConfig(cmd.Flags())
	if err != nil {
		return err
	}
	fixture, err := simulator.LoadFixture(fixturePath)
	if err != nil {
		return err
	}
	sim, err := simulator.New(fixture, config.Dispatch, metrics.New(nil))
	if err != nil {
		return err
	}
	result, err := sim.Run(queuecontext.Background(), pollers)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 1, 1, 2, ' ', 0)
	fmt.Fprintln(w, "Poller\tRunner\tBuild\tProject")
	for _, a := range result.Assignments {
		fmt.Fprintf(w, "%d\t%d\t%d\t%d\n", a.Poller, a.Runner, a.Build, a.Project)
	}
	if err := w.Flush(); err != nil {
		return errors.WithStack(err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d builds assigned, %d still pending, %d polls rejected\n",
		len(result.Assignments), result.Pending, result.Rejected)
	return nil
}
