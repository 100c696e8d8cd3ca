package cmd

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/G-Research/buildqueue/internal/buildqueue/configuration"
	"github.com/G-Research/buildqueue/internal/common"
	commonconfig "github.com/G-Research/buildqueue/internal/common/config"
)

const (
	CustomConfigLocation string = "config"
	DefaultConfigPath    string = "./config/buildqueue"
)

func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "buildqueue",
		SilenceUsage:  true,
		SilenceErrors: true,
		Short:         "Assigns pending CI builds to polling runners",
	}

	cmd.PersistentFlags().StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)")

	cmd.AddCommand(
		migrateDbCmd(),
		pollCmd(),
		candidatesCmd(),
		simulateCmd(),
	)

	return cmd
}

func loadConfig(flags *pflag.FlagSet) (configuration.Configuration, error) {
	var config configuration.Configuration
	userSpecifiedConfigs, err := flags.GetStringSlice(CustomConfigLocation)
	if err != nil {
		return config, errors.WithStack(err)
	}
	if err := common.LoadConfig(&config, DefaultConfigPath, userSpecifiedConfigs); err != nil {
		return config, err
	}
	if err := config.Validate(); err != nil {
		commonconfig.LogValidationErrors(err)
		return config, err
	}
	if err := common.ConfigureLogging(config.Logging); err != nil {
		return config, err
	}
	return config, nil
}
