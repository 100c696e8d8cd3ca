package cmd

import (
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/G-Research/buildqueue/internal/buildqueue/database"
	"github.com/G-Research/buildqueue/internal/common/app"
	dbcommon "github.com/G-Research/buildqueue/internal/common/database"
)

func migrateDbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrateDatabase",
		Short: "migrates the buildqueue database to the latest version",
		RunE:  migrateDatabase,
	}
	return cmd
}

func migrateDatabase(cmd *cobra.Command, _ []string) error {
	config, err := loadConfig(cmd.Flags())
	if err != nil {
		return err
	}
	start := time.Now()
	log.Info("Beginning buildqueue database migration")
	ctx := app.CreateContextWithShutdown()
	db, err := dbcommon.OpenPgxPool(ctx, config.Postgres)
	if err != nil {
		return errors.Wrapf(err, "Failed to connect to database")
	}
	defer db.Close()
	err = database.Migrate(ctx, db)
	if err != nil {
		return errors.Wrapf(err, "Failed to migrate buildqueue database")
	}
	log.Infof("Buildqueue database migrated in %s", time.Since(start))
	return nil
}
