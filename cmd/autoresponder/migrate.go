package main

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/signalix/autoresponder/internal/db"
)

func newMigrateCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(v)
			if err != nil {
				return err
			}
			defer log.Sync()

			database, err := openDatabase(context.Background(), cfg, log)
			if err != nil {
				return err
			}
			defer database.Close()

			version, err := db.MigrationVersion(database)
			if err != nil {
				return err
			}
			log.Info("migrations_applied", zap.Int64("version", version))
			return nil
		},
	}
}
