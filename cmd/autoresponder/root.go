package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/signalix/autoresponder/internal/config"
	"github.com/signalix/autoresponder/internal/db"
	"github.com/signalix/autoresponder/internal/logging"
)

func newRootCmd() *cobra.Command {
	v := config.New()

	cmd := &cobra.Command{
		Use:          "autoresponder",
		Short:        "Multi-tenant chat autoresponder",
		SilenceUsage: true,
	}

	cmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error (env LOG_LEVEL).")
	cmd.PersistentFlags().String("log-format", "", "Log format: json or console (env LOG_FORMAT).")
	bindFlag(v, "log_level", cmd.PersistentFlags().Lookup("log-level"))
	bindFlag(v, "log_format", cmd.PersistentFlags().Lookup("log-format"))

	cmd.AddCommand(newServeCmd(v))
	cmd.AddCommand(newMigrateCmd(v))
	cmd.AddCommand(newSeedCmd(v))
	cmd.AddCommand(newTokenCmd(v))

	return cmd
}

// setup loads configuration and builds the root logger
func setup(v *viper.Viper) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, nil, fmt.Errorf("load configuration: %w", err)
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, nil, fmt.Errorf("build logger: %w", err)
	}
	return cfg, log, nil
}

// openDatabase opens Postgres and applies pending migrations
func openDatabase(ctx context.Context, cfg *config.Config, log *zap.Logger) (*sql.DB, error) {
	if err := cfg.RequireDatabaseURL(); err != nil {
		return nil, err
	}
	database, err := db.Open(ctx, cfg.DatabaseURL, log)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(database); err != nil {
		database.Close()
		return nil, err
	}
	return database, nil
}
