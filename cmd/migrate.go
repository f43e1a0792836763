package cmd

import (
	"context"
	"fmt"

	"github.com/jmehdipour/relay/internal/db"
	"github.com/jmehdipour/relay/internal/repository"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply MySQL migrations and create the ClickHouse deliveries table",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}

		sqlDB, err := db.NewMySQLConnection(cfg.MySQL.DSN, db.OptsFrom(cfg.MySQL))
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer sqlDB.Close()

		version, err := db.Migrate(sqlDB)
		if err != nil {
			return err
		}
		log.Info("mysql migrated", zap.Uint("version", version))

		if cfg.ClickHouse.DSN == "" {
			return nil
		}
		chDB, err := db.NewClickHouseConnection(cfg.ClickHouse.DSN, db.OptsFrom(cfg.ClickHouse))
		if err != nil {
			return fmt.Errorf("clickhouse connect: %w", err)
		}
		defer chDB.Close()

		if err := repository.EnsureDeliveriesTable(context.Background(), chDB); err != nil {
			return fmt.Errorf("clickhouse deliveries table: %w", err)
		}
		log.Info("clickhouse deliveries table ready")
		return nil
	},
}
