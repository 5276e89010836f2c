package main

import (
	"github.com/spf13/cobra"

	"roomchat/internal/logging"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the database schema and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, err := logging.New(cfg.BasicConfig.LogLevel, cfg.BasicConfig.LogDevelopment)
		if err != nil {
			return err
		}
		defer logger.Sync() //nolint:errcheck

		db, _, err := openDatabase(cfg, logger)
		if err != nil {
			return err
		}
		return db.Close()
	},
}
