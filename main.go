package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"roomchat/internal/config"
	"roomchat/internal/storage"
)

var (
	configPath string
	dbType     string
)

var rootCmd = &cobra.Command{
	Use:   "roomchat",
	Short: "Chat server with persistent history and realtime rooms",
	Long: `roomchat stores conversations, proxies them to a completion provider and
mirrors live activity across every tab that has a chat open.

Running without a subcommand is the same as "roomchat serve".`,
	SilenceUsage: true,
	RunE:         runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file, JSON or YAML (default $ROOMCHAT_CONFIG, then ./config.json if present)")
	rootCmd.PersistentFlags().StringVar(&dbType, "db", "", "database driver: sqlite3 or mysql (default $ROOMCHAT_DB, then sqlite3)")
	rootCmd.AddCommand(serveCmd, migrateCmd)
}

func main() {
	// a missing .env is fine; real deployments set the environment directly
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = os.Getenv("ROOMCHAT_CONFIG")
	}
	if path == "" {
		if _, err := os.Stat("config.json"); err != nil {
			return config.Default(), nil
		}
		path = "config.json"
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func driverName() string {
	name := dbType
	if name == "" {
		name = os.Getenv("ROOMCHAT_DB")
	}
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return "sqlite3"
	}
	return name
}

// openDatabase connects with the selected driver and brings the schema up
// to date.
func openDatabase(cfg *config.Config, logger *zap.Logger) (*sql.DB, string, error) {
	driver := driverName()
	db, err := storage.Open(driver, cfg)
	if err != nil {
		return nil, driver, fmt.Errorf("open database: %w", err)
	}
	if err := storage.Migrate(db, driver); err != nil {
		db.Close()
		return nil, driver, fmt.Errorf("migrate database: %w", err)
	}
	logger.Info("database ready", zap.String("driver", driver))
	return db, driver, nil
}
