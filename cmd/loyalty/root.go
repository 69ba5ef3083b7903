package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/warp/loyalty-engine/bonus"
	"github.com/warp/loyalty-engine/config"
	"github.com/warp/loyalty-engine/store/sqlstore"
)

// Global flag values.
var (
	flagConfig string
	flagJSON   bool
)

// Set by PersistentPreRunE for every subcommand.
var (
	cfg    *config.Config
	logger *slog.Logger
	db     *sqlstore.Store
)

var rootCmd = &cobra.Command{
	Use:   "loyalty",
	Short: "Poster data sync and bonus ledger",
	Long: `loyalty mirrors a Poster POS account into a local database and keeps
an append-only bonus ledger for its clients.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if db == nil {
			return nil
		}
		return db.Close()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default: ./loyalty.yaml or ~/.loyalty/loyalty.yaml)")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output as JSON")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(backfillCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(adjustCmd)
	rootCmd.AddCommand(runsCmd)
}

func setup(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.Load(flagConfig)
	if err != nil {
		return err
	}

	logger, err = newLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	if cfg.Database.Driver == sqlstore.DriverSQLite && cfg.Database.DSN != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.DSN), 0o755); err != nil {
			return fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err = sqlstore.New(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	logger.Debug("store opened", "driver", cfg.Database.Driver)
	return nil
}

// newLogger builds the process logger from the log section.
func newLogger(c config.LogConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(c.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
}

func newLedger() *bonus.Engine {
	return bonus.NewEngine(db, bonus.WithLogger(logger.With("component", "ledger")))
}
