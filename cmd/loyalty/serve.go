package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/loyalty-engine/api"
)

var flagNoScheduler bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the operator API and run the periodic sync",
	Long: `Serve starts the HTTP API on server.addr and, unless --no-scheduler is
given, syncs the configured kinds every sync.interval.

On SIGINT/SIGTERM the scheduler is stopped (a running sync ends between
pages) and active requests get 30 seconds to complete.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&flagNoScheduler, "no-scheduler", false, "serve the API without periodic syncs")
}

func runServe(cmd *cobra.Command, args []string) error {
	src, err := newSource(cfg, "")
	if err != nil {
		return err
	}
	ledger := newLedger()

	handler := api.NewHandler(db, newOrchestrator(cfg, src, ledger), newBackfill(cfg, ledger), ledger)
	handler.Kinds = cfg.Kinds()
	handler.DefaultWindow = cfg.DefaultWindow
	handler.Location = cfg.Location()
	handler.Logger = logger.With("component", "api")

	scheduler := api.NewSyncScheduler(handler, logger)
	scheduler.Interval = cfg.Sync.Interval
	scheduler.Enabled = !flagNoScheduler
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.NewRouter(handler, cfg.Server.AllowedOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Minute, // triggered syncs answer when the run ends
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errc:
		return err
	case <-quit:
	}

	logger.Info("shutting down server")
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}
