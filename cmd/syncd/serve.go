package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/stuhub/classtrack-sync/internal/db"
	"github.com/stuhub/classtrack-sync/internal/server"
	"github.com/stuhub/classtrack-sync/internal/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync HTTP server",
	Long: `Start the sync API server.

Endpoints:
  POST /sync      run one sync session (pull delta, push mutations)
  POST /register  bind a device token to a user
  GET  /health    liveness probe
  GET  /status    change log and cursor statistics

Configuration comes from syncd.yaml and SYNCD_* environment variables;
the --port flag overrides the configured port.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		if port, _ := cmd.Flags().GetInt("port"); port != 0 {
			cfg.Port = port
		}

		database, err := db.Open(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer database.Close()

		if err := database.InitSchema(); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}

		logger := newLogger(cfg, "[syncd] ")
		coordinator := session.New(database, logger, session.Config{
			MaxRaceRetries: cfg.RaceRetries,
			PullLimit:      cfg.PullLimit,
		}, time.Duration(cfg.RetentionDays)*24*time.Hour)

		srv := server.NewServer(&server.Config{
			Port:   cfg.Port,
			Logger: logger,
		}, database, coordinator)

		if err := srv.Start(); err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}

		fmt.Printf("Sync server started on http://localhost:%d\n", cfg.Port)
		fmt.Printf("Database: %s\n", cfg.DBPath)
		fmt.Println("\nPress Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		<-ctx.Done()

		fmt.Println("\nShutting down sync server...")
		if err := srv.Stop(); err != nil {
			return fmt.Errorf("error during shutdown: %w", err)
		}

		fmt.Println("Sync server stopped")
		return nil
	},
}

func init() {
	serveCmd.Flags().Int("port", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}
