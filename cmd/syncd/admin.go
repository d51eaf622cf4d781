package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/stuhub/classtrack-sync/internal/changelog"
	"github.com/stuhub/classtrack-sync/internal/cursor"
	"github.com/stuhub/classtrack-sync/internal/db"
	"github.com/stuhub/classtrack-sync/internal/idem"
	"github.com/stuhub/classtrack-sync/internal/identity"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the sync database and schema",
	Long: `Create the SQLite database at the configured path and initialize
the change log, cursor, idempotency, and device tables. Safe to run
multiple times.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		database, err := db.Open(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer database.Close()

		if err := database.InitSchema(); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}

		fmt.Printf("Initialized sync database at %s\n", cfg.DBPath)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show change log and cursor status",
	Long: `Display the current state of the sync database:

  - change log size and maximum sequence number
  - per-client acknowledged cursors
  - retained idempotency markers and registered devices`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		database, err := db.Open(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer database.Close()

		if err := database.InitSchema(); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}

		ctx := context.Background()
		store := changelog.New(database)
		cursors := cursor.New(database)
		guard := idem.New(database, 0)
		registry := identity.New(database)

		entries, err := store.Count(ctx)
		if err != nil {
			return err
		}
		maxSeq, err := store.MaxSeq(ctx)
		if err != nil {
			return err
		}
		markers, err := guard.Count(ctx)
		if err != nil {
			return err
		}
		devices, err := registry.Count(ctx)
		if err != nil {
			return err
		}
		clients, err := cursors.Clients(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("Database: %s\n", cfg.DBPath)
		fmt.Printf("Change log: %d entries, max seq %d\n", entries, maxSeq)
		fmt.Printf("Idempotency markers: %d\n", markers)
		fmt.Printf("Registered devices: %d\n", devices)
		fmt.Printf("Clients: %d\n", len(clients))
		for _, c := range clients {
			fmt.Printf("  %s  acked=%d  updated=%s\n",
				c.ClientID, c.AckedSeq, c.UpdatedAt.Format(time.RFC3339))
		}

		return nil
	},
}

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Expire idempotency markers past the retention window",
	Long: `Delete idempotency markers older than the configured retention
window (retention_days). A client replaying a mutation whose marker was
expired receives MutationExpired and must resubmit the change as a
fresh edit against current state.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		database, err := db.Open(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer database.Close()

		if err := database.InitSchema(); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}

		retention := time.Duration(cfg.RetentionDays) * 24 * time.Hour
		guard := idem.New(database, retention)

		cutoff := time.Now().Add(-retention)
		removed, err := guard.Expire(context.Background(), cutoff)
		if err != nil {
			return fmt.Errorf("failed to expire markers: %w", err)
		}

		fmt.Printf("Expired %d idempotency markers older than %s\n",
			removed, cutoff.Format(time.RFC3339))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(compactCmd)
}
