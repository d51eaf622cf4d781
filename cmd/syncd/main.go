// Command syncd runs the synchronization engine for the classtrack
// backend: an HTTP service that reconciles offline client mutations
// against the server-held change log.
package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

var rootCmd = &cobra.Command{
	Use:   "syncd",
	Short: "Sync engine for the classtrack backend",
	Long: `syncd reconciles mutations from offline-first clients against the
canonical server change log.

Clients pull the delta they are missing, push their local mutations, and
the engine merges concurrent edits deterministically using server
sequence order. Retried pushes are deduplicated by mutation id, so a
client that crashes mid-sync can resume without duplicating or losing
changes.

State lives in a local SQLite database (default: .syncd/sync.db).`,
}

// config holds the resolved runtime configuration.
type config struct {
	DBPath        string
	Port          int
	RetentionDays int
	RaceRetries   int
	PullLimit     int
	LogFile       string
}

// loadConfig reads syncd.yaml (working directory or $HOME/.syncd) plus
// SYNCD_* environment overrides.
func loadConfig() (*config, error) {
	v := viper.New()
	v.SetConfigName("syncd")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.syncd")

	v.SetDefault("db_path", ".syncd/sync.db")
	v.SetDefault("port", 8080)
	v.SetDefault("retention_days", 30)
	v.SetDefault("race_retries", 3)
	v.SetDefault("pull_limit", 500)
	v.SetDefault("log_file", "")

	v.SetEnvPrefix("SYNCD")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Config file is optional; defaults and env are enough.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	return &config{
		DBPath:        v.GetString("db_path"),
		Port:          v.GetInt("port"),
		RetentionDays: v.GetInt("retention_days"),
		RaceRetries:   v.GetInt("race_retries"),
		PullLimit:     v.GetInt("pull_limit"),
		LogFile:       v.GetString("log_file"),
	}, nil
}

// newLogger builds the service logger. With log_file set, output goes
// through a size-rotated file; otherwise stderr.
func newLogger(cfg *config, prefix string) *log.Logger {
	var out io.Writer = os.Stderr
	if cfg.LogFile != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
	}
	return log.New(out, prefix, log.LstdFlags)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
