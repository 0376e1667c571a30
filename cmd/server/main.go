// SParsh - student wellness companion server
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/ashureev/sparsh/internal/config"
	"github.com/ashureev/sparsh/internal/store"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	rootCmd := &cobra.Command{
		Use:   "sparsh",
		Short: "SParsh - student wellness companion",
		Long: `SParsh serves the student wellness dashboard: companion chat with
guardian interventions, counselor slot booking, tasks, journal and the
counselor thread.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd(logger))
	rootCmd.AddCommand(slotsCmd())
	rootCmd.AddCommand(tasksCmd())
	rootCmd.AddCommand(leaveCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openStore loads configuration and opens the database the way the server
// does, so admin commands see the same data.
func openStore() (*config.Config, *store.SQLiteStore, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	var opts []store.Option
	if cfg.JournalKey != "" {
		sealer, err := store.NewSealer(cfg.JournalKey)
		if err != nil {
			return nil, nil, fmt.Errorf("journal key: %w", err)
		}
		opts = append(opts, store.WithJournalSealer(sealer))
	}
	repo, err := store.NewSQLite(cfg.DBPath, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize database: %w", err)
	}
	return cfg, repo, nil
}
