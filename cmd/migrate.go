package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/crypdick/pynchy/internal/config"
	"github.com/crypdick/pynchy/internal/store/sqlite"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration management",
	}
	cmd.AddCommand(migrateUpCmd())
	cmd.AddCommand(migrateVersionCmd())
	return cmd
}

func resolveDBPath() (string, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return "", fmt.Errorf("load config: %w", err)
	}
	if err := cfg.EnsureDataDirs(); err != nil {
		return "", err
	}
	return filepath.Join(cfg.DataDir, "pynchy.db"), nil
}

func migrateUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolveDBPath()
			if err != nil {
				return err
			}
			ctx := context.Background()
			// Migrations are embedded and forward-only; opening the store
			// applies them.
			st, err := sqlite.Open(ctx, path, slog.New(slog.NewTextHandler(io.Discard, nil)))
			if err != nil {
				return fmt.Errorf("migrate up: %w", err)
			}
			if err := st.Close(); err != nil {
				return err
			}
			current, _, err := sqlite.SchemaVersion(ctx, path)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "migrated %s to schema version %d\n", path, current)
			return nil
		},
	}
}

func migrateVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the current and latest schema versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolveDBPath()
			if err != nil {
				return err
			}
			current, latest, err := sqlite.SchemaVersion(context.Background(), path)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "schema version %d (latest %d)\n", current, latest)
			return nil
		},
	}
}
