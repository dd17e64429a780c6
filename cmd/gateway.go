package cmd

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/crypdick/pynchy/internal/config"
	"github.com/crypdick/pynchy/internal/container"
	"github.com/crypdick/pynchy/internal/orchestrator"
	"github.com/crypdick/pynchy/internal/store/sqlite"
)

// runGateway is the root command's default action: resolve config, open
// the store, build the orchestrator, and run it until a shutdown signal.
func runGateway() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(log)

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		log.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	live := config.NewLive(cfg)

	ctx := context.Background()

	if err := cfg.EnsureDataDirs(); err != nil {
		log.Error("failed to create data directories", "error", err)
		os.Exit(1)
	}
	st, err := sqlite.Open(ctx, filepath.Join(cfg.DataDir, "pynchy.db"), log)
	if err != nil {
		log.Error("failed to open store", "error", err)
		os.Exit(1)
	}

	runtime, err := container.ResolveRuntime()
	if err != nil {
		log.Warn("no container runtime detected; container launches will fail", "error", err)
	}

	orch, err := orchestrator.New(log, live, st, runtime)
	if err != nil {
		log.Error("failed to build orchestrator", "error", err)
		_ = st.Close()
		os.Exit(1)
	}

	log.Info("pynchy gateway starting", "version", Version, "config", resolveConfigPath())
	if err := orch.Run(ctx); err != nil {
		log.Error("gateway exited with error", "error", err)
		os.Exit(1)
	}
}
