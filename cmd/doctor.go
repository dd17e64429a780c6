package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/crypdick/pynchy/internal/config"
	"github.com/crypdick/pynchy/internal/container"
	"github.com/crypdick/pynchy/internal/store/sqlite"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("pynchy doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, running on defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}
	fmt.Printf("  Data dir: %s\n", cfg.DataDir)
	fmt.Printf("  Repo dir: %s\n", cfg.RepoDir)
	fmt.Println()

	fmt.Print("  Container runtime: ")
	if rt, err := container.ResolveRuntime(); err != nil {
		fmt.Printf("NOT FOUND (%s)\n", err)
	} else {
		fmt.Printf("%s (OK)\n", rt)
	}

	for _, tool := range []string{"git", "gh"} {
		fmt.Printf("  %-8s ", tool+":")
		if path, err := exec.LookPath(tool); err != nil {
			fmt.Println("NOT FOUND")
		} else {
			fmt.Printf("%s (OK)\n", path)
		}
	}
	fmt.Println()

	dbPath := filepath.Join(cfg.DataDir, "pynchy.db")
	fmt.Printf("  Database: %s", dbPath)
	if _, err := os.Stat(dbPath); err != nil {
		fmt.Println(" (not created yet)")
		return
	}
	current, latest, err := sqlite.SchemaVersion(context.Background(), dbPath)
	if err != nil {
		fmt.Printf(" (open error: %s)\n", err)
		return
	}
	if current == latest {
		fmt.Printf(" (schema %d, up to date)\n", current)
	} else {
		fmt.Printf(" (schema %d, %d pending — run `pynchy migrate up`)\n", current, latest-current)
	}
}
