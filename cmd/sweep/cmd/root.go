package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/sweeplab/sweep/config"
	"github.com/sweeplab/sweep/storage"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"

	// Global flags
	storeURL string
	workDir  string
)

var rootCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Inspect parameter sweep stores",
	Long: `sweep inspects the stores that parameter sweeps write.

Sweeps run inside the binaries that register their task functions; this
tool reads what they stored. The store is resolved from .sweep/config.toml
in the working directory, or from --store.

Examples:
  sweep status                  # Trajectories with completion counts
  sweep status my_sweep         # One trajectory in detail
  sweep runs my_sweep           # Per-run table
  sweep runs my_sweep --params  # Run table with explored parameter values`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Run: func(cmd *cobra.Command, args []string) {
		// No subcommand given: list stored trajectories, like status does.
		if err := runStatus(cmd, nil); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&storeURL, "store", "", "store URL (default: from .sweep/config.toml)")
	rootCmd.PersistentFlags().StringVarP(&workDir, "workdir", "C", "", "working directory (default: current)")

	// Version flag
	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("sweep {{.Version}}\n")
}

// getWorkDir returns the effective working directory.
func getWorkDir() (string, error) {
	if workDir != "" {
		return workDir, nil
	}
	return os.Getwd()
}

// openStore resolves the store URL and opens the backend. The --store flag
// wins over configuration. A relative file-store location resolves against
// the working directory, the same way a sweep launched from there sees it.
func openStore() (storage.Service, *config.Config, error) {
	dir, err := getWorkDir()
	if err != nil {
		return nil, nil, err
	}

	cfg, err := config.LoadFromDir(dir)
	if err != nil {
		return nil, nil, err
	}

	url := storeURL
	if url == "" {
		url = cfg.Store.URL
	}
	if scheme, location, perr := storage.ParseURL(url); perr == nil {
		if scheme == "file" && !filepath.IsAbs(location) {
			url = "file:" + filepath.Join(dir, location)
		}
	}

	store, err := storage.Open(url)
	if err != nil {
		return nil, nil, fmt.Errorf("opening store: %w", err)
	}
	return store, cfg, nil
}

// browse requires a backend that can enumerate its contents.
func browse(s storage.Service) (storage.Browser, error) {
	b, ok := s.(storage.Browser)
	if !ok {
		return nil, fmt.Errorf("store backend cannot list its contents")
	}
	return b, nil
}
