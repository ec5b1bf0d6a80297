package main

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ishtarservices/TheWired-sub000/config"
	"github.com/ishtarservices/TheWired-sub000/errors"
	"github.com/ishtarservices/TheWired-sub000/store"
)

var version = "dev"

type globalFlags struct {
	configPath string
	dataDir    string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "wiredctl",
		Short: "Inspect and maintain a wired data directory",
		Long: `wiredctl opens the event store of a stopped wired client to print
statistics, look up events and profiles, and run eviction by hand.
It also generates signing keys.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			_ = godotenv.Load()
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true

	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "config file providing data_dir and store limits")
	root.PersistentFlags().StringVarP(&g.dataDir, "data-dir", "d", "", "data directory, overrides the config")

	root.AddCommand(
		newStatsCmd(g),
		newEvictCmd(g),
		newGetCmd(g),
		newQueryCmd(g),
		newProfileCmd(g),
		newKeygenCmd(),
	)
	return root
}

// openStore resolves the data directory from flags, config and WIRED_*
// environment, in that order of precedence
func (g *globalFlags) openStore() (*store.Store, error) {
	loader := config.NewLoader()
	if g.configPath != "" {
		loader.AddLayer(g.configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}
	dir := cfg.DataDir
	if g.dataDir != "" {
		dir = g.dataDir
	}
	if dir == "" {
		return nil, fmt.Errorf("%w: pass --data-dir or set data_dir or WIRED_DATA_DIR", errors.ErrMissingConfig)
	}
	return store.Open(dir, cfg.Store)
}
