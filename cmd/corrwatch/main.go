package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"corrwatch/internal/config"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "corrwatch",
		Short:         "Correlate security events into incidents",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML or JSON config (defaults when empty)")

	root.AddCommand(
		newServeCmd(&configPath),
		newReplayCmd(&configPath),
		newValidateCmd(&configPath),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), version)
			},
		},
	)
	return root
}

func newValidateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "Parse and validate a config file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if *configPath == "" {
				return fmt.Errorf("--config is required")
			}
			cfg, err := config.Load(config.ResolvePath(*configPath))
			if err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config ok: correlation_window=%s retention=%s\n",
				cfg.Detection.CorrelationWindow, cfg.Detection.Retention())
			return nil
		},
	}
}

// loadManager returns a file-backed manager, or a static one with defaults
// when no path is given.
func loadManager(path string) (*config.Manager, error) {
	if path == "" {
		return config.NewStaticManager(config.DefaultConfig()), nil
	}
	return config.NewManager(config.ResolvePath(path))
}
