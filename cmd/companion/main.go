// Package main is the entry point for the companion core. It connects the
// conversational model stream and the viseme service, keeps audio and mouth
// cues in sync, and nudges the user back into the conversation after long
// silences.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/normanking/companion/internal/config"
	"github.com/normanking/companion/internal/logging"
)

var (
	version = "0.1.0"
	cfgPath string
	verbose bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "companion",
		Short: "Companion - avatar audio/viseme sync and silence nudging",
		Long: `Companion streams speech from a conversational model, holds each turn
until its mouth-shape cues arrive, and nudges the user after long silences.

Run the core:        companion run
Configuration:       companion config show`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path (default ~/.companion/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Companion v%s\n", version)
		},
	})
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, string, error) {
	path := cfgPath
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return nil, "", err
		}
		path = p
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	lc := &logging.Config{
		Dir:        cfg.Log.Dir,
		Level:      cfg.Log.Level,
		MaxHistory: cfg.Log.MaxHistory,
		Console:    cfg.Log.Console,
	}
	if verbose {
		lc.Level = "debug"
	}
	return logging.New(lc)
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := loadConfig()
			if err != nil {
				return err
			}
			fmt.Println("Companion Configuration:")
			fmt.Println("────────────────────────")
			fmt.Printf("Config File:          %s\n", path)
			fmt.Printf("Stream URL:           %s\n", cfg.Stream.URL)
			fmt.Printf("Viseme URL:           %s\n", cfg.Viseme.URL)
			fmt.Printf("Auto-flush Timeout:   %s\n", cfg.Pipeline.AutoFlushTimeout)
			fmt.Printf("Sync Wait Timeout:    %s\n", cfg.Pipeline.SyncWaitTimeout)
			fmt.Printf("Silence Enabled:      %t\n", cfg.Silence.Enabled)
			fmt.Printf("Silence Threshold:    %.1fs\n", cfg.Silence.ThresholdSeconds)
			fmt.Printf("Min Between Nudges:   %.1fs\n", cfg.Silence.MinSecondsBetweenNudges)
			fmt.Printf("Max Nudges:           %d\n", cfg.Silence.MaxNudges)
			fmt.Printf("Settings Server:      %s (enabled: %t)\n", cfg.Server.Addr, cfg.Server.Enabled)
			fmt.Printf("Metrics:              %s (enabled: %t)\n", cfg.Metrics.Addr, cfg.Metrics.Enabled)
			fmt.Printf("Log Level:            %s\n", cfg.Log.Level)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration file path",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfgPath != "" {
				fmt.Println(cfgPath)
				return nil
			}
			p, err := config.DefaultPath()
			if err != nil {
				return err
			}
			fmt.Println(p)
			return nil
		},
	})

	return cmd
}
