// Package main provides the entry point for the alita fetch proxy.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/alita/internal/config"
	"github.com/jmylchreest/alita/internal/logging"
	"github.com/jmylchreest/alita/internal/version"
)

// globalFlags override values read from the environment.
type globalFlags struct {
	logLevel  string
	logFormat string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	serve := newServeCmd(flags)

	root := &cobra.Command{
		Use:           "alita",
		Short:         "Challenge-aware HTTP fetch proxy",
		Long:          "alita fetches pages directly and falls back to a headless browser when the response is a bot challenge.",
		SilenceUsage:  true,
		SilenceErrors: true,
		// With no subcommand the server runs.
		RunE: serve.RunE,
	}
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level (debug, info, warn, error); overrides LOG_LEVEL")
	root.PersistentFlags().StringVar(&flags.logFormat, "log-format", "", "log format (text, json); overrides LOG_FORMAT")
	root.Flags().AddFlagSet(serve.Flags())

	root.AddCommand(serve, newFetchCmd(flags), newVersionCmd())
	return root
}

// loadConfig reads the environment and applies flag overrides.
func loadConfig(flags *globalFlags, override func(*config.Config)) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
	}
	if flags.logFormat != "" {
		cfg.LogFormat = flags.logFormat
	}
	if override != nil {
		override(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, out io.Writer) *slog.Logger {
	return logging.SetDefault(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: out})
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			info := version.Get()
			fmt.Fprintf(cmd.OutOrStdout(), "alita %s (built %s, %s)\n",
				info, info.Date, info.GoVersion)
		},
	}
}
