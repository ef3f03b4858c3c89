package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath  string
	LogLevel    string
	LogFormat   string
	ListenAddr  string
	Debug       bool
	ShowVersion bool
	ShowHelp    bool
	Validate    bool
}

func parseFlags(args []string, output io.Writer) (*CLIConfig, error) {
	cfg := &CLIConfig{}
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	fs.SetOutput(output)

	fs.StringVar(&cfg.ConfigPath, "config", os.Getenv("CITYSYNC_CONFIG"),
		"Path to a JSON or YAML configuration file (env: CITYSYNC_CONFIG)")
	fs.StringVar(&cfg.ConfigPath, "c", os.Getenv("CITYSYNC_CONFIG"),
		"Path to a JSON or YAML configuration file (env: CITYSYNC_CONFIG)")
	fs.StringVar(&cfg.LogLevel, "log-level", "", "Log level override: debug, info, warn, error")
	fs.StringVar(&cfg.LogFormat, "log-format", "", "Log format override: json, text")
	fs.StringVar(&cfg.ListenAddr, "listen", "", "Gateway listen address override, e.g. :8080")
	fs.BoolVar(&cfg.Debug, "debug", false, "Shorthand for --log-level=debug --log-format=text")
	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	fs.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	fs.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	fs.Usage = func() { printDetailedHelp(output, fs) }

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.Debug {
		cfg.LogLevel = "debug"
		if cfg.LogFormat == "" {
			cfg.LogFormat = "text"
		}
	}
	return cfg, validateFlags(cfg)
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}
	if cfg.ConfigPath != "" {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
		}
	}
	if cfg.LogLevel != "" && !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if cfg.LogFormat != "" && !slices.Contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	return nil
}

func printDetailedHelp(w io.Writer, fs *flag.FlagSet) {
	_, _ = fmt.Fprintf(w, `%s - city state synchronization core

Usage: %s [options]

Options:
`, appName, appName)
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(w, `
Examples:
  # Run with a config file
  %[1]s --config=/etc/citysync/citysync.yaml

  # Run with debug logging on another port
  %[1]s --debug --listen=:9090

  # Override any setting from the environment
  export CITYSYNC_STORE_BACKEND=sqlite
  export CITYSYNC_STORE_PATH=/var/lib/citysync/state.db
  %[1]s

  # Validate configuration only
  %[1]s --config=citysync.yaml --validate

Version: %[2]s
Build: %[3]s
`, appName, Version, BuildTime)
}
