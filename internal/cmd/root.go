// Package cmd provides the CLI commands for agentcomm.
package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/spf13/cobra"

	"github.com/davidop/marketing-agent-comm-sub000/internal/appdir"
	"github.com/davidop/marketing-agent-comm-sub000/internal/config"
	"github.com/davidop/marketing-agent-comm-sub000/internal/logging"
)

var (
	// Global flags
	configPath    string
	debug         bool
	logLevel      string // --log-level flag (debug, info, warn, error)
	logFile       string
	logComponents string
	transportFlag string
	endpointFlag  string

	// Loaded configuration
	cfg *config.Config
	// loadedFrom is the file cfg was read from, empty when defaults are used.
	loadedFrom string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "agentcomm",
	Short: "agentcomm - talk to a remote conversational agent",
	Long: `agentcomm is a command-line client for remote conversational agents.

It speaks two protocols: a direct request/response endpoint that returns
the reply in the HTTP response, and an activity feed where replies are
picked up by polling the conversation.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for help and completion commands
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}

		if err := appdir.EnsureDir(); err != nil {
			return fmt.Errorf("failed to create agentcomm directory: %w", err)
		}

		var err error
		cfg, loadedFrom, err = loadConfig(configPath)
		if err != nil {
			// config init creates the file --config points at.
			if cmd != configInitCmd {
				return err
			}
			cfg, loadedFrom = config.Default(), ""
		}
		applyOverrides(cfg)

		// Priority: --log-level flag > --debug flag > config file > info
		effectiveLogLevel := cfg.Log.Level
		if logLevel != "" {
			effectiveLogLevel = logLevel
		} else if debug {
			effectiveLogLevel = "debug"
		}
		if !logging.ValidLevel(effectiveLogLevel) {
			return fmt.Errorf("invalid log level %q", effectiveLogLevel)
		}

		components := splitList(logComponents)
		if len(components) == 0 {
			components = cfg.Log.Components
		}

		logCfg := logging.Config{
			Level:      effectiveLogLevel,
			Components: components,
		}
		if path := firstNonEmpty(logFile, cfg.Log.File); path != "" {
			fileCfg := logging.DefaultFileLogConfig()
			fileCfg.Path = path
			if cfg.Log.MaxSizeMB > 0 {
				fileCfg.MaxSizeMB = cfg.Log.MaxSizeMB
			}
			if cfg.Log.MaxBackups > 0 {
				fileCfg.MaxBackups = cfg.Log.MaxBackups
			}
			logCfg.FileLog = &fileCfg
		}
		if err := logging.Initialize(logCfg); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}

		if loadedFrom != "" {
			logging.Settings().Debug("Configuration loaded", "path", loadedFrom, "transport", cfg.Transport)
		} else {
			logging.Settings().Debug("No configuration file, using defaults", "transport", cfg.Transport)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		// Clean up logging resources
		return logging.Close()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file path (default: $AGENTCOMMRC or config.yaml in the agentcomm directory)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging (shorthand for --log-level=debug)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default: info)")
	rootCmd.PersistentFlags().StringVarP(&logFile, "logfile", "l", "", "Log file path (logs are also written to console)")
	rootCmd.PersistentFlags().StringVar(&logComponents, "log-components", "", "Comma-separated list of components to log (e.g., 'client,poll'). Empty means all components.")
	rootCmd.PersistentFlags().StringVar(&transportFlag, "transport", "", "Transport override: direct or polling")
	rootCmd.PersistentFlags().StringVar(&endpointFlag, "endpoint", "", "Endpoint override for the selected transport")
}

// loadConfig reads the configuration. An explicit path must exist; the
// default path may be missing, in which case defaults are used.
func loadConfig(path string) (*config.Config, string, error) {
	if path != "" {
		c, err := config.Load(path)
		if err != nil {
			return nil, "", fmt.Errorf("failed to load configuration from %s: %w", path, err)
		}
		return c, path, nil
	}

	path = config.DefaultConfigPath()
	c, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return config.Default(), "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to load configuration: %w", err)
	}
	return c, path, nil
}

// applyOverrides applies --transport and --endpoint on top of the file.
func applyOverrides(c *config.Config) {
	if transportFlag != "" {
		c.Transport = strings.ToLower(strings.TrimSpace(transportFlag))
	}
	if endpointFlag != "" {
		if c.Transport == config.TransportDirect {
			c.Direct.Endpoint = endpointFlag
		} else {
			c.Polling.BaseURL = endpointFlag
		}
	}
}

// splitList splits a comma-separated flag value, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
