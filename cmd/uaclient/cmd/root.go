// Package cmd implements the uaclient command line.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/arloliu/go-uaclient/internal/config"
	"github.com/arloliu/go-uaclient/logger"
)

var (
	cfgFile  string
	logLevel string
	console  bool
)

var rootCmd = &cobra.Command{
	Use:   "uaclient",
	Short: "Industrial automation client",
	Long: `uaclient connects to a server over the binary frame protocol, keeps the secure
channel and session alive, and reports the connection status periodically.

Commands:
  run    - connect and run the client loop until interrupted
  serve  - run a simulated server for local testing`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	addGlobalFlags(rootCmd.PersistentFlags())
}

func addGlobalFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&cfgFile, "config", "c", "", "config file, YAML or TOML by extension")
	fs.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (overrides the config file)")
	fs.BoolVar(&console, "console", false, "human readable console log output")
}

// loadConfig loads the config file when one is given, otherwise the defaults.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if cfgFile != "" {
		var err error
		if cfg, err = config.Load(cfgFile); err != nil {
			return nil, err
		}
	}

	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if console {
		cfg.Log.Console = true
	}

	return cfg, cfg.Validate()
}

func newLogger(cfg *config.Config) logger.Logger {
	l := logger.NewSlogWithWriter(os.Stderr, cfg.LogLevel(), false, cfg.Log.Console)
	logger.SetLogger(l)

	return l
}

func printError(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
}
