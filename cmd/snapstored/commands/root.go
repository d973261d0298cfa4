// Package commands implements the snapstored CLI.
package commands

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/dittolab/snapstore/internal/logger"
	"github.com/dittolab/snapstore/pkg/config"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"

	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "snapstored",
	Short: "snapstored - distributed-data snapshot server",
	Long: `snapstored maintains space-efficient copy-on-write snapshots of an
origin block device. Device-mapper clients query it before reads and
writes; the server decides when chunks must be copied out, allocates
exception chunks on the snapshot store and keeps the persistent mapping
from logical chunks to exceptions.

Use "snapstored [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(serveCmd)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Printf("snapstored %s (%s)\n", Version, Commit)
	},
}

// loadConfig loads the config file named by --config and initializes the
// logger from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Exit prints an error and exits with code 1.
func Exit(format string, args ...any) {
	rootCmd.PrintErrf(format+"\n", args...)
	os.Exit(1)
}
