// Package commands implements the snapctl CLI, the management client for
// a running snapstored.
package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/dittolab/snapstore/pkg/client"
)

var (
	// Version information injected at build time.
	Version = "dev"

	socketPath string
)

var rootCmd = &cobra.Command{
	Use:   "snapctl",
	Short: "snapctl - manage a running snapshot server",
	Long: `snapctl talks to a running snapstored over its unix socket: create and
delete snapshots, adjust priorities and use counts, inspect store usage
and stream changelists.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&socketPath, "socket", "s", "/var/run/snapstore/server.sock", "server socket")

	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(priorityCmd)
	rootCmd.AddCommand(usecountCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(originSectorsCmd)
	rootCmd.AddCommand(changelistCmd)
	rootCmd.AddCommand(shutdownCmd)
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("snapctl %s\n", Version)
		},
	})

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// connect dials the server socket.
func connect() (*client.Client, error) {
	return client.Dial(socketPath)
}

// parseTag parses a snapshot tag argument.
func parseTag(arg string) (uint32, error) {
	tag, err := strconv.ParseUint(arg, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid snapshot tag %q", arg)
	}
	return uint32(tag), nil
}
