// Package commands implements the quill-authd CLI.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Build-time variables injected via ldflags.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "quill-authd",
	Short: "Quill authentication sub-daemon",
	Long: `quill-authd is the privilege-separated authentication daemon for quill.

It owns the password database, the session database, and the token signing
key. The front-end daemon talks to it over a length-framed protobuf socket
and never touches any secret material itself.

Normally quill-authd is spawned by quilld over an inherited socketpair; it
can also be started standalone on a Unix socket for debugging.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("quill-authd %s (commit %s, built %s)\n", Version, Commit, Date)
	},
}

// Execute runs the root command.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(rootCmd.ErrOrStderr(), "Error:", err)
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to config file (default: $XDG_CONFIG_HOME/quill/config.toml)")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(userCmd)
	rootCmd.AddCommand(versionCmd)
}
