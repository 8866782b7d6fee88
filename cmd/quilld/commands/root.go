// Package commands implements the quilld CLI.
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
	Use:   "quilld",
	Short: "Quill note-taking daemon",
	Long: `quilld is the front-end daemon of quill.

It serves the REST API and delegates every credential operation to the
quill-authd sub-daemon, which it spawns over a private socketpair. quilld
itself holds only the public verification key and can never mint tokens.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("quilld %s (commit %s, built %s)\n", Version, Commit, Date)
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
	rootCmd.AddCommand(versionCmd)
}
