package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
	"github.com/superturtle41/FrogBot/frogbot"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print FrogBot's version and build details",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		_, _ = fmt.Fprintf(
			cmd.OutOrStdout(),
			"frogbot %s (commit %s, built %s, %s)\n",
			frogbot.Version,
			frogbot.CommitSHA,
			frogbot.BuildTime,
			runtime.Version(),
		)
	},
}

//nolint:gochecknoinits // cobra
func init() {
	rootCmd.AddCommand(versionCmd)
}
