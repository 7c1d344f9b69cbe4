package cmd

import (
	"fmt"

	"github.com/arcadas/guildgate/guildgate"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of the application",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf(
			"version=%s commit=%s built: %s",
			guildgate.Version,
			guildgate.CommitSHA,
			guildgate.BuildTime,
		)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
