package cmd

import (
	"log"

	"github.com/arcadas/guildgate/guildgate"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [flags]",
	Short: "Starts the guildgate coordinator",
	Run: func(cmd *cobra.Command, _ []string) {
		ctx := cmd.Context()
		coordinator, err := guildgate.New(cfg)
		if err != nil {
			log.Fatalf("error creating coordinator: %s", err.Error())
		}

		if err = coordinator.Run(ctx); err != nil {
			log.Fatalf("error running coordinator: %s", err.Error())
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
