package cmd

import (
	"log"

	"github.com/Rroix/Avenue-Guard-Real/avenueguard"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [flags]",
	Short: "Starts the bot and the status API",
	Run: func(cmd *cobra.Command, _ []string) {
		ctx := cmd.Context()
		ag, err := avenueguard.New(cfg)
		if err != nil {
			log.Fatalf("error creating bot: %s", err.Error())
		}

		if err = ag.Run(ctx); err != nil {
			log.Fatalf("error running bot: %s", err.Error())
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
