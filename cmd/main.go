package main

import (
	"log"

	"github.com/spf13/cobra"

	"github.com/Vovarama1992/storefront-support/internal/config"
)

var cfg *config.Config

func main() {
	root := &cobra.Command{
		Use:           "support",
		Short:         "Storefront support chat: bot, escalation to staff, live updates",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load()
			if err != nil {
				return err
			}
			cfg = c
			return nil
		},
	}

	root.AddCommand(
		serveCmd(),
		migrateCmd(),
		tokenCmd(),
		chatCmd(),
		consoleCmd(),
	)

	if err := root.Execute(); err != nil {
		log.Fatalf("%v", err)
	}
}
