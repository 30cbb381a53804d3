package main

import (
	"log"

	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.ValidateStore(); err != nil {
				return err
			}
			conn, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer conn.Close()

			log.Printf("[db] schema is up to date (%s)", cfg.StoreDriver)
			return nil
		},
	}
}
