package main

import (
	"github.com/spf13/cobra"
)

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the store schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openStore(cmd.Context(), a.cfg.Store)
			if err != nil {
				return err
			}
			defer s.Close()
			a.logger.Info("store migrated", "driver", a.cfg.Store.Driver)
			return nil
		},
	}
}
