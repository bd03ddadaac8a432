package main

import (
	"github.com/spf13/cobra"
)

func newIndexesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "indexes",
		Short: "Create MongoDB indexes and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := connectMongo(ctx, a.cfg.Mongo, a.logger)
			if err != nil {
				return err
			}
			defer func() { _ = client.Disconnect(ctx) }()

			db := client.Database(a.cfg.Mongo.Database)
			if _, err := openStores(ctx, db, a.cfg); err != nil {
				return err
			}
			if a.cfg.Source.Collection != "" {
				if _, err := openCheckpoints(ctx, db, a.cfg); err != nil {
					return err
				}
			}
			a.logger.Info("indexes ensured", "database", a.cfg.Mongo.Database)
			return nil
		},
	}
}
