package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/biglist/biglist-go/health"
	"github.com/biglist/biglist-go/internal/httpapi"
	"github.com/biglist/biglist-go/internal/users"
)

func newUsersCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "users",
		Short: "Run user management",
		Long:  "Serve the user API and broadcast every committed change on user-updated-exchange.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			rt, err := setup(ctx, *configPath)
			if err != nil {
				return err
			}
			defer rt.close()

			db, err := rt.openDatabase(ctx)
			if err != nil {
				return err
			}
			if db == nil {
				return errors.New("user management needs a database, set database.dsn")
			}
			defer db.Close()

			svc, err := users.NewService(ctx, db, rt.client.Publisher(), users.WithLogger(rt.logger))
			if err != nil {
				return err
			}

			registry := health.NewRegistry(
				health.NewBrokerChecker(rt.client.Supervisor()),
				health.NewDatabaseChecker("database", db),
			)

			return rt.serve(ctx, httpapi.NewRouter(
				httpapi.WithLogger(rt.logger),
				httpapi.WithHealth(registry),
				httpapi.WithUsers(svc),
			))
		},
	}
}
