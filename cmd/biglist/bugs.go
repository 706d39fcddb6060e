package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/biglist/biglist-go/health"
	"github.com/biglist/biglist-go/internal/botbridge"
	"github.com/biglist/biglist-go/internal/bugs"
	"github.com/biglist/biglist-go/internal/httpapi"
	"github.com/biglist/biglist-go/internal/usersync"
	"github.com/biglist/biglist-go/messaging"
)

func newBugsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "bugs",
		Short: "Run the bug service",
		Long: `Serve the bug API, keep a replica of users from user-updated-exchange
and answer chat bot requests from bug-service-queue.`,
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

			var (
				bugStore     bugs.Store
				replicaStore usersync.Store
			)
			registry := health.NewRegistry(health.NewBrokerChecker(rt.client.Supervisor()))

			if db != nil {
				defer db.Close()
				if bugStore, err = bugs.NewSQLStore(ctx, db); err != nil {
					return err
				}
				if replicaStore, err = usersync.NewSQLStore(ctx, db); err != nil {
					return err
				}
				registry.Register(health.NewDatabaseChecker("database", db))
			} else {
				rt.logger.Warn("no database configured, bugs and user replicas are kept in memory")
				bugStore = bugs.NewMemoryStore()
				replicaStore = usersync.NewMemoryStore()
			}

			subscriber := rt.client.Subscriber()
			subs := map[string]*messaging.Subscription{
				"user-updated": usersync.NewApplier(replicaStore, usersync.WithLogger(rt.logger)).Subscribe(ctx, subscriber),
				"bug-service":  botbridge.NewRequestHandler(bugStore, rt.client.Publisher(), botbridge.WithLogger(rt.logger)).Subscribe(ctx, subscriber),
			}
			for name, sub := range subs {
				registry.Register(health.NewSubscriptionChecker(name, sub))
				cancelOnExit(ctx, cancel, rt.logger, name, sub)
			}

			serveErr := rt.serve(ctx, httpapi.NewRouter(
				httpapi.WithLogger(rt.logger),
				httpapi.WithHealth(registry),
				httpapi.WithBugs(bugStore),
			))

			errs := []error{serveErr}
			for _, sub := range subs {
				errs = append(errs, sub.Stop())
			}
			return errors.Join(errs...)
		},
	}
}
