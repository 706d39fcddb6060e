// Package usersync replicates user profiles broadcast by user management
// into a local store, last write wins by the logical timestamp carried in
// each update.
package usersync

import (
	"context"
	"log/slog"

	"github.com/biglist/biglist-go/contracts"
	"github.com/biglist/biglist-go/messaging"
)

// Topology is the bug service's subscription to user updates
var Topology = messaging.Topology{
	Exchange: contracts.UserUpdatedExchange,
	Kind:     messaging.Fanout,
	Queue:    contracts.BugUserUpdatedQueue,
}

// Applier applies SyncUpdates to a Store
type Applier struct {
	store  Store
	logger *slog.Logger
}

// ApplierOption configures the Applier
type ApplierOption func(*Applier)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ApplierOption {
	return func(a *Applier) {
		a.logger = logger
	}
}

// NewApplier creates an applier writing to store
func NewApplier(store Store, options ...ApplierOption) *Applier {
	a := &Applier{
		store:  store,
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(a)
	}

	return a
}

// Apply stores u unless the replica already carries a timestamp at least
// as new. An unknown subject is created under the incoming id. A stale
// update returns a *contracts.StaleUpdateError and changes nothing.
func (a *Applier) Apply(ctx context.Context, u contracts.SyncUpdate) error {
	a.logger.Debug("received user update", "subjectId", u.SubjectID, "timestamp", u.LogicalTimestamp)

	created := false
	err := a.store.Update(ctx, u.SubjectID, func(current Record, found bool) (Record, error) {
		if found && current.LastUpdated >= u.LogicalTimestamp {
			return current, &contracts.StaleUpdateError{
				SubjectID: u.SubjectID,
				Incoming:  u.LogicalTimestamp,
				Current:   current.LastUpdated,
			}
		}
		created = !found
		return Record{ID: u.SubjectID, Data: u.Data, LastUpdated: u.LogicalTimestamp}, nil
	})
	if err != nil {
		return err
	}

	a.logger.Info("user replica updated",
		"subjectId", u.SubjectID,
		"timestamp", u.LogicalTimestamp,
		"created", created)
	return nil
}

// Subscribe starts applying updates from the user stream
func (a *Applier) Subscribe(ctx context.Context, subscriber *messaging.Subscriber) *messaging.Subscription {
	return messaging.Subscribe(ctx, subscriber, Topology, a.Apply)
}
