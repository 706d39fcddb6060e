// Package messaging is the typed face of the broker layer.
//
// Publisher encodes payloads as JSON and sends them point-to-point
// (PublishToQueue), routed (PublishDirect) or broadcast (PublishFanout).
// Subscribe binds a Topology and runs a consume loop that decodes each
// message into the handler's type, acks on success and dead-letters on
// failure.
//
// Example usage:
//
//	pub := messaging.NewPublisher(transport)
//	err := pub.PublishFanout(ctx, "user-updated-exchange", contracts.SyncUpdate{
//		SubjectID:        7,
//		Data:             `{"username":"amy"}`,
//		LogicalTimestamp: 100,
//	})
//
//	sub := messaging.Subscribe(ctx, subscriber, messaging.Topology{
//		Exchange: "user-updated-exchange",
//		Kind:     messaging.Fanout,
//		Queue:    "bug-user-updated-consumer",
//	}, func(ctx context.Context, u contracts.SyncUpdate) error {
//		return applier.Apply(ctx, u)
//	})
//	defer sub.Stop()
package messaging
