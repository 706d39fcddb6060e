// Package rabbitmq is the broker layer of biglist.
//
// This package includes:
//   - Supervisor: owns the one connection and channel of a client and
//     re-opens them under a bounded exponential retry
//   - TopologyManager: declares exchanges, queues, bindings and the shared
//     dead-letter pair
//   - Publisher: persistent publishes with broker confirms in queue, direct
//     and fanout modes
//   - Consumer: manual-ack consume loops that dead-letter failed messages
//     and re-subscribe after channel loss
//
// All calls on the shared channel are serialized by the Supervisor.
package rabbitmq
