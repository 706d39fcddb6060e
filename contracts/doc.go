// Package contracts defines the payloads exchanged between the biglist
// services over the broker and the errors used to classify their handling.
//
// Three payloads travel on the wire:
//   - SyncUpdate: a user-profile change broadcast by user management and
//     replicated last-write-wins by its subscribers
//   - BotRequest: a chat query forwarded from the LINE webhook to the bug service
//   - BotReply: the answer routed back to the webhook side by reply token
//
// Field names on the wire match the payloads the .NET services exchange so
// both implementations can share a broker.
package contracts
