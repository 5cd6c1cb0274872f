// Package ua defines the building blocks shared by the go-uaclient packages: the ordered
// connection tier, service status codes, sentinel errors, the pooled Message exchanged with
// transports, and the collaborator interfaces consumed by the client run loop.
//
// Collaborators:
//   - Transport: sends request messages and receives at most one frame within a time budget.
//   - ConnectionCollaborator: reports the current tier, advances connection establishment and
//     renews the secure channel.
//   - SubscriptionCollaborator: optional publish keep-alive and notification sink.
//   - Clock: monotonic time source, ManualClock is provided for deterministic tests.
//
// Message Lifecycle:
// Messages obtained with NewMessage come from a pool. Free returns a message to the pool, after
// which it must not be accessed again; use Clone to retain a copy beyond the current callback.
package ua
