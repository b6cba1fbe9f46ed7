// Package outbox implements the production side of the transactional outbox pattern:
// messages stored in an outbox alongside business data are claimed in batches and
// delivered to their targets at least once.
//
// The package provides the following components:
//   - An `Engine` supervising one background task per source key.
//   - A `Scheduler` draining a polling source whenever its `Listener` is triggered
//     or its polling interval elapses.
//   - A `PushService` running a `PushProducer` over a store change feed while holding
//     a distributed lock.
//   - A `Producer` claiming batches from a `BatchFetcher`, handing them to a `Dispatcher`
//     and completing them with the delivered subset.
//
// Store adapters live in the sqlstore, pgxstore and mongostore packages, broker targets in
// the targets package. Consumers must be idempotent: a message may be delivered more than once.
package outbox
