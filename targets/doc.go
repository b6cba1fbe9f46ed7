// Package targets provides outbox.TargetProducer implementations for message brokers.
//
// Each producer publishes the payload of a message together with headers carrying the message
// id, its type and the pairs of its observability context. Producers stop at the first failing
// message and report the messages delivered before it, so the rest stays in the outbox.
package targets
