package ingest

import "context"

// Broker is the documented extension point for a message-broker-backed
// Source (e.g. Kafka, NATS, SQS): a production deployment wires its own
// adapter satisfying this interface and Source. It is not implemented
// here — the pull-queue and table-poll variants cover the pack's
// retrieval and replay needs, and a broker adapter is necessarily
// specific to the broker chosen at deploy time.
type Broker interface {
	Source

	// Ack confirms delivery of events up to and including the given
	// offset, allowing the broker to advance its consumer group.
	Ack(ctx context.Context, offset string) error

	// Close releases any underlying connection/subscription.
	Close() error
}
