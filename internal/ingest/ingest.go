// Package ingest implements the Message Ingestion interface from
// spec.md §6: a restartable producer of events that the consumer pool
// resolves to entity ids and turns into one REFRESH_ENTITY task per
// distinct entity.
package ingest

import "context"

// Event is one ingested message. Exactly one of (DataSource+RecordID)
// or EntityID is expected to be set; when only a record key is given,
// the consumer falls back to an engine lookup to materialize the
// entity id (spec.md §6).
type Event struct {
	DataSource string
	RecordID   string
	EntityID   int64
}

// HasRecordKey reports whether this event names a record rather than
// an entity directly.
func (e Event) HasRecordKey() bool {
	return e.EntityID == 0 && e.DataSource != ""
}

// Source is a restartable sequence of ingestion events.
type Source interface {
	Events(ctx context.Context) (<-chan Event, error)
}

// Batch groups a run of events with ack/nack hooks. Nothing in this
// repository produces or drains a Batch: TablePoller marks each inbox
// row consumed as soon as its event is handed to the events channel,
// so a failed refresh does not redeliver the row or its batch.
type Batch struct {
	Events []Event
	Ack    func(ctx context.Context) error
	Nack   func(ctx context.Context) error
}
