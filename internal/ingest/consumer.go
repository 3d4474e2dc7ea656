package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/senzing-garage/data-mart-replicator/internal/engine"
	"github.com/senzing-garage/data-mart-replicator/internal/scheduler"
)

// Consumer drains a Source, materializes an entity id per event
// (falling back to an engine lookup when only a record key is given,
// spec.md §6), and schedules one REFRESH_ENTITY task per distinct
// entity. Several consumers can run against the same Source
// concurrently — consumer_parallelism (spec.md §5) — since scheduling
// is naturally deduplicated by resource key.
type Consumer struct {
	Engine    engine.Engine
	Scheduler scheduler.Scheduler
}

// Run drains events until ctx is cancelled or the channel closes.
func (c *Consumer) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := c.handle(ctx, ev); err != nil {
				slog.Error("ingest: failed to materialize event", "component", "ingest", "error", err)
			}
		}
	}
}

func (c *Consumer) handle(ctx context.Context, ev Event) error {
	entityID := ev.EntityID
	if ev.HasRecordKey() {
		snap, err := c.Engine.GetEntityByRecordKey(ctx, engine.RecordKey{DataSource: ev.DataSource, RecordID: ev.RecordID})
		if err == engine.ErrNotFound || (err == nil && snap == nil) {
			// Record no longer resolves to any entity — nothing to refresh.
			return nil
		}
		if err != nil {
			return fmt.Errorf("resolve record key %s/%s: %w", ev.DataSource, ev.RecordID, err)
		}
		entityID = snap.EntityID
	}
	if entityID == 0 {
		return fmt.Errorf("ingest: event resolved to no entity id")
	}

	resourceKey := fmt.Sprintf("entity:%d", entityID)
	return c.Scheduler.Schedule(ctx, scheduler.ActionRefreshEntity, resourceKey, scheduler.TaskParams{
		"entity_id": fmt.Sprintf("%d", entityID),
	})
}
