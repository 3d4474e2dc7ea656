package refresh

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/senzing-garage/data-mart-replicator/internal/delta"
	"github.com/senzing-garage/data-mart-replicator/internal/scheduler"
)

// Bootstrapper implements SPEC_FULL.md §10's startup reconciliation
// sweep: a crash mid-transaction can leave a sz_dm_locks row claimed
// (modifier_id set, claimed_at stamped) without the corresponding
// refresh ever committing or rolling back cleanly enough to release
// it. On process start, any claim older than Staleness is treated as
// abandoned and the entity or relationship it names is re-enqueued for
// a fresh refresh.
type Bootstrapper struct {
	DB        *sql.DB
	Scheduler scheduler.Scheduler

	// Staleness is how old a lock claim must be before it is considered
	// abandoned. Defaults to 10 minutes.
	Staleness time.Duration
}

func (b *Bootstrapper) staleness() time.Duration {
	if b.Staleness <= 0 {
		return 10 * time.Minute
	}
	return b.Staleness
}

// Sweep scans sz_dm_locks for stale claims and schedules a
// refresh-entity task for every entity they reference.
func (b *Bootstrapper) Sweep(ctx context.Context) error {
	cutoff := time.Now().Add(-b.staleness()).UTC().Format(time.RFC3339)

	rows, err := b.DB.QueryContext(ctx, `
		SELECT resource_key FROM sz_dm_locks
		WHERE modifier_id != '' AND claimed_at != '' AND claimed_at < ?
	`, cutoff)
	if err != nil {
		return fmt.Errorf("bootstrapper: query stale locks: %w", err)
	}
	defer rows.Close()

	entityIDs := map[int64]struct{}{}
	for rows.Next() {
		var resourceKey string
		if err := rows.Scan(&resourceKey); err != nil {
			return fmt.Errorf("bootstrapper: scan stale lock: %w", err)
		}
		for _, id := range entityIDsForResourceKey(resourceKey) {
			entityIDs[id] = struct{}{}
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("bootstrapper: iterate stale locks: %w", err)
	}

	slog.Info("startup reconciliation sweep", "component", "refresh", "stale_entities", len(entityIDs))

	for id := range entityIDs {
		resourceKey := fmt.Sprintf("entity:%d", id)
		params := scheduler.TaskParams{"entity_id": fmt.Sprintf("%d", id)}
		if err := b.Scheduler.Schedule(ctx, scheduler.ActionRefreshEntity, resourceKey, params); err != nil {
			return fmt.Errorf("bootstrapper: schedule entity %d: %w", id, err)
		}
	}
	return nil
}

// entityIDsForResourceKey recovers the entity id(s) a stale resource
// key names: a RECORD key doesn't name an entity directly, so it is
// skipped (the record's owning entity will surface via its own
// relation/record claims if still abandoned); a RELATIONSHIP key names
// both endpoints.
func entityIDsForResourceKey(resourceKey string) []int64 {
	parts := strings.Split(resourceKey, "|")
	if len(parts) != 3 || parts[0] != string(delta.ResourceRelationship) {
		return nil
	}
	lo, err1 := strconv.ParseInt(parts[1], 10, 64)
	hi, err2 := strconv.ParseInt(parts[2], 10, 64)
	if err1 != nil || err2 != nil {
		return nil
	}
	return []int64{lo, hi}
}
