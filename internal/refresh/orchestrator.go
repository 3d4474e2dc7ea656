package refresh

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/senzing-garage/data-mart-replicator/internal/delta"
	"github.com/senzing-garage/data-mart-replicator/internal/engine"
	"github.com/senzing-garage/data-mart-replicator/internal/hash"
	"github.com/senzing-garage/data-mart-replicator/internal/mart"
	"github.com/senzing-garage/data-mart-replicator/internal/opid"
	"github.com/senzing-garage/data-mart-replicator/internal/scheduler"
)

// reportActions maps a report code to the aggregator task action that
// owns it, so the orchestrator can fan follow-up schedule calls out to
// the right handler (spec.md §4.4 step 4).
var reportActions = map[delta.ReportCode]scheduler.TaskAction{
	delta.ReportDSS: scheduler.ActionUpdateDSS,
	delta.ReportCSS: scheduler.ActionUpdateCSS,
	delta.ReportESB: scheduler.ActionUpdateESB,
	delta.ReportERB: scheduler.ActionUpdateERB,
}

// Orchestrator is the Refresh Orchestrator (spec.md §4.4): one
// TaskHandler per entity refresh, wrapping the Engine fetch, the
// Entity Delta Computer, and the Persistence Layer in a retried,
// classified-error pipeline.
type Orchestrator struct {
	DB        *sql.DB
	Engine    engine.Engine
	Scheduler scheduler.Scheduler

	// Backoff is the retry policy for TransientError/EngineUnavailableError.
	// Defaults to a bounded exponential backoff if nil.
	Backoff func() backoff.BackOff
}

func (o *Orchestrator) backoffPolicy() backoff.BackOff {
	if o.Backoff != nil {
		return o.Backoff()
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	return backoff.WithMaxRetries(b, 5)
}

// Handle implements scheduler.TaskHandler for scheduler.ActionRefreshEntity.
func (o *Orchestrator) Handle(ctx context.Context, task scheduler.Task) error {
	entityIDStr, ok := task.Params["entity_id"]
	if !ok || entityIDStr == "" {
		return &MalformedInputError{Op: "Handle", Reason: "missing entity_id parameter"}
	}
	entityID, err := parseEntityID(entityIDStr)
	if err != nil {
		return &MalformedInputError{Op: "Handle", Reason: err.Error()}
	}

	return backoff.Retry(func() error {
		err := o.refreshOnce(ctx, entityID)
		if err == nil {
			return nil
		}
		var transient *TransientError
		var unavailable *EngineUnavailableError
		if errors.As(err, &transient) || errors.As(err, &unavailable) {
			return err // retried by backoff.Retry
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(o.backoffPolicy(), ctx))
}

// refreshOnce is one attempt at spec.md §4.4 steps 2-5.
func (o *Orchestrator) refreshOnce(ctx context.Context, entityID int64) error {
	oldSnapshot, err := o.loadOldSnapshot(ctx, entityID)
	if err != nil {
		return err
	}

	newSnapshot, err := o.Engine.GetEntityByID(ctx, entityID)
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			newSnapshot = nil
		} else {
			return &EngineUnavailableError{Op: "GetEntityByID", Err: err}
		}
	}

	if oldSnapshot == nil && newSnapshot == nil {
		// Nothing to reconcile: the engine and the mart agree the
		// entity doesn't exist. Not an error, just a no-op task.
		slog.Debug("refresh no-op: entity unknown on both sides", "component", "refresh", "entity_id", entityID)
		return nil
	}

	d, err := delta.Compute(oldSnapshot, newSnapshot)
	if err != nil {
		return &InvariantViolationError{Op: "Compute", Reason: err.Error()}
	}

	opID := opid.New()
	result, err := mart.Persist(ctx, o.DB, opID, d)
	if err != nil {
		var marterr *mart.InvariantViolationError
		if errors.As(err, &marterr) {
			return &InvariantViolationError{Op: "Persist", Reason: marterr.Error()}
		}
		return &TransientError{Op: "Persist", Err: err}
	}

	slog.Info("entity refreshed",
		"component", "refresh",
		"entity_id", entityID,
		"deleted", result.EntityDeleted,
		"follow_ups", len(result.FollowUpEntityIDs),
		"report_keys", len(result.ReportKeys),
	)

	return o.scheduleFollowUps(ctx, result)
}

// loadOldSnapshot reconstructs the previously replicated entity state
// by parsing the stored entity_hash — nil, nil if the entity has never
// been observed (spec.md §4.3 step 2's "prior state").
func (o *Orchestrator) loadOldSnapshot(ctx context.Context, entityID int64) (*hash.Snapshot, error) {
	var storedHash string
	err := o.DB.QueryRowContext(ctx, `SELECT entity_hash FROM sz_dm_entity WHERE entity_id = ?`, entityID).Scan(&storedHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &TransientError{Op: "loadOldSnapshot", Err: err}
	}
	snap, err := hash.ParseHash(storedHash)
	if err != nil {
		return nil, &MalformedInputError{Op: "loadOldSnapshot", Reason: err.Error()}
	}
	return &snap, nil
}

// scheduleFollowUps implements spec.md §4.4 step 4: one refresh-entity
// task per distinct related entity id, one aggregator task per
// distinct report key.
func (o *Orchestrator) scheduleFollowUps(ctx context.Context, result *mart.Result) error {
	for _, id := range result.FollowUpEntityIDs {
		resourceKey := fmt.Sprintf("entity:%d", id)
		params := scheduler.TaskParams{"entity_id": fmt.Sprintf("%d", id)}
		if err := o.Scheduler.Schedule(ctx, scheduler.ActionRefreshEntity, resourceKey, params); err != nil {
			return &TransientError{Op: "scheduleFollowUps", Err: err}
		}
	}

	seen := map[string]struct{}{}
	for _, key := range result.ReportKeys {
		keyStr := key.String()
		if _, ok := seen[keyStr]; ok {
			continue
		}
		seen[keyStr] = struct{}{}

		action, ok := reportActions[key.Code]
		if !ok {
			continue
		}
		params := scheduler.TaskParams{"report_key": keyStr}
		if err := o.Scheduler.Schedule(ctx, action, keyStr, params); err != nil {
			return &TransientError{Op: "scheduleFollowUps", Err: err}
		}
	}
	return nil
}

func parseEntityID(s string) (int64, error) {
	var id int64
	if _, err := fmt.Sscanf(s, "%d", &id); err != nil {
		return 0, fmt.Errorf("unparseable entity_id %q: %w", s, err)
	}
	return id, nil
}
