package refresh

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/senzing-garage/data-mart-replicator/internal/engine"
	"github.com/senzing-garage/data-mart-replicator/internal/hash"
	"github.com/senzing-garage/data-mart-replicator/internal/opid"
	"github.com/senzing-garage/data-mart-replicator/internal/scheduler"
)

// RelationFallbackHandler implements spec.md §4.5's Refresh-Relation
// Fallback, registered as a second TaskHandler under
// scheduler.ActionRefreshRelation. Per the Open Question #3 resolution
// (SPEC_FULL.md §12), this is implemented rather than omitted so the
// Engine's FindPath surface and a second scheduler task kind both get
// exercised.
//
// This handler performs a targeted patch of the relationship row only:
// it does not recompute the owning entities' DSS/CSS report deltas
// itself (spec.md §4.5 notes the two paths are "interchangeable" —
// a full refresh-entity follow-up on the related entity, scheduled
// here, is what eventually reconciles those aggregate deltas).
type RelationFallbackHandler struct {
	DB        *sql.DB
	Engine    engine.Engine
	Scheduler scheduler.Scheduler
}

// Handle implements scheduler.TaskHandler for scheduler.ActionRefreshRelation.
func (h *RelationFallbackHandler) Handle(ctx context.Context, task scheduler.Task) error {
	entityID, err := parseEntityID(task.Params["entity_id"])
	if err != nil {
		return &MalformedInputError{Op: "RelationFallback", Reason: err.Error()}
	}
	relatedID, err := parseEntityID(task.Params["related_id"])
	if err != nil {
		return &MalformedInputError{Op: "RelationFallback", Reason: err.Error()}
	}

	related, err := h.Engine.FindPath(ctx, entityID, relatedID, 1)
	if err != nil && !errors.Is(err, engine.ErrNotFound) {
		return &EngineUnavailableError{Op: "FindPath", Err: err}
	}

	lo, hi := entityID, relatedID
	if lo > hi {
		lo, hi = hi, lo
	}

	tx, err := h.DB.BeginTx(ctx, nil)
	if err != nil {
		return &TransientError{Op: "RelationFallback", Err: err}
	}
	defer tx.Rollback()

	if related == nil {
		if err := deleteRelationRow(ctx, tx, lo, hi); err != nil {
			return &TransientError{Op: "RelationFallback.delete", Err: err}
		}
	} else {
		if err := upsertRelationRow(ctx, tx, lo, hi, *related); err != nil {
			return &TransientError{Op: "RelationFallback.upsert", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &TransientError{Op: "RelationFallback.commit", Err: err}
	}

	resourceKey := fmt.Sprintf("entity:%d", relatedID)
	params := scheduler.TaskParams{"entity_id": fmt.Sprintf("%d", relatedID)}
	if err := h.Scheduler.Schedule(ctx, scheduler.ActionRefreshEntity, resourceKey, params); err != nil {
		return &TransientError{Op: "RelationFallback.scheduleFollowUp", Err: err}
	}
	return nil
}

func deleteRelationRow(ctx context.Context, tx *sql.Tx, lo, hi int64) error {
	opID := opid.New()
	if _, err := tx.ExecContext(ctx, `
		UPDATE sz_dm_relation SET modifier_id = ? WHERE entity_id = ? AND related_id = ?
	`, opID, lo, hi); err != nil {
		return fmt.Errorf("claim relation (%d,%d): %w", lo, hi, err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM sz_dm_relation WHERE entity_id = ? AND related_id = ? AND modifier_id = ?
	`, lo, hi, opID); err != nil {
		return fmt.Errorf("delete relation (%d,%d): %w", lo, hi, err)
	}
	return nil
}

func upsertRelationRow(ctx context.Context, tx *sql.Tx, lo, hi int64, related hash.RelatedEntity) error {
	opID := opid.New()
	newHash := hash.RelationHash(related)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sz_dm_relation (entity_id, related_id, match_level, match_key, match_type, relation_hash, prev_relation_hash, creator_id, modifier_id)
		VALUES (?, ?, ?, ?, ?, ?, '', ?, ?)
		ON CONFLICT (entity_id, related_id) DO UPDATE SET
			match_level = excluded.match_level,
			match_key = excluded.match_key,
			match_type = excluded.match_type,
			prev_relation_hash = sz_dm_relation.relation_hash,
			relation_hash = excluded.relation_hash,
			modifier_id = excluded.modifier_id
		WHERE sz_dm_relation.relation_hash != excluded.relation_hash
	`, lo, hi, related.MatchLevel, related.MatchKey, related.MatchType, newHash, opID, opID); err != nil {
		return fmt.Errorf("upsert relation (%d,%d): %w", lo, hi, err)
	}
	return nil
}
