package mart

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/senzing-garage/data-mart-replicator/internal/delta"
	"github.com/senzing-garage/data-mart-replicator/internal/hash"
	"github.com/senzing-garage/data-mart-replicator/internal/lock"
)

// Result is what Persist reports back to the Refresh Orchestrator: the
// entity ids needing a follow-up refresh and the distinct report keys
// whose pending rows need an aggregator pass.
type Result struct {
	FollowUpEntityIDs []int64
	ReportKeys        []delta.ReportKey
	EntityDeleted     bool
}

// Persist implements spec.md §4.3's nine steps inside a single
// transaction. opID is the caller's operation id (internal/opid),
// stamped into every row this task claims so post-commit readback can
// tell this task's writes apart from a concurrent refresh's.
func Persist(ctx context.Context, db *sql.DB, opID string, d *delta.Delta) (*Result, error) {
	tx, err := beginReadCommitted(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	result := &Result{EntityDeleted: d.NewEntity == nil}
	entityID := currentEntityID(d)

	// Step 1 — enroll locks, in the delta's canonical order.
	if err := lock.AcquireAll(ctx, tx, opID, d.ResourceKeys); err != nil {
		return nil, fmt.Errorf("step 1 (enroll locks): %w", err)
	}

	// Step 2 — entity row.
	priorRecordCount, changed, err := upsertOrClaimEntity(ctx, tx, opID, d)
	if err != nil {
		return nil, fmt.Errorf("step 2 (entity row): %w", err)
	}

	if !changed {
		// Open Question #1: a 0-row entity-upsert result still runs the
		// relation integrity sweep rather than short-circuiting.
		followUps, err := sweepRelationIntegrity(ctx, tx, entityID, d.NewEntity)
		if err != nil {
			return nil, fmt.Errorf("step 7 (relation integrity sweep): %w", err)
		}
		result.FollowUpEntityIDs = followUps
		if err := lock.Release(ctx, tx, d.ResourceKeys); err != nil {
			return nil, fmt.Errorf("release locks: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit: %w", err)
		}
		return result, nil
	}

	// Step 3 — added records.
	if err := applyAddedRecords(ctx, tx, opID, d); err != nil {
		return nil, fmt.Errorf("step 3 (added records): %w", err)
	}

	// Step 4 — removed records.
	if err := applyRemovedRecords(ctx, tx, opID, entityID, d); err != nil {
		return nil, fmt.Errorf("step 4 (removed records): %w", err)
	}

	// Step 5 — added/changed relationships.
	addedFollowUps, err := applyAddedChangedRelations(ctx, tx, opID, entityID, priorRecordCount, d)
	if err != nil {
		return nil, fmt.Errorf("step 5 (added/changed relationships): %w", err)
	}
	result.FollowUpEntityIDs = append(result.FollowUpEntityIDs, addedFollowUps...)

	// Step 6 — removed relationships.
	removedFollowUps, err := applyRemovedRelations(ctx, tx, opID, entityID, priorRecordCount, d)
	if err != nil {
		return nil, fmt.Errorf("step 6 (removed relationships): %w", err)
	}
	result.FollowUpEntityIDs = append(result.FollowUpEntityIDs, removedFollowUps...)

	// Step 7 — relation integrity sweep.
	sweepFollowUps, err := sweepRelationIntegrity(ctx, tx, entityID, d.NewEntity)
	if err != nil {
		return nil, fmt.Errorf("step 7 (relation integrity sweep): %w", err)
	}
	result.FollowUpEntityIDs = append(result.FollowUpEntityIDs, sweepFollowUps...)

	// Step 8 — pending report deltas (final counts, after steps 3-6's callbacks).
	reportKeys, err := insertPendingReportDeltas(ctx, tx, d)
	if err != nil {
		return nil, fmt.Errorf("step 8 (pending report deltas): %w", err)
	}
	result.ReportKeys = reportKeys

	// Entity deletion: the row was claimed in step 2; now that every
	// child row has been reconciled, remove it.
	if d.NewEntity == nil {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM sz_dm_entity WHERE entity_id = ? AND modifier_id = ?
		`, entityID, opID); err != nil {
			return nil, fmt.Errorf("delete entity row: %w", err)
		}
	}

	// Step 9 — commit. The lock rows' holder stamps are cleared inside
	// this transaction, so the claims are released exactly when it commits.
	if err := lock.Release(ctx, tx, d.ResourceKeys); err != nil {
		return nil, fmt.Errorf("step 9 (release locks): %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("step 9 (commit): %w", err)
	}

	result.FollowUpEntityIDs = dedupeInt64(result.FollowUpEntityIDs)
	return result, nil
}

func beginReadCommitted(ctx context.Context, db *sql.DB) (*sql.Tx, error) {
	tx, err := db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err == nil {
		return tx, nil
	}
	// modernc.org/sqlite does not honor arbitrary isolation hints; fall
	// back to the driver default. SQLite serializes writers at the
	// connection-pool level, a conservative superset of READ_COMMITTED.
	return db.BeginTx(ctx, nil)
}

func currentEntityID(d *delta.Delta) int64 {
	if d.NewEntity != nil {
		return d.NewEntity.EntityID
	}
	return d.OldEntity.EntityID
}

// upsertOrClaimEntity implements step 2. It returns the entity's
// record_count *before* this transaction's write (used by step 5/6 as
// a coarse stand-in for "my source weight" when the callbacks need a
// prior-state count) and whether the row was actually changed.
func upsertOrClaimEntity(ctx context.Context, tx *sql.Tx, opID string, d *delta.Delta) (priorRecordCount int, changed bool, err error) {
	entityID := currentEntityID(d)

	var existingRecordCount sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT record_count FROM sz_dm_entity WHERE entity_id = ?`, entityID).Scan(&existingRecordCount); err != nil && err != sql.ErrNoRows {
		return 0, false, fmt.Errorf("read prior entity row: %w", err)
	}
	if existingRecordCount.Valid {
		priorRecordCount = int(existingRecordCount.Int64)
	}

	if d.NewEntity == nil {
		if !existingRecordCount.Valid {
			// Nothing to delete; treat as a no-op so the caller still
			// runs the integrity sweep.
			return priorRecordCount, false, nil
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE sz_dm_entity SET modifier_id = ? WHERE entity_id = ?
		`, opID, entityID)
		if err != nil {
			return 0, false, fmt.Errorf("claim entity row for delete: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return 0, false, fmt.Errorf("rows affected: %w", err)
		}
		if affected != 1 {
			// The read above saw the row inside this same transaction, and
			// step 1's locks guarantee no concurrent refresh can touch it
			// without first claiming this resource key. A claim that
			// doesn't land means the row vanished some other way.
			return 0, false, &InvariantViolationError{
				Step:   "upsertOrClaimEntity",
				Reason: fmt.Sprintf("expected to claim exactly 1 entity row for entity %d, affected %d", entityID, affected),
			}
		}
		return priorRecordCount, true, nil
	}

	snap := d.NewEntity.Sorted()
	newHash := hash.ToHash(snap)

	res, err := tx.ExecContext(ctx, `
		INSERT INTO sz_dm_entity (entity_id, entity_name, record_count, relation_count, entity_hash, prev_entity_hash, creator_id, modifier_id)
		VALUES (?, ?, ?, ?, ?, '', ?, ?)
		ON CONFLICT (entity_id) DO UPDATE SET
			entity_name = excluded.entity_name,
			record_count = excluded.record_count,
			relation_count = excluded.relation_count,
			prev_entity_hash = sz_dm_entity.entity_hash,
			entity_hash = excluded.entity_hash,
			modifier_id = excluded.modifier_id
		WHERE sz_dm_entity.entity_hash != excluded.entity_hash
	`, snap.EntityID, snap.EntityName, len(snap.Records), len(snap.Related), newHash, opID, opID)
	if err != nil {
		return 0, false, fmt.Errorf("upsert entity row: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("rows affected: %w", err)
	}
	return priorRecordCount, affected > 0, nil
}

// applyAddedRecords implements step 3.
func applyAddedRecords(ctx context.Context, tx *sql.Tx, opID string, d *delta.Delta) error {
	entityID := currentEntityID(d)
	for _, r := range d.AddedRecords {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sz_dm_record (data_source, record_id, entity_id, match_key, errule_code, prev_entity_id, creator_id, modifier_id, adopter_id)
			VALUES (?, ?, ?, ?, ?, 0, ?, ?, '')
			ON CONFLICT (data_source, record_id) DO UPDATE SET
				prev_entity_id = sz_dm_record.entity_id,
				entity_id = excluded.entity_id,
				match_key = excluded.match_key,
				errule_code = excluded.errule_code,
				adopter_id = CASE WHEN sz_dm_record.entity_id = 0 THEN excluded.modifier_id ELSE sz_dm_record.adopter_id END,
				modifier_id = excluded.modifier_id
		`, r.DataSource, r.RecordID, entityID, r.MatchKey, r.Principle, opID, opID); err != nil {
			return fmt.Errorf("upsert record (%s,%s): %w", r.DataSource, r.RecordID, err)
		}

		var creatorID string
		if err := tx.QueryRowContext(ctx, `
			SELECT creator_id FROM sz_dm_record WHERE data_source = ? AND record_id = ?
		`, r.DataSource, r.RecordID).Scan(&creatorID); err != nil {
			return fmt.Errorf("read back record (%s,%s): %w", r.DataSource, r.RecordID, err)
		}
		if creatorID == opID {
			if err := d.MarkCreated(r.DataSource, r.RecordID); err != nil {
				return fmt.Errorf("markCreated(%s,%s): %w", r.DataSource, r.RecordID, err)
			}
		}
	}
	return nil
}

// applyRemovedRecords implements step 4.
func applyRemovedRecords(ctx context.Context, tx *sql.Tx, opID string, entityID int64, d *delta.Delta) error {
	for _, r := range d.RemovedRecords {
		res, err := tx.ExecContext(ctx, `
			UPDATE sz_dm_record SET entity_id = 0, modifier_id = ?
			WHERE data_source = ? AND record_id = ? AND entity_id = ?
		`, opID, r.DataSource, r.RecordID, entityID)
		if err != nil {
			return fmt.Errorf("orphan record (%s,%s): %w", r.DataSource, r.RecordID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			// Already moved on under a concurrent refresh; leave it alone.
			continue
		}
		if err := d.MarkOrphaned(r.DataSource, r.RecordID); err != nil {
			return fmt.Errorf("markOrphaned(%s,%s): %w", r.DataSource, r.RecordID, err)
		}
	}
	return nil
}

func orientedKey(entityID, relatedID int64) (lo, hi int64) {
	if entityID < relatedID {
		return entityID, relatedID
	}
	return relatedID, entityID
}

// checkDistinctRelation enforces that a relationship row is always
// between two different entities. The resolver never reports an
// entity as related to itself; a delta claiming otherwise means the
// upstream snapshot is corrupt, not that a retry would help.
func checkDistinctRelation(step string, entityID, relatedID int64) error {
	if entityID == relatedID {
		return &InvariantViolationError{
			Step:   step,
			Reason: fmt.Sprintf("entity %d related to itself", entityID),
		}
	}
	return nil
}

// applyAddedChangedRelations implements step 5.
func applyAddedChangedRelations(ctx context.Context, tx *sql.Tx, opID string, entityID int64, priorMyCount int, d *delta.Delta) ([]int64, error) {
	var followUps []int64

	touch := func(rel hash.RelatedEntity) error {
		if err := checkDistinctRelation("applyAddedChangedRelations", entityID, rel.RelatedID); err != nil {
			return err
		}
		lo, hi := orientedKey(entityID, rel.RelatedID)
		newHash := hash.RelationHash(rel)

		var priorHash sql.NullString
		if err := tx.QueryRowContext(ctx, `
			SELECT relation_hash FROM sz_dm_relation WHERE entity_id = ? AND related_id = ?
		`, lo, hi).Scan(&priorHash); err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("read prior relation (%d,%d): %w", lo, hi, err)
		}

		res, err := tx.ExecContext(ctx, `
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
		`, lo, hi, rel.MatchLevel, rel.MatchKey, rel.MatchType, newHash, opID, opID)
		if err != nil {
			return fmt.Errorf("upsert relation (%d,%d): %w", lo, hi, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			return nil // idempotent replay, nothing actually changed
		}

		prevMatchType := ""
		prevRelatedCount := 0
		if priorHash.Valid {
			_, _, mt, srcs, err := hash.ParseRelationHash(priorHash.String)
			if err == nil {
				prevMatchType = mt
				prevRelatedCount = hash.SourceTotal(srcs)
			}
		}
		if err := d.TrackStoredRelationship(entityID, rel.RelatedID, prevMatchType, priorMyCount, prevRelatedCount); err != nil {
			return fmt.Errorf("trackStoredRelationship(%d,%d): %w", entityID, rel.RelatedID, err)
		}

		followUps = append(followUps, rel.RelatedID)
		return nil
	}

	for _, rel := range d.AddedRelations {
		if err := touch(rel); err != nil {
			return nil, err
		}
	}
	for _, cr := range d.ChangedRelations {
		if err := touch(cr.New); err != nil {
			return nil, err
		}
	}
	return followUps, nil
}

// applyRemovedRelations implements step 6.
func applyRemovedRelations(ctx context.Context, tx *sql.Tx, opID string, entityID int64, priorMyCount int, d *delta.Delta) ([]int64, error) {
	var followUps []int64
	for _, rel := range d.RemovedRelations {
		if err := checkDistinctRelation("applyRemovedRelations", entityID, rel.RelatedID); err != nil {
			return nil, err
		}
		lo, hi := orientedKey(entityID, rel.RelatedID)

		var curHash sql.NullString
		if err := tx.QueryRowContext(ctx, `
			SELECT relation_hash FROM sz_dm_relation WHERE entity_id = ? AND related_id = ?
		`, lo, hi).Scan(&curHash); err != nil {
			if err == sql.ErrNoRows {
				continue // already deleted by a concurrent refresh
			}
			return nil, fmt.Errorf("read relation (%d,%d): %w", lo, hi, err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE sz_dm_relation SET modifier_id = ? WHERE entity_id = ? AND related_id = ?
		`, opID, lo, hi); err != nil {
			return nil, fmt.Errorf("claim relation (%d,%d): %w", lo, hi, err)
		}
		res, err := tx.ExecContext(ctx, `
			DELETE FROM sz_dm_relation WHERE entity_id = ? AND related_id = ? AND modifier_id = ?
		`, lo, hi, opID)
		if err != nil {
			return nil, fmt.Errorf("delete relation (%d,%d): %w", lo, hi, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			continue
		}

		matchType, relatedCount := "", 0
		if curHash.Valid {
			_, _, mt, srcs, err := hash.ParseRelationHash(curHash.String)
			if err == nil {
				matchType = mt
				relatedCount = hash.SourceTotal(srcs)
			}
		}
		if matchType == "" {
			matchType = rel.MatchType
			relatedCount = hash.SourceTotal(rel.Sources)
		}
		if err := d.TrackDeletedRelationship(entityID, rel.RelatedID, matchType, priorMyCount, relatedCount); err != nil {
			return nil, fmt.Errorf("trackDeletedRelationship(%d,%d): %w", entityID, rel.RelatedID, err)
		}

		followUps = append(followUps, rel.RelatedID)
	}
	return followUps, nil
}

// sweepRelationIntegrity implements step 7: any relation row incident
// to entityID whose other end is not in the new snapshot's related set
// (and vice versa) gets a follow-up scheduled on that other end, so a
// concurrently-changing related entity is eventually reconciled.
func sweepRelationIntegrity(ctx context.Context, tx *sql.Tx, entityID int64, newEntity *hash.Snapshot) ([]int64, error) {
	want := map[int64]struct{}{}
	if newEntity != nil {
		for _, rel := range newEntity.Related {
			want[rel.RelatedID] = struct{}{}
		}
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT related_id FROM sz_dm_relation WHERE entity_id = ?
		UNION
		SELECT entity_id FROM sz_dm_relation WHERE related_id = ?
	`, entityID, entityID)
	if err != nil {
		return nil, fmt.Errorf("query incident relations: %w", err)
	}
	defer rows.Close()

	var mismatched []int64
	for rows.Next() {
		var other int64
		if err := rows.Scan(&other); err != nil {
			return nil, fmt.Errorf("scan incident relation: %w", err)
		}
		if _, ok := want[other]; !ok {
			mismatched = append(mismatched, other)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate incident relations: %w", err)
	}
	return mismatched, nil
}

// insertPendingReportDeltas implements step 8 and returns the distinct
// report keys touched, for the orchestrator to enqueue aggregator
// follow-ups against.
func insertPendingReportDeltas(ctx context.Context, tx *sql.Tx, d *delta.Delta) ([]delta.ReportKey, error) {
	seen := map[string]delta.ReportKey{}
	for _, u := range d.ReportUpdates {
		var relatedID sql.NullInt64
		if u.RelatedID != nil {
			relatedID = sql.NullInt64{Int64: *u.RelatedID, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sz_dm_pending_report (report_key, entity_delta, record_delta, relation_delta, entity_id, related_id)
			VALUES (?, ?, ?, ?, ?, ?)
		`, u.Key.String(), u.EntityDelta, u.RecordDelta, u.RelationDelta, u.EntityID, relatedID); err != nil {
			return nil, fmt.Errorf("insert pending report delta %s: %w", u.Key, err)
		}
		seen[u.Key.String()] = u.Key
	}

	keys := make([]delta.ReportKey, 0, len(seen))
	for _, k := range seen {
		keys = append(keys, k)
	}
	return keys, nil
}

func dedupeInt64(ids []int64) []int64 {
	seen := map[int64]struct{}{}
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
