// Package report implements the Report Aggregator (spec.md §4.6): the
// per-report-key task that leases pending deltas, folds their signed
// sums into the aggregate row, and — for the DSS entity-count report —
// performs orphan reconciliation against the External Engine.
package report

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/senzing-garage/data-mart-replicator/internal/delta"
	"github.com/senzing-garage/data-mart-replicator/internal/engine"
	"github.com/senzing-garage/data-mart-replicator/internal/mart"
	"github.com/senzing-garage/data-mart-replicator/internal/opid"
	"github.com/senzing-garage/data-mart-replicator/internal/scheduler"
)

// Aggregator is the single writer per report_key (spec.md §4.6's
// closing line); the scheduler's resource-key deduplication is what
// actually guarantees that, by coalescing concurrent schedule calls
// for the same key into one in-flight task.
type Aggregator struct {
	DB        *sql.DB
	Engine    engine.Engine
	Scheduler scheduler.Scheduler
}

// summary is the aggregate row's summary_json payload: there is
// nothing ecosystem-shaped about a three-field totals snapshot, so
// this stays on encoding/json (justified in DESIGN.md) rather than
// reaching for a schema-heavy serialization library.
type summary struct {
	EntityCount   int `json:"entity_count"`
	RecordCount   int `json:"record_count"`
	RelationCount int `json:"relation_count"`
}

// Handle implements scheduler.TaskHandler for all four
// UPDATE_*_SUMMARY/BREAKDOWN actions; the report_key parameter
// determines which report row is folded.
func (a *Aggregator) Handle(ctx context.Context, task scheduler.Task) error {
	reportKeyStr, ok := task.Params["report_key"]
	if !ok || reportKeyStr == "" {
		return fmt.Errorf("report: missing report_key parameter")
	}
	reportKey, err := mart.ParseReportKey(reportKeyStr)
	if err != nil {
		return fmt.Errorf("report: %w", err)
	}

	opID := opid.New()
	tx, err := a.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("report: begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Step 1 — lease pending rows for this key.
	if _, err := tx.ExecContext(ctx, `
		UPDATE sz_dm_pending_report SET modifier_id = ? WHERE report_key = ? AND modifier_id IS NULL
	`, opID, reportKeyStr); err != nil {
		return fmt.Errorf("report: lease pending rows: %w", err)
	}

	// Step 2 — sum signed deltas.
	var entityDelta, recordDelta, relationDelta sql.NullInt64
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(entity_delta), 0), COALESCE(SUM(record_delta), 0), COALESCE(SUM(relation_delta), 0)
		FROM sz_dm_pending_report WHERE report_key = ? AND modifier_id = ?
	`, reportKeyStr, opID).Scan(&entityDelta, &recordDelta, &relationDelta); err != nil {
		return fmt.Errorf("report: sum pending deltas: %w", err)
	}
	entitySum := int(entityDelta.Int64)
	recordSum := int(recordDelta.Int64)
	relationSum := int(relationDelta.Int64)

	// Step 3 — DSS ENTITY_COUNT override: orphan reconciliation.
	if reportKey.Code == delta.ReportDSS && reportKey.Statistic == delta.StatEntityCount {
		adjustment, err := a.reconcileOrphans(ctx, tx, reportKey.Source1)
		if err != nil {
			return fmt.Errorf("report: orphan reconciliation: %w", err)
		}
		entitySum += adjustment
	}

	// Step 4 — upsert the aggregate row.
	if err := upsertReportRow(ctx, tx, reportKeyStr, entitySum, recordSum, relationSum); err != nil {
		return fmt.Errorf("report: upsert aggregate row: %w", err)
	}

	// Step 5 — delete the leased pending rows.
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM sz_dm_pending_report WHERE report_key = ? AND modifier_id = ?
	`, reportKeyStr, opID); err != nil {
		return fmt.Errorf("report: delete leased pending rows: %w", err)
	}

	// Step 6 — commit.
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("report: commit: %w", err)
	}

	slog.Info("report aggregated",
		"component", "report",
		"report_key", reportKeyStr,
		"entity_delta", entitySum,
		"record_delta", recordSum,
		"relation_delta", relationSum,
	)
	return nil
}

func upsertReportRow(ctx context.Context, tx *sql.Tx, reportKeyStr string, entityDelta, recordDelta, relationDelta int) error {
	var existing summary
	var existingJSON sql.NullString
	err := tx.QueryRowContext(ctx, `SELECT summary_json FROM sz_dm_report WHERE report_key = ?`, reportKeyStr).Scan(&existingJSON)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("read existing report row: %w", err)
	}
	if existingJSON.Valid && existingJSON.String != "" {
		if err := json.Unmarshal([]byte(existingJSON.String), &existing); err != nil {
			return fmt.Errorf("unmarshal existing summary_json: %w", err)
		}
	}

	next := summary{
		EntityCount:   existing.EntityCount + entityDelta,
		RecordCount:   existing.RecordCount + recordDelta,
		RelationCount: existing.RelationCount + relationDelta,
	}
	nextJSON, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("marshal summary_json: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sz_dm_report (report_key, entity_count, record_count, relation_count, summary_json)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (report_key) DO UPDATE SET
			entity_count = sz_dm_report.entity_count + excluded.entity_count,
			record_count = sz_dm_report.record_count + excluded.record_count,
			relation_count = sz_dm_report.relation_count + excluded.relation_count,
			summary_json = excluded.summary_json
	`, reportKeyStr, entityDelta, recordDelta, relationDelta, string(nextJSON))
	if err != nil {
		return fmt.Errorf("upsert report row: %w", err)
	}
	return nil
}

// reconcileOrphans implements spec.md §4.6 step 3 for source s: every
// orphaned record from that source is re-checked against the engine,
// deleted if truly gone, re-adopted if its entity already exists here,
// or left for the next pass (with a refresh-entity follow-up queued)
// if the engine's entity hasn't been replicated yet.
func (a *Aggregator) reconcileOrphans(ctx context.Context, tx *sql.Tx, source string) (int, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT record_id FROM sz_dm_record WHERE entity_id = 0 AND data_source = ?
	`, source)
	if err != nil {
		return 0, fmt.Errorf("query orphans: %w", err)
	}
	var recordIDs []string
	for rows.Next() {
		var recordID string
		if err := rows.Scan(&recordID); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan orphan: %w", err)
		}
		recordIDs = append(recordIDs, recordID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("iterate orphans: %w", err)
	}
	rows.Close()

	readopted := 0
	for _, recordID := range recordIDs {
		snap, err := a.Engine.GetEntityByRecordKey(ctx, engine.RecordKey{DataSource: source, RecordID: recordID})
		if err != nil && err != engine.ErrNotFound {
			return readopted, fmt.Errorf("engine lookup (%s,%s): %w", source, recordID, err)
		}
		if err == engine.ErrNotFound || snap == nil {
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM sz_dm_record WHERE data_source = ? AND record_id = ? AND entity_id = 0
			`, source, recordID); err != nil {
				return readopted, fmt.Errorf("delete gone record (%s,%s): %w", source, recordID, err)
			}
			continue
		}

		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sz_dm_entity WHERE entity_id = ?`, snap.EntityID).Scan(&exists); err != nil {
			return readopted, fmt.Errorf("check entity existence %d: %w", snap.EntityID, err)
		}
		if exists > 0 {
			res, err := tx.ExecContext(ctx, `
				UPDATE sz_dm_record SET entity_id = ? WHERE data_source = ? AND record_id = ? AND entity_id = 0
			`, snap.EntityID, source, recordID)
			if err != nil {
				return readopted, fmt.Errorf("re-adopt record (%s,%s): %w", source, recordID, err)
			}
			if affected, _ := res.RowsAffected(); affected > 0 {
				readopted++
			}
			continue
		}

		// Entity not yet replicated: schedule a refresh and leave the
		// orphan row for the next aggregation pass.
		resourceKey := fmt.Sprintf("entity:%d", snap.EntityID)
		params := scheduler.TaskParams{"entity_id": fmt.Sprintf("%d", snap.EntityID)}
		if err := a.Scheduler.Schedule(ctx, scheduler.ActionRefreshEntity, resourceKey, params); err != nil {
			return readopted, fmt.Errorf("schedule refresh for unreplicated entity %d: %w", snap.EntityID, err)
		}
	}
	return readopted, nil
}
