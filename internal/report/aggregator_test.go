package report

import (
	"context"
	"database/sql"
	"testing"

	"github.com/senzing-garage/data-mart-replicator/internal/dbconn"
	"github.com/senzing-garage/data-mart-replicator/internal/engine"
	"github.com/senzing-garage/data-mart-replicator/internal/hash"
	"github.com/senzing-garage/data-mart-replicator/internal/scheduler"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := dbconn.Open(dbconn.Options{Path: ":memory:"})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

type noopEngine struct{}

func (noopEngine) GetEntityByID(context.Context, int64) (*hash.Snapshot, error) {
	return nil, engine.ErrNotFound
}
func (noopEngine) GetEntityByRecordKey(context.Context, engine.RecordKey) (*hash.Snapshot, error) {
	return nil, engine.ErrNotFound
}
func (noopEngine) FindPath(context.Context, int64, int64, int) (*hash.RelatedEntity, error) {
	return nil, engine.ErrNotFound
}

type noopScheduler struct{}

func (noopScheduler) RegisterHandler(scheduler.TaskAction, scheduler.TaskHandler) {}
func (noopScheduler) Schedule(context.Context, scheduler.TaskAction, string, scheduler.TaskParams) error {
	return nil
}
func (noopScheduler) Run(context.Context) error { return nil }
func (noopScheduler) Stats() scheduler.Stats    { return scheduler.Stats{} }

// S6: pending rows for ESB|3 of {+1,+1,-1} fold to a net +1 and the
// pending rows disappear.
func TestAggregator_S6_FoldsDeltas(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for _, d := range []int{1, 1, -1} {
		if _, err := db.ExecContext(ctx, `
			INSERT INTO sz_dm_pending_report (report_key, entity_delta, record_delta, relation_delta, entity_id)
			VALUES ('ESB|3', ?, 0, 0, 1)
		`, d); err != nil {
			t.Fatalf("seed pending row: %v", err)
		}
	}

	a := &Aggregator{DB: db, Engine: noopEngine{}, Scheduler: noopScheduler{}}
	task := scheduler.Task{Action: scheduler.ActionUpdateESB, Params: scheduler.TaskParams{"report_key": "ESB|3"}}
	if err := a.Handle(ctx, task); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	var entityCount int
	if err := db.QueryRowContext(ctx, `SELECT entity_count FROM sz_dm_report WHERE report_key = 'ESB|3'`).Scan(&entityCount); err != nil {
		t.Fatalf("read report row: %v", err)
	}
	if entityCount != 1 {
		t.Fatalf("expected entity_count=1, got %d", entityCount)
	}

	var pendingCount int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sz_dm_pending_report WHERE report_key = 'ESB|3'`).Scan(&pendingCount); err != nil {
		t.Fatalf("count pending rows: %v", err)
	}
	if pendingCount != 0 {
		t.Fatalf("expected pending rows drained, got %d remaining", pendingCount)
	}
}

func TestAggregator_AccumulatesAcrossRuns(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	a := &Aggregator{DB: db, Engine: noopEngine{}, Scheduler: noopScheduler{}}

	for _, d := range []int{1, 2} {
		if _, err := db.ExecContext(ctx, `
			INSERT INTO sz_dm_pending_report (report_key, entity_delta, record_delta, relation_delta, entity_id)
			VALUES ('ERB|0', ?, 0, 0, 1)
		`, d); err != nil {
			t.Fatalf("seed pending row: %v", err)
		}
		if err := a.Handle(ctx, scheduler.Task{Params: scheduler.TaskParams{"report_key": "ERB|0"}}); err != nil {
			t.Fatalf("Handle: %v", err)
		}
	}

	var entityCount int
	if err := db.QueryRowContext(ctx, `SELECT entity_count FROM sz_dm_report WHERE report_key = 'ERB|0'`).Scan(&entityCount); err != nil {
		t.Fatalf("read report row: %v", err)
	}
	if entityCount != 3 {
		t.Fatalf("expected accumulated entity_count=3, got %d", entityCount)
	}
}

type orphanEngine struct {
	snaps map[string]*hash.Snapshot
}

func (o *orphanEngine) GetEntityByID(context.Context, int64) (*hash.Snapshot, error) {
	return nil, engine.ErrNotFound
}
func (o *orphanEngine) GetEntityByRecordKey(ctx context.Context, key engine.RecordKey) (*hash.Snapshot, error) {
	snap, ok := o.snaps[key.DataSource+"|"+key.RecordID]
	if !ok {
		return nil, engine.ErrNotFound
	}
	return snap, nil
}
func (o *orphanEngine) FindPath(context.Context, int64, int64, int) (*hash.RelatedEntity, error) {
	return nil, engine.ErrNotFound
}

func TestAggregator_DSSEntityCountOverride_DeletesTrulyGoneRecord(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := db.ExecContext(ctx, `
		INSERT INTO sz_dm_record (data_source, record_id, entity_id) VALUES ('A', '1', 0)
	`); err != nil {
		t.Fatalf("seed orphan record: %v", err)
	}

	a := &Aggregator{DB: db, Engine: &orphanEngine{snaps: map[string]*hash.Snapshot{}}, Scheduler: noopScheduler{}}
	task := scheduler.Task{Params: scheduler.TaskParams{"report_key": "DSS|A|A|ENTITY_COUNT"}}
	if err := a.Handle(ctx, task); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	var count int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sz_dm_record WHERE data_source='A' AND record_id='1'`).Scan(&count); err != nil {
		t.Fatalf("count record rows: %v", err)
	}
	if count != 0 {
		t.Fatal("expected truly-gone orphan record to be deleted")
	}
}

func TestAggregator_DSSEntityCountOverride_ReadoptsExistingEntity(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := db.ExecContext(ctx, `
		INSERT INTO sz_dm_entity (entity_id, entity_name, entity_hash, creator_id, modifier_id) VALUES (7, '', 'h', 'op', 'op')
	`); err != nil {
		t.Fatalf("seed entity: %v", err)
	}
	if _, err := db.ExecContext(ctx, `
		INSERT INTO sz_dm_record (data_source, record_id, entity_id) VALUES ('A', '1', 0)
	`); err != nil {
		t.Fatalf("seed orphan record: %v", err)
	}

	eng := &orphanEngine{snaps: map[string]*hash.Snapshot{
		"A|1": {EntityID: 7},
	}}
	a := &Aggregator{DB: db, Engine: eng, Scheduler: noopScheduler{}}
	task := scheduler.Task{Params: scheduler.TaskParams{"report_key": "DSS|A|A|ENTITY_COUNT"}}
	if err := a.Handle(ctx, task); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	var entityID int64
	if err := db.QueryRowContext(ctx, `SELECT entity_id FROM sz_dm_record WHERE data_source='A' AND record_id='1'`).Scan(&entityID); err != nil {
		t.Fatalf("read record: %v", err)
	}
	if entityID != 7 {
		t.Fatalf("expected record re-adopted by entity 7, got %d", entityID)
	}
}
