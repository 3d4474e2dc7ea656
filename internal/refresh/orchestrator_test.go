package refresh

import (
	"context"
	"database/sql"
	"sync"
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

type stubEngine struct {
	byID map[int64]*hash.Snapshot
}

func (s *stubEngine) GetEntityByID(ctx context.Context, entityID int64) (*hash.Snapshot, error) {
	snap, ok := s.byID[entityID]
	if !ok {
		return nil, engine.ErrNotFound
	}
	return snap, nil
}

func (s *stubEngine) GetEntityByRecordKey(ctx context.Context, key engine.RecordKey) (*hash.Snapshot, error) {
	return nil, engine.ErrNotFound
}

func (s *stubEngine) FindPath(ctx context.Context, entityID, relatedID int64, maxDegrees int) (*hash.RelatedEntity, error) {
	return nil, engine.ErrNotFound
}

// recordingScheduler captures every Schedule call instead of running
// tasks, so orchestrator tests can assert on follow-up fan-out without
// a live worker pool.
type recordingScheduler struct {
	mu    sync.Mutex
	calls []scheduledCall
}

type scheduledCall struct {
	Action      scheduler.TaskAction
	ResourceKey string
	Params      scheduler.TaskParams
}

func (r *recordingScheduler) RegisterHandler(scheduler.TaskAction, scheduler.TaskHandler) {}

func (r *recordingScheduler) Schedule(ctx context.Context, action scheduler.TaskAction, resourceKey string, params scheduler.TaskParams) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, scheduledCall{action, resourceKey, params})
	return nil
}

func (r *recordingScheduler) Run(ctx context.Context) error { return nil }
func (r *recordingScheduler) Stats() scheduler.Stats        { return scheduler.Stats{} }

func TestOrchestrator_S1_FirstObservation(t *testing.T) {
	db := openTestDB(t)
	eng := &stubEngine{byID: map[int64]*hash.Snapshot{
		42: {
			EntityID: 42,
			Records: []hash.RecordRef{
				{DataSource: "A", RecordID: "1"},
				{DataSource: "A", RecordID: "2"},
			},
		},
	}}
	sched := &recordingScheduler{}
	o := &Orchestrator{DB: db, Engine: eng, Scheduler: sched}

	task := scheduler.Task{Action: scheduler.ActionRefreshEntity, Params: scheduler.TaskParams{"entity_id": "42"}}
	if err := o.Handle(context.Background(), task); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	var recordCount int
	if err := db.QueryRowContext(context.Background(), `SELECT record_count FROM sz_dm_entity WHERE entity_id = 42`).Scan(&recordCount); err != nil {
		t.Fatalf("read entity: %v", err)
	}
	if recordCount != 2 {
		t.Fatalf("expected record_count=2, got %d", recordCount)
	}

	sched.mu.Lock()
	defer sched.mu.Unlock()
	if len(sched.calls) == 0 {
		t.Fatal("expected at least one scheduled aggregator follow-up")
	}
	foundDSS := false
	for _, c := range sched.calls {
		if c.Action == scheduler.ActionUpdateDSS {
			foundDSS = true
		}
	}
	if !foundDSS {
		t.Fatal("expected a DSS aggregator task to be scheduled")
	}
}

func TestOrchestrator_S4_EntityDeletion(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	createEngine := &stubEngine{byID: map[int64]*hash.Snapshot{
		99: {EntityID: 99, Records: []hash.RecordRef{{DataSource: "A", RecordID: "1"}}},
	}}
	sched := &recordingScheduler{}
	createOrch := &Orchestrator{DB: db, Engine: createEngine, Scheduler: sched}
	if err := createOrch.Handle(ctx, scheduler.Task{Params: scheduler.TaskParams{"entity_id": "99"}}); err != nil {
		t.Fatalf("create Handle: %v", err)
	}

	deleteEngine := &stubEngine{byID: map[int64]*hash.Snapshot{}}
	deleteOrch := &Orchestrator{DB: db, Engine: deleteEngine, Scheduler: sched}
	if err := deleteOrch.Handle(ctx, scheduler.Task{Params: scheduler.TaskParams{"entity_id": "99"}}); err != nil {
		t.Fatalf("delete Handle: %v", err)
	}

	var count int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sz_dm_entity WHERE entity_id = 99`).Scan(&count); err != nil {
		t.Fatalf("count entity rows: %v", err)
	}
	if count != 0 {
		t.Fatal("expected entity row deleted")
	}
}

func TestOrchestrator_MissingEntityIDParam(t *testing.T) {
	o := &Orchestrator{DB: openTestDB(t), Engine: &stubEngine{}, Scheduler: &recordingScheduler{}}
	err := o.Handle(context.Background(), scheduler.Task{Params: scheduler.TaskParams{}})
	if err == nil {
		t.Fatal("expected MalformedInputError for missing entity_id")
	}
	var malformed *MalformedInputError
	if ok := asMalformed(err, &malformed); !ok {
		t.Fatalf("expected MalformedInputError, got %T: %v", err, err)
	}
}

func asMalformed(err error, target **MalformedInputError) bool {
	if e, ok := err.(*MalformedInputError); ok {
		*target = e
		return true
	}
	return false
}

func TestOrchestrator_NoOpWhenUnknownOnBothSides(t *testing.T) {
	db := openTestDB(t)
	o := &Orchestrator{DB: db, Engine: &stubEngine{byID: map[int64]*hash.Snapshot{}}, Scheduler: &recordingScheduler{}}
	if err := o.Handle(context.Background(), scheduler.Task{Params: scheduler.TaskParams{"entity_id": "5"}}); err != nil {
		t.Fatalf("expected no-op, got error: %v", err)
	}
}
