// Package scheduler implements the abstract task producer described in
// spec.md §6: an in-repo Scheduler that deduplicates tasks sharing a
// resource key and executes them across a bounded worker pool.
//
// Deduplication is backed by hashicorp/go-memdb: an in-memory, indexed
// table keyed by resource_key, so an enqueue that collides with an
// already-queued or in-flight task is coalesced instead of duplicated —
// the same contract Kong-go-database-reconciler leans on go-memdb for
// when reconciling indexed in-memory state. Execution runs across a
// golang.org/x/sync/errgroup-bounded pool, generalizing the teacher's
// sync.WaitGroup-based startWorker lifecycle (cmd/engram/root.go) from
// one goroutine per coordinator to a worker_parallelism-sized pool.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-memdb"
	"golang.org/x/sync/errgroup"
)

// TaskAction is one of the six task kinds spec.md §6 names.
type TaskAction string

const (
	ActionRefreshEntity   TaskAction = "REFRESH_ENTITY"
	ActionRefreshRelation TaskAction = "REFRESH_RELATION"
	ActionUpdateDSS       TaskAction = "UPDATE_DATA_SOURCE_SUMMARY"
	ActionUpdateCSS       TaskAction = "UPDATE_CROSS_SOURCE_SUMMARY"
	ActionUpdateESB       TaskAction = "UPDATE_ENTITY_SIZE_BREAKDOWN"
	ActionUpdateERB       TaskAction = "UPDATE_ENTITY_RELATION_BREAKDOWN"
)

// TaskParams carries the action-specific arguments (entity_id,
// related_id, report_key, ...).
type TaskParams map[string]string

// Task is one unit of scheduled work.
type Task struct {
	ID          string
	Action      TaskAction
	ResourceKey string
	Params      TaskParams
}

// TaskHandler executes one task. A returned error is logged; the
// scheduler does not retry tasks itself — internal/refresh's own
// backoff wrapping handles that for refresh tasks before they ever
// reach the scheduler as a fatal failure.
type TaskHandler func(ctx context.Context, task Task) error

// Scheduler is the interface internal/refresh and internal/report
// schedule follow-up work against.
type Scheduler interface {
	RegisterHandler(action TaskAction, handler TaskHandler)
	Schedule(ctx context.Context, action TaskAction, resourceKey string, params TaskParams) error
	Run(ctx context.Context) error
	Stats() Stats
}

// Stats exposes scheduler introspection for the /debug/scheduler admin
// endpoint (SPEC_FULL.md's supplemented scheduler-introspection feature).
type Stats struct {
	QueueDepth           int
	InFlight             int
	ResourceKeysInFlight []string
}

type queuedTask struct {
	Task
	seq uint64
}

var taskSchema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		"task": {
			Name: "task",
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "ID"},
				},
				"resource_key": {
					Name:    "resource_key",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "ResourceKey"},
				},
			},
		},
	},
}

// Pool is the in-repo Scheduler implementation: a memdb-backed dedup
// table feeding a bounded errgroup worker pool.
type Pool struct {
	workers int
	db      *memdb.MemDB

	mu       sync.Mutex
	handlers map[TaskAction]TaskHandler
	queue    chan queuedTask
	seq      uint64
	inFlight map[string]struct{}
}

// NewPool constructs a scheduler with the given worker_parallelism.
func NewPool(workers int) (*Pool, error) {
	if workers <= 0 {
		workers = 1
	}
	db, err := memdb.NewMemDB(taskSchema)
	if err != nil {
		return nil, fmt.Errorf("scheduler: init memdb: %w", err)
	}
	return &Pool{
		workers:  workers,
		db:       db,
		handlers: map[TaskAction]TaskHandler{},
		queue:    make(chan queuedTask, 1024),
		inFlight: map[string]struct{}{},
	}, nil
}

// RegisterHandler wires a TaskHandler for one action kind.
func (p *Pool) RegisterHandler(action TaskAction, handler TaskHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[action] = handler
}

// Schedule enqueues a task, coalescing with any task already queued or
// in-flight under the same resource key.
func (p *Pool) Schedule(ctx context.Context, action TaskAction, resourceKey string, params TaskParams) error {
	txn := p.db.Txn(true)
	existing, err := txn.First("task", "resource_key", resourceKey)
	if err != nil {
		txn.Abort()
		return fmt.Errorf("scheduler: lookup resource_key %s: %w", resourceKey, err)
	}
	if existing != nil {
		txn.Abort()
		slog.Debug("task coalesced", "component", "scheduler", "resource_key", resourceKey, "action", action)
		return nil
	}

	p.mu.Lock()
	p.seq++
	qt := queuedTask{
		Task: Task{ID: uuid.New().String(), Action: action, ResourceKey: resourceKey, Params: params},
		seq:  p.seq,
	}
	p.mu.Unlock()

	if err := txn.Insert("task", &qt); err != nil {
		txn.Abort()
		return fmt.Errorf("scheduler: insert task: %w", err)
	}
	txn.Commit()

	select {
	case p.queue <- qt:
		return nil
	case <-ctx.Done():
		p.forget(resourceKey)
		return ctx.Err()
	}
}

func (p *Pool) forget(resourceKey string) {
	txn := p.db.Txn(true)
	defer txn.Commit()
	_, _ = txn.DeleteAll("task", "resource_key", resourceKey)
}

// Run drives the worker pool until ctx is cancelled or the queue is
// closed. Each worker pulls one task at a time, executes its handler,
// then removes the task from the dedup table (so a later enqueue of
// the same resource key is accepted again).
func (p *Pool) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		group.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case qt, ok := <-p.queue:
					if !ok {
						return nil
					}
					p.execute(ctx, qt)
				}
			}
		})
	}
	return group.Wait()
}

func (p *Pool) execute(ctx context.Context, qt queuedTask) {
	p.mu.Lock()
	p.inFlight[qt.ResourceKey] = struct{}{}
	handler, ok := p.handlers[qt.Action]
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.inFlight, qt.ResourceKey)
		p.mu.Unlock()
		p.forget(qt.ResourceKey)
	}()

	if !ok {
		slog.Error("no handler registered for action", "component", "scheduler", "action", qt.Action)
		return
	}
	if err := handler(ctx, qt.Task); err != nil {
		slog.Error("task handler failed", "component", "scheduler", "action", qt.Action, "resource_key", qt.ResourceKey, "error", err)
	}
}

// Stats reports current queue/in-flight depth for the admin endpoint.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, 0, len(p.inFlight))
	for k := range p.inFlight {
		keys = append(keys, k)
	}
	return Stats{
		QueueDepth:           len(p.queue),
		InFlight:             len(p.inFlight),
		ResourceKeysInFlight: keys,
	}
}
