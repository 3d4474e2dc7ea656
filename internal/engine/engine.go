// Package engine defines the External Engine interface (spec.md §6)
// and a default net/http + tidwall/gjson implementation against a JSON
// HTTP resolution service.
//
// Grounded on the teacher's internal/embedding.OpenAI client shape (a
// typed wrapper around an HTTP JSON API) but not on
// github.com/openai/openai-go itself: that SDK's request/response
// types are OpenAI-specific and have no honest mapping onto an
// entity-resolution JSON contract, so it is dropped (see DESIGN.md) in
// favor of net/http + gjson, the latter grounded on its presence
// across the retrieved pack.
package engine

import (
	"context"
	"errors"

	"github.com/senzing-garage/data-mart-replicator/internal/hash"
)

// ErrNotFound is one way an Engine reports that it has no knowledge of
// the requested entity or record — "deleted" in spec.md §4.3/§4.4
// terms. HTTPEngine reports that case as a nil snapshot with a nil
// error instead; callers treat both the same.
var ErrNotFound = errors.New("engine: entity not found")

// RecordKey identifies a record by its natural key, for the
// record-key variant of GetEntity.
type RecordKey struct {
	DataSource string
	RecordID   string
}

// Engine is the interface the Refresh Orchestrator and Report
// Aggregator drive to resolve current entity state.
type Engine interface {
	// GetEntityByID fetches the current resolved entity; an unknown
	// entity comes back as ErrNotFound or as a nil snapshot and nil error.
	GetEntityByID(ctx context.Context, entityID int64) (*hash.Snapshot, error)
	// GetEntityByRecordKey resolves a record to its current owning
	// entity, used by Message Ingestion when only a record key is
	// supplied and by the Report Aggregator's orphan reconciliation.
	GetEntityByRecordKey(ctx context.Context, key RecordKey) (*hash.Snapshot, error)
	// FindPath confirms or denies a 1-degree relationship between two
	// entities, for the Refresh-Relation Fallback (spec.md §4.5).
	FindPath(ctx context.Context, entityID, relatedID int64, maxDegrees int) (*hash.RelatedEntity, error)
}
