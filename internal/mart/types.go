// Package mart implements the Persistence Layer: the nine-step,
// single-transaction reconciliation of a computed delta (internal/delta)
// against the data mart schema (migrations/001_initial_schema.sql).
package mart

// Record mirrors one sz_dm_record row.
type Record struct {
	DataSource   string
	RecordID     string
	EntityID     int64
	MatchKey     string
	ErruleCode   string
	PrevEntityID int64
	CreatorID    string
	ModifierID   string
	AdopterID    string
}

// Entity mirrors one sz_dm_entity row.
type Entity struct {
	EntityID       int64
	EntityName     string
	RecordCount    int
	RelationCount  int
	EntityHash     string
	PrevEntityHash string
	CreatorID      string
	ModifierID     string
}

// Relationship mirrors one sz_dm_relation row. EntityID is always the
// lower of the two IDs, per the canonical orientation invariant.
type Relationship struct {
	EntityID         int64
	RelatedID        int64
	MatchLevel       int
	MatchKey         string
	MatchType        string
	RelationHash     string
	PrevRelationHash string
	CreatorID        string
	ModifierID       string
}

// PendingReportDelta mirrors one sz_dm_pending_report row.
type PendingReportDelta struct {
	ID            int64
	ReportKey     string
	EntityDelta   int
	RecordDelta   int
	RelationDelta int
	EntityID      int64
	RelatedID     *int64
	ModifierID    *string
}

// ReportRow mirrors one sz_dm_report row.
type ReportRow struct {
	ReportKey     string
	EntityCount   int
	RecordCount   int
	RelationCount int
	SummaryJSON   string
}

// LockRow mirrors one sz_dm_locks row.
type LockRow struct {
	ResourceKey string
	ModifierID  string
}
