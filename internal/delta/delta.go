// Package delta implements the pure entity-delta computation described
// in spec.md §4.2: given an old and/or new entity snapshot, produce the
// set of added/removed/changed records and relationships plus the
// signed report updates those changes imply. Nothing in this package
// performs I/O; the Persistence Layer (internal/mart) drives it and
// feeds back row-level outcomes via the Callbacks it exposes.
package delta

import (
	"errors"
	"fmt"
	"sort"

	"github.com/senzing-garage/data-mart-replicator/internal/hash"
)

// ConsistencyError is returned when Compute's inputs violate the
// contract spec.md §4.2 requires of callers.
type ConsistencyError struct{ Reason string }

func (e *ConsistencyError) Error() string { return "delta: consistency error: " + e.Reason }

// RecordKey identifies one record by its natural key.
type RecordKey struct {
	DataSource string
	RecordID   string
}

// RelationKey identifies one relationship edge in canonical orientation.
type RelationKey struct {
	EntityID  int64
	RelatedID int64
}

// Statistic is one of the named counters inside a report row's summary.
type Statistic string

const (
	StatEntityCount        Statistic = "ENTITY_COUNT"
	StatMatchedCount       Statistic = "MATCHED_COUNT"
	StatUnmatchedCount     Statistic = "UNMATCHED_COUNT"
	StatAmbiguousMatch     Statistic = "AMBIGUOUS_MATCH_COUNT"
	StatPossibleMatch      Statistic = "POSSIBLE_MATCH_COUNT"
	StatDisclosedRelation  Statistic = "DISCLOSED_RELATION_COUNT"
	StatPossibleRelation   Statistic = "POSSIBLE_RELATION_COUNT"
)

// ReportCode identifies which of the four reports a ReportUpdate targets.
type ReportCode string

const (
	ReportDSS ReportCode = "DSS"
	ReportCSS ReportCode = "CSS"
	ReportESB ReportCode = "ESB"
	ReportERB ReportCode = "ERB"
)

// ReportKey identifies one aggregate row, mirroring spec.md §6's grammar.
type ReportKey struct {
	Code      ReportCode
	Statistic Statistic // empty for ESB/ERB
	Source1   string    // empty for ESB/ERB
	Source2   string    // empty for ESB/ERB; equals Source1 for DSS
	Bucket    int       // only meaningful for ESB/ERB
}

// String renders the key in the `CODE|s1|s2|STAT` / `CODE|bucket` grammar.
func (k ReportKey) String() string {
	switch k.Code {
	case ReportESB, ReportERB:
		return fmt.Sprintf("%s|%d", k.Code, k.Bucket)
	case ReportDSS:
		return fmt.Sprintf("%s|%s|%s|%s", k.Code, k.Source1, k.Source1, k.Statistic)
	case ReportCSS:
		return fmt.Sprintf("%s|%s|%s|%s", k.Code, k.Source1, k.Source2, k.Statistic)
	default:
		return fmt.Sprintf("%s|%s|%s|%s", k.Code, k.Source1, k.Source2, k.Statistic)
	}
}

// ReportUpdate is one signed contribution to a report row, matching
// the sz_dm_pending_report row shape from spec.md §3.
type ReportUpdate struct {
	Key          ReportKey
	EntityDelta  int
	RecordDelta  int
	RelationDelta int
	EntityID     int64
	RelatedID    *int64 // provenance only, for idempotency checks
}

// ResourceKeyKind distinguishes the two lock-row families from spec.md §3.
type ResourceKeyKind string

const (
	ResourceRecord       ResourceKeyKind = "RECORD"
	ResourceRelationship ResourceKeyKind = "RELATIONSHIP"
)

// ResourceKey is one row to enroll in the lock table (spec.md §4.3 step 1).
type ResourceKey struct {
	Kind ResourceKeyKind
	A    string // data source (RECORD) or low entity id (RELATIONSHIP)
	B    string // record id (RECORD) or high entity id (RELATIONSHIP)
}

// String renders the canonical lock-row key, e.g. "RECORD|src|rid" or
// "RELATIONSHIP|lo|hi".
func (k ResourceKey) String() string {
	return fmt.Sprintf("%s|%s|%s", k.Kind, k.A, k.B)
}

// ChangedRelation describes a relationship present on both sides of the
// diff whose fields differ.
type ChangedRelation struct {
	Key     RelationKey
	Old     hash.RelatedEntity
	New     hash.RelatedEntity
}

// Delta is the read-only output of Compute.
type Delta struct {
	OldEntity *hash.Snapshot
	NewEntity *hash.Snapshot

	AddedRecords   []hash.RecordRef
	RemovedRecords []hash.RecordRef

	AddedRelations   []hash.RelatedEntity
	RemovedRelations []hash.RelatedEntity
	ChangedRelations []ChangedRelation

	// DataSourceDeltas is the signed record-count change per source,
	// old entity state to new entity state.
	DataSourceDeltas map[string]int

	ReportUpdates []ReportUpdate

	ResourceKeys []ResourceKey
}

// Compute implements spec.md §4.2. Exactly one of old/new may be nil;
// when both are provided their EntityID must match.
func Compute(old, new *hash.Snapshot) (*Delta, error) {
	if old == nil && new == nil {
		return nil, &ConsistencyError{Reason: "both snapshots nil"}
	}
	if old != nil && new != nil && old.EntityID != new.EntityID {
		return nil, &ConsistencyError{Reason: fmt.Sprintf("entity_id mismatch: old=%d new=%d", old.EntityID, new.EntityID)}
	}

	d := &Delta{OldEntity: old, NewEntity: new, DataSourceDeltas: map[string]int{}}

	oldRecords := map[RecordKey]hash.RecordRef{}
	newRecords := map[RecordKey]hash.RecordRef{}
	if old != nil {
		for _, r := range old.Records {
			oldRecords[RecordKey{r.DataSource, r.RecordID}] = r
		}
	}
	if new != nil {
		for _, r := range new.Records {
			newRecords[RecordKey{r.DataSource, r.RecordID}] = r
		}
	}
	for k, r := range newRecords {
		if _, ok := oldRecords[k]; !ok {
			d.AddedRecords = append(d.AddedRecords, r)
			d.DataSourceDeltas[r.DataSource]++
			d.ResourceKeys = append(d.ResourceKeys, ResourceKey{ResourceRecord, r.DataSource, r.RecordID})
		}
	}
	for k, r := range oldRecords {
		if _, ok := newRecords[k]; !ok {
			d.RemovedRecords = append(d.RemovedRecords, r)
			d.DataSourceDeltas[r.DataSource]--
			d.ResourceKeys = append(d.ResourceKeys, ResourceKey{ResourceRecord, r.DataSource, r.RecordID})
		}
	}
	sortRecords(d.AddedRecords)
	sortRecords(d.RemovedRecords)

	oldRelated := map[int64]hash.RelatedEntity{}
	newRelated := map[int64]hash.RelatedEntity{}
	if old != nil {
		for _, r := range old.Related {
			oldRelated[r.RelatedID] = r
		}
	}
	if new != nil {
		for _, r := range new.Related {
			newRelated[r.RelatedID] = r
		}
	}
	var entityID int64
	if new != nil {
		entityID = new.EntityID
	} else {
		entityID = old.EntityID
	}
	for id, r := range newRelated {
		if _, ok := oldRelated[id]; !ok {
			d.AddedRelations = append(d.AddedRelations, r)
			d.ResourceKeys = append(d.ResourceKeys, relationResourceKey(entityID, id))
		}
	}
	for id, r := range oldRelated {
		if _, ok := newRelated[id]; !ok {
			d.RemovedRelations = append(d.RemovedRelations, r)
			d.ResourceKeys = append(d.ResourceKeys, relationResourceKey(entityID, id))
		}
	}
	for id, newR := range newRelated {
		oldR, ok := oldRelated[id]
		if !ok {
			continue
		}
		if relationChanged(oldR, newR) {
			d.ChangedRelations = append(d.ChangedRelations, ChangedRelation{
				Key: RelationKey{EntityID: entityID, RelatedID: id}, Old: oldR, New: newR,
			})
			d.ResourceKeys = append(d.ResourceKeys, relationResourceKey(entityID, id))
		}
	}
	sort.Slice(d.AddedRelations, func(i, j int) bool { return d.AddedRelations[i].RelatedID < d.AddedRelations[j].RelatedID })
	sort.Slice(d.RemovedRelations, func(i, j int) bool { return d.RemovedRelations[i].RelatedID < d.RemovedRelations[j].RelatedID })
	sort.Slice(d.ChangedRelations, func(i, j int) bool { return d.ChangedRelations[i].Key.RelatedID < d.ChangedRelations[j].Key.RelatedID })

	d.ResourceKeys = dedupeAndSortResourceKeys(d.ResourceKeys)

	d.ReportUpdates = append(d.ReportUpdates, esbUpdates(old, new)...)
	d.ReportUpdates = append(d.ReportUpdates, erbUpdates(old, new)...)
	d.ReportUpdates = append(d.ReportUpdates, dssUpdates(old, new, entityID)...)
	d.ReportUpdates = append(d.ReportUpdates, cssMatchUpdates(old, new, entityID)...)
	d.ReportUpdates = append(d.ReportUpdates, cssRelationUpdates(old, new, entityID)...)

	return d, nil
}

func sortRecords(rs []hash.RecordRef) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].DataSource != rs[j].DataSource {
			return rs[i].DataSource < rs[j].DataSource
		}
		return rs[i].RecordID < rs[j].RecordID
	})
}

func relationResourceKey(a, b int64) ResourceKey {
	lo, hi := a, b
	if lo > hi {
		lo, hi = hi, lo
	}
	return ResourceKey{Kind: ResourceRelationship, A: fmt.Sprintf("%d", lo), B: fmt.Sprintf("%d", hi)}
}

func dedupeAndSortResourceKeys(keys []ResourceKey) []ResourceKey {
	seen := map[string]ResourceKey{}
	for _, k := range keys {
		seen[k.String()] = k
	}
	out := make([]ResourceKey, 0, len(seen))
	for _, k := range seen {
		out = append(out, k)
	}
	// RECORD keys sort before RELATIONSHIP keys, then lexicographically,
	// per spec.md §4.3 step 1's deadlock-avoidance ordering.
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind == ResourceRecord
		}
		return out[i].String() < out[j].String()
	})
	return out
}

func relationChanged(a, b hash.RelatedEntity) bool {
	if a.MatchLevel != b.MatchLevel || a.MatchKey != b.MatchKey || a.MatchType != b.MatchType {
		return true
	}
	if len(a.Sources) != len(b.Sources) {
		return true
	}
	am := map[string]int{}
	for _, s := range a.Sources {
		am[s.DataSource] = s.Count
	}
	for _, s := range b.Sources {
		if am[s.DataSource] != s.Count {
			return true
		}
	}
	return false
}

// ErrUnknownRef is returned by the post-persistence callbacks when they
// are invoked for a record or relation the delta never touched.
var ErrUnknownRef = errors.New("delta: callback references unknown record or relation")
