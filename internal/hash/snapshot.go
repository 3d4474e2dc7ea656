// Package hash implements the canonical entity-hash codec: a stable,
// sorted-field serialization of an entity snapshot whose textual
// equality implies semantic equality, and the inverse parse back into
// a snapshot the delta computer can diff against.
package hash

import "sort"

// RecordRef identifies one record attached to an entity snapshot.
type RecordRef struct {
	DataSource string
	RecordID   string
	MatchKey   string
	Principle  string
}

// SourceBreakdown is the record count an entity has from one data source.
type SourceBreakdown struct {
	DataSource string
	Count      int
}

// RelatedEntity is one relationship edge as seen from the snapshot's
// own entity, including the related entity's own per-source record
// breakdown (needed by the delta computer's CSS relation-variant
// computation in internal/delta).
type RelatedEntity struct {
	RelatedID  int64
	MatchLevel int
	MatchKey   string
	MatchType  string
	Sources    []SourceBreakdown
}

// Snapshot is the reconstructable state of one entity at a point in
// time: the unit the delta computer diffs two of (spec.md §4.2's
// OldEntity / newEntity).
type Snapshot struct {
	EntityID   int64
	EntityName string
	Records    []RecordRef
	Related    []RelatedEntity
}

// Sorted returns a copy of the snapshot with all slices in the
// canonical order used by ToHash, so construction code doesn't need
// to pre-sort its inputs.
func (s Snapshot) Sorted() Snapshot {
	out := Snapshot{EntityID: s.EntityID, EntityName: s.EntityName}

	out.Records = append(out.Records, s.Records...)
	sort.Slice(out.Records, func(i, j int) bool {
		if out.Records[i].DataSource != out.Records[j].DataSource {
			return out.Records[i].DataSource < out.Records[j].DataSource
		}
		return out.Records[i].RecordID < out.Records[j].RecordID
	})

	out.Related = append(out.Related, s.Related...)
	sort.Slice(out.Related, func(i, j int) bool { return out.Related[i].RelatedID < out.Related[j].RelatedID })
	for i := range out.Related {
		srcs := append([]SourceBreakdown{}, out.Related[i].Sources...)
		sort.Slice(srcs, func(a, b int) bool { return srcs[a].DataSource < srcs[b].DataSource })
		out.Related[i].Sources = srcs
	}

	return out
}

// SourceCounts returns the record count per data source in this
// snapshot, used by the delta computer's DSS/CSS computations.
func (s Snapshot) SourceCounts() map[string]int {
	counts := make(map[string]int)
	for _, r := range s.Records {
		counts[r.DataSource]++
	}
	return counts
}
