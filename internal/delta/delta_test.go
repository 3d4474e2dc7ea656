package delta

import (
	"testing"

	"github.com/senzing-garage/data-mart-replicator/internal/hash"
)

func findReportUpdate(t *testing.T, updates []ReportUpdate, code ReportCode, stat Statistic, s1, s2 string) *ReportUpdate {
	t.Helper()
	for i, u := range updates {
		if u.Key.Code == code && u.Key.Statistic == stat && u.Key.Source1 == s1 && u.Key.Source2 == s2 {
			return &updates[i]
		}
	}
	return nil
}

// S1: first observation of a brand-new two-record entity. No prior
// state, so every record is "added" and DSS/ESB see pure entry.
func TestCompute_S1_FirstObservation(t *testing.T) {
	newSnap := hash.Snapshot{
		EntityID:   100,
		EntityName: "ACME INC",
		Records: []hash.RecordRef{
			{DataSource: "CUSTOMERS", RecordID: "1", MatchKey: "NAME+ADDR", Principle: "P1"},
			{DataSource: "WATCHLIST", RecordID: "9", MatchKey: "NAME+ADDR", Principle: "P1"},
		},
	}

	d, err := Compute(nil, &newSnap)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}

	if len(d.AddedRecords) != 2 {
		t.Fatalf("expected 2 added records, got %d", len(d.AddedRecords))
	}
	if len(d.RemovedRecords) != 0 {
		t.Fatalf("expected 0 removed records, got %d", len(d.RemovedRecords))
	}
	if d.DataSourceDeltas["CUSTOMERS"] != 1 || d.DataSourceDeltas["WATCHLIST"] != 1 {
		t.Fatalf("unexpected per-source deltas: %+v", d.DataSourceDeltas)
	}

	esb := findReportUpdate(t, d.ReportUpdates, ReportESB, "", "", "")
	if esb == nil || esb.EntityDelta != 1 || esb.Key.Bucket != 2 {
		t.Fatalf("expected ESB bucket=2 entity+1, got %+v", esb)
	}

	dssCustomers := findReportUpdate(t, d.ReportUpdates, ReportDSS, StatEntityCount, "CUSTOMERS", "CUSTOMERS")
	if dssCustomers == nil || dssCustomers.EntityDelta != 1 {
		t.Fatalf("expected DSS CUSTOMERS ENTITY_COUNT+1, got %+v", dssCustomers)
	}
	dssUnmatched := findReportUpdate(t, d.ReportUpdates, ReportDSS, StatUnmatchedCount, "CUSTOMERS", "CUSTOMERS")
	if dssUnmatched == nil || dssUnmatched.EntityDelta != 1 || dssUnmatched.RecordDelta != 1 {
		t.Fatalf("expected DSS CUSTOMERS UNMATCHED+1/+1, got %+v", dssUnmatched)
	}

	for _, rk := range d.ResourceKeys {
		if rk.Kind != ResourceRecord {
			t.Fatalf("S1 should only enroll RECORD locks, got %+v", rk)
		}
	}
}

// TestCompute_S1_SpecLiteral reproduces spec.md §8 scenario S1 exactly:
// entity 42 observed for the first time with two records from the
// same source, A. Unlike TestCompute_S1_FirstObservation (two
// different sources), this is the only scenario that exercises the
// MATCHED_COUNT records:+2 branch of sourceTransition, since a single
// source needs 2+ records from itself before it counts as matched.
func TestCompute_S1_SpecLiteral(t *testing.T) {
	newSnap := hash.Snapshot{
		EntityID: 42,
		Records: []hash.RecordRef{
			{DataSource: "A", RecordID: "1"},
			{DataSource: "A", RecordID: "2"},
		},
	}

	d, err := Compute(nil, &newSnap)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}

	esb := findReportUpdate(t, d.ReportUpdates, ReportESB, "", "", "")
	if esb == nil || esb.EntityDelta != 1 || esb.Key.Bucket != 2 {
		t.Fatalf("expected ESB|2 entities:+1, got %+v", esb)
	}

	entityCount := findReportUpdate(t, d.ReportUpdates, ReportDSS, StatEntityCount, "A", "A")
	if entityCount == nil || entityCount.EntityDelta != 1 {
		t.Fatalf("expected DSS|A|A|ENTITY_COUNT entities:+1, got %+v", entityCount)
	}

	matched := findReportUpdate(t, d.ReportUpdates, ReportDSS, StatMatchedCount, "A", "A")
	if matched == nil || matched.EntityDelta != 1 || matched.RecordDelta != 2 {
		t.Fatalf("expected DSS|A|A|MATCHED_COUNT entities:+1 records:+2, got %+v", matched)
	}
}

// S2: a record moves from one entity to another between observations.
// Modeled as two Compute calls sharing the same record: a removal from
// the old entity and an addition to the new one.
func TestCompute_S2_RecordMovesBetweenEntities(t *testing.T) {
	moving := hash.RecordRef{DataSource: "CUSTOMERS", RecordID: "5", MatchKey: "NAME+DOB", Principle: "P2"}

	oldSnap := hash.Snapshot{
		EntityID: 200,
		Records: []hash.RecordRef{
			moving,
			{DataSource: "CUSTOMERS", RecordID: "6", MatchKey: "NAME+DOB", Principle: "P2"},
		},
	}
	newOldSideSnap := hash.Snapshot{
		EntityID: 200,
		Records: []hash.RecordRef{
			{DataSource: "CUSTOMERS", RecordID: "6", MatchKey: "NAME+DOB", Principle: "P2"},
		},
	}

	leftD, err := Compute(&oldSnap, &newOldSideSnap)
	if err != nil {
		t.Fatalf("Compute (departure side): %v", err)
	}
	if len(leftD.RemovedRecords) != 1 || leftD.RemovedRecords[0].RecordID != "5" {
		t.Fatalf("expected record 5 removed from entity 200, got %+v", leftD.RemovedRecords)
	}
	if leftD.DataSourceDeltas["CUSTOMERS"] != -1 {
		t.Fatalf("expected CUSTOMERS delta -1 on departure side, got %d", leftD.DataSourceDeltas["CUSTOMERS"])
	}

	newArrivalSnap := hash.Snapshot{
		EntityID: 201,
		Records: []hash.RecordRef{
			moving,
			{DataSource: "WATCHLIST", RecordID: "7", MatchKey: "NAME+DOB", Principle: "P2"},
		},
	}
	oldArrivalSnap := hash.Snapshot{
		EntityID: 201,
		Records: []hash.RecordRef{
			{DataSource: "WATCHLIST", RecordID: "7", MatchKey: "NAME+DOB", Principle: "P2"},
		},
	}

	rightD, err := Compute(&oldArrivalSnap, &newArrivalSnap)
	if err != nil {
		t.Fatalf("Compute (arrival side): %v", err)
	}
	if len(rightD.AddedRecords) != 1 || rightD.AddedRecords[0].RecordID != "5" {
		t.Fatalf("expected record 5 added to entity 201, got %+v", rightD.AddedRecords)
	}
	if rightD.DataSourceDeltas["CUSTOMERS"] != 1 {
		t.Fatalf("expected CUSTOMERS delta +1 on arrival side, got %d", rightD.DataSourceDeltas["CUSTOMERS"])
	}

	// CSS MATCHED_COUNT for CUSTOMERS/WATCHLIST newly present on the arrival side.
	cssMatched := findReportUpdate(t, rightD.ReportUpdates, ReportCSS, StatMatchedCount, "CUSTOMERS", "WATCHLIST")
	if cssMatched == nil || cssMatched.EntityDelta != 1 {
		t.Fatalf("expected CSS CUSTOMERS/WATCHLIST MATCHED_COUNT entity+1, got %+v", cssMatched)
	}
}

// S3: a relationship appears between two already-known entities with a
// match-type change from POSSIBLE_MATCH to DISCLOSED_RELATION.
func TestCompute_S3_RelationshipMatchTypeChanges(t *testing.T) {
	oldSnap := hash.Snapshot{
		EntityID: 300,
		Records:  []hash.RecordRef{{DataSource: "CUSTOMERS", RecordID: "1"}},
		Related: []hash.RelatedEntity{
			{
				RelatedID:  301,
				MatchLevel: 2,
				MatchKey:   "NAME",
				MatchType:  "POSSIBLE_MATCH",
				Sources:    []hash.SourceBreakdown{{DataSource: "WATCHLIST", Count: 1}},
			},
		},
	}
	newSnap := hash.Snapshot{
		EntityID: 300,
		Records:  []hash.RecordRef{{DataSource: "CUSTOMERS", RecordID: "1"}},
		Related: []hash.RelatedEntity{
			{
				RelatedID:  301,
				MatchLevel: 1,
				MatchKey:   "NAME+ADDR",
				MatchType:  "DISCLOSED_RELATION",
				Sources:    []hash.SourceBreakdown{{DataSource: "WATCHLIST", Count: 1}},
			},
		},
	}

	d, err := Compute(&oldSnap, &newSnap)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}

	if len(d.ChangedRelations) != 1 {
		t.Fatalf("expected 1 changed relation, got %d", len(d.ChangedRelations))
	}
	if d.ChangedRelations[0].Old.MatchType != "POSSIBLE_MATCH" || d.ChangedRelations[0].New.MatchType != "DISCLOSED_RELATION" {
		t.Fatalf("unexpected changed relation: %+v", d.ChangedRelations[0])
	}
	if len(d.AddedRelations) != 0 || len(d.RemovedRelations) != 0 {
		t.Fatalf("a changed relation must not also appear as added/removed, got added=%d removed=%d", len(d.AddedRelations), len(d.RemovedRelations))
	}

	gained := findReportUpdate(t, d.ReportUpdates, ReportCSS, StatDisclosedRelation, "CUSTOMERS", "WATCHLIST")
	if gained == nil || gained.EntityDelta <= 0 {
		t.Fatalf("expected CSS DISCLOSED_RELATION_COUNT gain for CUSTOMERS/WATCHLIST, got %+v", gained)
	}
	lost := findReportUpdate(t, d.ReportUpdates, ReportCSS, StatPossibleMatch, "CUSTOMERS", "WATCHLIST")
	if lost == nil || lost.EntityDelta >= 0 {
		t.Fatalf("expected CSS POSSIBLE_MATCH_COUNT loss for CUSTOMERS/WATCHLIST, got %+v", lost)
	}

	found := false
	for _, rk := range d.ResourceKeys {
		if rk.Kind == ResourceRelationship {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a RELATIONSHIP resource key for the changed relation, got %+v", d.ResourceKeys)
	}
}

func TestCompute_RejectsMismatchedEntityIDs(t *testing.T) {
	old := &hash.Snapshot{EntityID: 1}
	new := &hash.Snapshot{EntityID: 2}
	if _, err := Compute(old, new); err == nil {
		t.Fatal("expected ConsistencyError for mismatched entity ids")
	}
}

func TestCompute_RejectsBothNil(t *testing.T) {
	if _, err := Compute(nil, nil); err == nil {
		t.Fatal("expected ConsistencyError for both-nil snapshots")
	}
}

func TestCallbacks_RejectUnknownRefs(t *testing.T) {
	newSnap := &hash.Snapshot{
		EntityID: 1,
		Records:  []hash.RecordRef{{DataSource: "CUSTOMERS", RecordID: "1"}},
	}
	d, err := Compute(nil, newSnap)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}

	if err := d.MarkCreated("CUSTOMERS", "1"); err != nil {
		t.Fatalf("MarkCreated on a real added record: %v", err)
	}
	if err := d.MarkCreated("CUSTOMERS", "does-not-exist"); err != ErrUnknownRef {
		t.Fatalf("expected ErrUnknownRef, got %v", err)
	}
	if err := d.MarkOrphaned("CUSTOMERS", "1"); err != ErrUnknownRef {
		t.Fatalf("expected ErrUnknownRef for a record that was added not removed, got %v", err)
	}
	if err := d.TrackStoredRelationship(1, 999, "", 0, 0); err != ErrUnknownRef {
		t.Fatalf("expected ErrUnknownRef for untouched relation, got %v", err)
	}
}
