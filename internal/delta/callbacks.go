package delta

// Callbacks are invoked by the Persistence Layer (internal/mart) after
// each row-level operation lands (spec.md §4.2, "After persistence
// feedback").
//
// Compute's output is otherwise immutable; these methods are the only
// way additional ReportUpdates are appended to a Delta, and each one
// validates that the row it's told about was actually part of the
// computed delta. Only the relationship callbacks append updates; the
// record-level report updates come from Compute whether or not a
// record's write landed.

// MarkCreated checks that a record read back as inserted by this task
// (creator_id = opId) is one this delta added, returning ErrUnknownRef
// otherwise. It appends no ReportUpdate.
func (d *Delta) MarkCreated(dataSource, recordID string) error {
	if !d.hasAddedRecord(dataSource, recordID) {
		return ErrUnknownRef
	}
	return nil
}

// MarkOrphaned checks that a record read back as orphaned (entity_id
// set to 0) is one this delta removed, returning ErrUnknownRef
// otherwise. It appends no ReportUpdate.
func (d *Delta) MarkOrphaned(dataSource, recordID string) error {
	if !d.hasRemovedRecord(dataSource, recordID) {
		return ErrUnknownRef
	}
	return nil
}

// TrackStoredRelationship records that a relationship this delta added
// or changed was actually written, given the previous match_type and
// source breakdowns it replaced (both empty/zero for a brand new
// relationship). It emits the CSS relation-variant updates that
// require knowing the truly-prior persisted state, not just this
// task's in-memory view of it.
func (d *Delta) TrackStoredRelationship(entityID, relatedID int64, prevMatchType string, prevMySourceCount, prevRelatedSourceCount int) error {
	if !d.hasTouchedRelation(relatedID) {
		return ErrUnknownRef
	}
	if prevMatchType == "" {
		return nil // brand new row; cssRelationUpdates already accounted for it from Compute's old/new diff
	}
	if stat, ok := matchTypeStat(prevMatchType); ok {
		d.ReportUpdates = append(d.ReportUpdates, ReportUpdate{
			Key:          ReportKey{Code: ReportCSS, Statistic: stat},
			EntityDelta:  -(prevMySourceCount * prevRelatedSourceCount),
			RecordDelta:  -(prevMySourceCount + prevRelatedSourceCount),
			EntityID:     entityID,
			RelatedID:    &relatedID,
		})
	}
	return nil
}

// TrackDeletedRelationship records that a relationship this delta
// removed was actually deleted, given the match_type and source
// breakdowns it held just before deletion.
func (d *Delta) TrackDeletedRelationship(entityID, relatedID int64, matchType string, mySourceCount, relatedSourceCount int) error {
	if !d.hasTouchedRelation(relatedID) {
		return ErrUnknownRef
	}
	if stat, ok := matchTypeStat(matchType); ok {
		d.ReportUpdates = append(d.ReportUpdates, ReportUpdate{
			Key:          ReportKey{Code: ReportCSS, Statistic: stat},
			EntityDelta:  -(mySourceCount * relatedSourceCount),
			RecordDelta:  -(mySourceCount + relatedSourceCount),
			EntityID:     entityID,
			RelatedID:    &relatedID,
		})
	}
	return nil
}

func (d *Delta) hasAddedRecord(dataSource, recordID string) bool {
	for _, r := range d.AddedRecords {
		if r.DataSource == dataSource && r.RecordID == recordID {
			return true
		}
	}
	return false
}

func (d *Delta) hasRemovedRecord(dataSource, recordID string) bool {
	for _, r := range d.RemovedRecords {
		if r.DataSource == dataSource && r.RecordID == recordID {
			return true
		}
	}
	return false
}

func (d *Delta) hasTouchedRelation(relatedID int64) bool {
	for _, r := range d.AddedRelations {
		if r.RelatedID == relatedID {
			return true
		}
	}
	for _, r := range d.RemovedRelations {
		if r.RelatedID == relatedID {
			return true
		}
	}
	for _, r := range d.ChangedRelations {
		if r.Key.RelatedID == relatedID {
			return true
		}
	}
	return false
}
