package delta

import "github.com/senzing-garage/data-mart-replicator/internal/hash"

func esbUpdates(old, new *hash.Snapshot) []ReportUpdate {
	var out []ReportUpdate
	entityID := currentEntityID(old, new)
	if old != nil {
		oldBucket := len(old.Records)
		newBucket := -1
		if new != nil {
			newBucket = len(new.Records)
		}
		if newBucket != oldBucket {
			out = append(out, ReportUpdate{Key: ReportKey{Code: ReportESB, Bucket: oldBucket}, EntityDelta: -1, EntityID: entityID})
		}
	}
	if new != nil {
		newBucket := len(new.Records)
		oldBucket := -1
		if old != nil {
			oldBucket = len(old.Records)
		}
		if newBucket != oldBucket {
			out = append(out, ReportUpdate{Key: ReportKey{Code: ReportESB, Bucket: newBucket}, EntityDelta: 1, EntityID: entityID})
		}
	}
	return out
}

func erbUpdates(old, new *hash.Snapshot) []ReportUpdate {
	var out []ReportUpdate
	entityID := currentEntityID(old, new)
	if old != nil {
		oldBucket := len(old.Related)
		newBucket := -1
		if new != nil {
			newBucket = len(new.Related)
		}
		if newBucket != oldBucket {
			out = append(out, ReportUpdate{Key: ReportKey{Code: ReportERB, Bucket: oldBucket}, EntityDelta: -1, EntityID: entityID})
		}
	}
	if new != nil {
		newBucket := len(new.Related)
		oldBucket := -1
		if old != nil {
			oldBucket = len(old.Related)
		}
		if newBucket != oldBucket {
			out = append(out, ReportUpdate{Key: ReportKey{Code: ReportERB, Bucket: newBucket}, EntityDelta: 1, EntityID: entityID})
		}
	}
	return out
}

func currentEntityID(old, new *hash.Snapshot) int64 {
	if new != nil {
		return new.EntityID
	}
	return old.EntityID
}

// dssUpdates implements spec.md §4.2 item 3: per source, entity
// entry/exit and the UNMATCHED<->MATCHED transition as the record
// count held by that source within this entity changes.
func dssUpdates(old, new *hash.Snapshot, entityID int64) []ReportUpdate {
	oldCounts := map[string]int{}
	newCounts := map[string]int{}
	if old != nil {
		oldCounts = old.SourceCounts()
	}
	if new != nil {
		newCounts = new.SourceCounts()
	}

	sources := map[string]struct{}{}
	for s := range oldCounts {
		sources[s] = struct{}{}
	}
	for s := range newCounts {
		sources[s] = struct{}{}
	}

	var out []ReportUpdate
	for s := range sources {
		oc, nc := oldCounts[s], newCounts[s]
		out = append(out, sourceTransition(ReportCSS, ReportDSS, s, s, entityID, oc, nc)...)
	}
	return out
}

// sourceTransition produces the ENTITY_COUNT + MATCHED/UNMATCHED
// updates shared by the DSS computation (single source) and the CSS
// match-variant computation (source pair), per spec.md §4.2 items 3-4.
func sourceTransition(_, code ReportCode, s1, s2 string, entityID int64, oldCount, newCount int) []ReportUpdate {
	var out []ReportUpdate
	key := func(stat Statistic) ReportKey { return ReportKey{Code: code, Statistic: stat, Source1: s1, Source2: s2} }

	switch {
	case oldCount == 0 && newCount > 0:
		out = append(out, ReportUpdate{Key: key(StatEntityCount), EntityDelta: 1, EntityID: entityID})
		if newCount == 1 {
			out = append(out, ReportUpdate{Key: key(StatUnmatchedCount), EntityDelta: 1, RecordDelta: 1, EntityID: entityID})
		} else {
			out = append(out, ReportUpdate{Key: key(StatMatchedCount), EntityDelta: 1, RecordDelta: newCount, EntityID: entityID})
		}
	case oldCount > 0 && newCount == 0:
		out = append(out, ReportUpdate{Key: key(StatEntityCount), EntityDelta: -1, EntityID: entityID})
		if oldCount == 1 {
			out = append(out, ReportUpdate{Key: key(StatUnmatchedCount), EntityDelta: -1, RecordDelta: -1, EntityID: entityID})
		} else {
			out = append(out, ReportUpdate{Key: key(StatMatchedCount), EntityDelta: -1, RecordDelta: -oldCount, EntityID: entityID})
		}
	case oldCount > 0 && newCount > 0 && oldCount != newCount:
		switch {
		case oldCount == 1 && newCount > 1:
			out = append(out, ReportUpdate{Key: key(StatUnmatchedCount), EntityDelta: -1, RecordDelta: -1, EntityID: entityID})
			out = append(out, ReportUpdate{Key: key(StatMatchedCount), EntityDelta: 1, RecordDelta: newCount, EntityID: entityID})
		case oldCount > 1 && newCount == 1:
			out = append(out, ReportUpdate{Key: key(StatMatchedCount), EntityDelta: -1, RecordDelta: -oldCount, EntityID: entityID})
			out = append(out, ReportUpdate{Key: key(StatUnmatchedCount), EntityDelta: 1, RecordDelta: 1, EntityID: entityID})
		default: // both > 1: stays MATCHED, only the record count shifts
			out = append(out, ReportUpdate{Key: key(StatMatchedCount), RecordDelta: newCount - oldCount, EntityID: entityID})
		}
	}
	return out
}

// cssMatchUpdates implements spec.md §4.2 item 4: for every ordered
// pair of distinct sources present together in the entity's record
// set, the same add/drop/delta pattern as DSS applies, keyed by the
// pair instead of a single source. Both (s1,s2) and (s2,s1) get their
// own report row (mirrored, not summed) so an aggregator query keyed
// on source1 alone sees every source that source participates with,
// without having to check source2 as well.
func cssMatchUpdates(old, new *hash.Snapshot, entityID int64) []ReportUpdate {
	oldCounts := map[string]int{}
	newCounts := map[string]int{}
	if old != nil {
		oldCounts = old.SourceCounts()
	}
	if new != nil {
		newCounts = new.SourceCounts()
	}

	sources := map[string]struct{}{}
	for s := range oldCounts {
		sources[s] = struct{}{}
	}
	for s := range newCounts {
		sources[s] = struct{}{}
	}

	var out []ReportUpdate
	for s1 := range sources {
		for s2 := range sources {
			if s1 == s2 {
				continue
			}
			oldPresent := oldCounts[s1] > 0 && oldCounts[s2] > 0
			newPresent := newCounts[s1] > 0 && newCounts[s2] > 0
			oldTotal, newTotal := 0, 0
			if oldPresent {
				oldTotal = oldCounts[s1] + oldCounts[s2]
			}
			if newPresent {
				newTotal = newCounts[s1] + newCounts[s2]
			}
			key := ReportKey{Code: ReportCSS, Statistic: StatMatchedCount, Source1: s1, Source2: s2}
			switch {
			case !oldPresent && newPresent:
				out = append(out, ReportUpdate{Key: key, EntityDelta: 1, RecordDelta: newTotal, EntityID: entityID})
			case oldPresent && !newPresent:
				out = append(out, ReportUpdate{Key: key, EntityDelta: -1, RecordDelta: -oldTotal, EntityID: entityID})
			case oldPresent && newPresent && oldTotal != newTotal:
				out = append(out, ReportUpdate{Key: key, RecordDelta: newTotal - oldTotal, EntityID: entityID})
			}
		}
	}
	return out
}

// matchTypeStat maps a relationship's match_type to its CSS statistic name.
func matchTypeStat(matchType string) (Statistic, bool) {
	switch matchType {
	case "AMBIGUOUS_MATCH":
		return StatAmbiguousMatch, true
	case "POSSIBLE_MATCH":
		return StatPossibleMatch, true
	case "DISCLOSED_RELATION":
		return StatDisclosedRelation, true
	case "POSSIBLE_RELATION":
		return StatPossibleRelation, true
	default:
		return "", false
	}
}

// cssRelationUpdates implements spec.md §4.2 item 5, resolved per
// Open Question #2 (spec.md §9): the entities delta for each
// (mySource, relatedSource, matchType) triple uses the per-pair
// PRODUCT of the two sides' source record counts, not a flat record
// count, so it stays consistent with the aggregator's orphan
// reconciliation (a source with N records contributes N distinct
// matched pairs to every related source, not one).
func cssRelationUpdates(old, new *hash.Snapshot, entityID int64) []ReportUpdate {
	type triple struct {
		mySource, relatedSource string
		matchType               string
	}

	weight := func(snap *hash.Snapshot) map[triple]struct{ records, entities int } {
		out := map[triple]struct{ records, entities int }{}
		if snap == nil {
			return out
		}
		myCounts := snap.SourceCounts()
		for _, rel := range snap.Related {
			stat, ok := matchTypeStat(rel.MatchType)
			if !ok {
				continue
			}
			_ = stat
			for mySrc, myCount := range myCounts {
				for _, relSrc := range rel.Sources {
					t := triple{mySource: mySrc, relatedSource: relSrc.DataSource, matchType: rel.MatchType}
					cur := out[t]
					cur.records += myCount + relSrc.Count
					cur.entities += myCount * relSrc.Count
					out[t] = cur
				}
			}
		}
		return out
	}

	oldW := weight(old)
	newW := weight(new)

	triples := map[triple]struct{}{}
	for t := range oldW {
		triples[t] = struct{}{}
	}
	for t := range newW {
		triples[t] = struct{}{}
	}

	var out []ReportUpdate
	for t := range triples {
		stat, _ := matchTypeStat(t.matchType)
		ow, nw := oldW[t], newW[t]
		if ow.entities == nw.entities && ow.records == nw.records {
			continue
		}
		out = append(out, ReportUpdate{
			Key:          ReportKey{Code: ReportCSS, Statistic: stat, Source1: t.mySource, Source2: t.relatedSource},
			EntityDelta:  nw.entities - ow.entities,
			RecordDelta:  nw.records - ow.records,
			EntityID:     entityID,
		})
	}
	return out
}
