package hash

import (
	"fmt"
	"strconv"
	"strings"
)

// RelationHash produces the canonical string for one relationship edge,
// stored in sz_dm_relation.relation_hash so the Persistence Layer can
// detect a no-op update the same way ToHash lets it detect a no-op
// entity update: upsert, compare, only stamp modifier_id when the text
// differs.
func RelationHash(rel RelatedEntity) string {
	sorted := append([]SourceBreakdown{}, rel.Sources...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1].DataSource > sorted[j].DataSource; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	srcParts := make([]string, 0, len(sorted))
	for _, s := range sorted {
		srcParts = append(srcParts, fmt.Sprintf("%s:%d", s.DataSource, s.Count))
	}
	return strings.Join([]string{
		fmt.Sprintf("%d", rel.MatchLevel),
		rel.MatchKey,
		rel.MatchType,
		strings.Join(srcParts, ","),
	}, fieldSep)
}

// ParseRelationHash is the inverse of RelationHash. The Persistence
// Layer uses it to recover the match_type and source breakdown a
// relation row held just before it is overwritten, for the
// trackStoredRelationship/trackDeletedRelationship callbacks that need
// the truly-prior persisted state (spec.md §4.2's closing paragraph).
func ParseRelationHash(s string) (matchLevel int, matchKey, matchType string, sources []SourceBreakdown, err error) {
	if s == "" {
		return 0, "", "", nil, &ParseError{Input: s, Cause: "empty relation hash"}
	}
	fields := strings.Split(s, fieldSep)
	if len(fields) != 4 {
		return 0, "", "", nil, &ParseError{Input: s, Cause: fmt.Sprintf("expected 4 fields, got %d", len(fields))}
	}
	matchLevel, err = strconv.Atoi(fields[0])
	if err != nil {
		return 0, "", "", nil, &ParseError{Input: s, Cause: "malformed match_level: " + err.Error()}
	}
	matchKey, matchType = fields[1], fields[2]
	if fields[3] == "" {
		return matchLevel, matchKey, matchType, nil, nil
	}
	for _, part := range strings.Split(fields[3], ",") {
		kv := strings.SplitN(part, ":", 2)
		if len(kv) != 2 {
			return 0, "", "", nil, &ParseError{Input: s, Cause: "malformed source breakdown"}
		}
		count, convErr := strconv.Atoi(kv[1])
		if convErr != nil {
			return 0, "", "", nil, &ParseError{Input: s, Cause: "malformed source count: " + convErr.Error()}
		}
		sources = append(sources, SourceBreakdown{DataSource: kv[0], Count: count})
	}
	return matchLevel, matchKey, matchType, sources, nil
}

func sourceTotal(sources []SourceBreakdown) int {
	total := 0
	for _, s := range sources {
		total += s.Count
	}
	return total
}

// SourceTotal sums the record counts across a source breakdown slice.
func SourceTotal(sources []SourceBreakdown) int { return sourceTotal(sources) }
