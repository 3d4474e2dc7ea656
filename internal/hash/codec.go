package hash

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseError is returned when a stored hash string cannot be parsed
// back into a Snapshot. It always indicates either a bug in ToHash or
// corruption of the stored sz_dm_entity.entity_hash column.
type ParseError struct {
	Input string
	Cause string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("hash: parse error: %s (input=%q)", e.Cause, e.Input)
}

const (
	recordsHeader = "RECORDS"
	relatedHeader = "RELATED"
	fieldSep      = "\x1f" // unit separator, never appears in source data
	recordSep     = "\x1e" // record separator
	groupSep      = "\x1d" // group separator between RECORDS and RELATED sections
)

// ToHash produces the canonical string for a snapshot. Equal snapshots
// (after Sorted) always produce byte-identical output; any semantic
// change to records, relationships, or their breakdowns changes the
// string.
func ToHash(s Snapshot) string {
	s = s.Sorted()

	var b strings.Builder
	fmt.Fprintf(&b, "%d%s%s", s.EntityID, fieldSep, s.EntityName)
	b.WriteString(groupSep)

	b.WriteString(recordsHeader)
	for _, r := range s.Records {
		b.WriteString(recordSep)
		b.WriteString(strings.Join([]string{r.DataSource, r.RecordID, r.MatchKey, r.Principle}, fieldSep))
	}
	b.WriteString(groupSep)

	b.WriteString(relatedHeader)
	for _, rel := range s.Related {
		b.WriteString(recordSep)
		srcParts := make([]string, 0, len(rel.Sources))
		for _, src := range rel.Sources {
			srcParts = append(srcParts, fmt.Sprintf("%s:%d", src.DataSource, src.Count))
		}
		b.WriteString(strings.Join([]string{
			strconv.FormatInt(rel.RelatedID, 10),
			strconv.Itoa(rel.MatchLevel),
			rel.MatchKey,
			rel.MatchType,
			strings.Join(srcParts, ","),
		}, fieldSep))
	}

	return b.String()
}

// ParseHash reconstructs a Snapshot from a stored hash string. It is
// the strict inverse of ToHash: ParseHash(ToHash(s)) == s for every
// Sorted snapshot s.
func ParseHash(input string) (Snapshot, error) {
	if input == "" {
		return Snapshot{}, &ParseError{Input: input, Cause: "empty hash"}
	}

	groups := strings.Split(input, groupSep)
	if len(groups) != 3 {
		return Snapshot{}, &ParseError{Input: input, Cause: fmt.Sprintf("expected 3 sections, got %d", len(groups))}
	}

	header := strings.Split(groups[0], fieldSep)
	if len(header) != 2 {
		return Snapshot{}, &ParseError{Input: input, Cause: "malformed header"}
	}
	entityID, err := strconv.ParseInt(header[0], 10, 64)
	if err != nil {
		return Snapshot{}, &ParseError{Input: input, Cause: "malformed entity_id: " + err.Error()}
	}
	snap := Snapshot{EntityID: entityID, EntityName: header[1]}

	recordsSection := strings.Split(groups[1], recordSep)
	if recordsSection[0] != recordsHeader {
		return Snapshot{}, &ParseError{Input: input, Cause: "missing RECORDS header"}
	}
	for _, chunk := range recordsSection[1:] {
		fields := strings.Split(chunk, fieldSep)
		if len(fields) != 4 {
			return Snapshot{}, &ParseError{Input: input, Cause: "malformed record entry"}
		}
		snap.Records = append(snap.Records, RecordRef{
			DataSource: fields[0],
			RecordID:   fields[1],
			MatchKey:   fields[2],
			Principle:  fields[3],
		})
	}

	relatedSection := strings.Split(groups[2], recordSep)
	if relatedSection[0] != relatedHeader {
		return Snapshot{}, &ParseError{Input: input, Cause: "missing RELATED header"}
	}
	for _, chunk := range relatedSection[1:] {
		fields := strings.Split(chunk, fieldSep)
		if len(fields) != 5 {
			return Snapshot{}, &ParseError{Input: input, Cause: "malformed related entry"}
		}
		relatedID, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return Snapshot{}, &ParseError{Input: input, Cause: "malformed related_id: " + err.Error()}
		}
		level, err := strconv.Atoi(fields[1])
		if err != nil {
			return Snapshot{}, &ParseError{Input: input, Cause: "malformed match_level: " + err.Error()}
		}
		related := RelatedEntity{RelatedID: relatedID, MatchLevel: level, MatchKey: fields[2], MatchType: fields[3]}
		if fields[4] != "" {
			for _, srcPart := range strings.Split(fields[4], ",") {
				kv := strings.SplitN(srcPart, ":", 2)
				if len(kv) != 2 {
					return Snapshot{}, &ParseError{Input: input, Cause: "malformed source breakdown"}
				}
				count, err := strconv.Atoi(kv[1])
				if err != nil {
					return Snapshot{}, &ParseError{Input: input, Cause: "malformed source count: " + err.Error()}
				}
				related.Sources = append(related.Sources, SourceBreakdown{DataSource: kv[0], Count: count})
			}
		}
		snap.Related = append(snap.Related, related)
	}

	return snap, nil
}
