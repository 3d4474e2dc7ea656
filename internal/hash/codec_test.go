package hash

import (
	"reflect"
	"testing"
)

func TestToHash_SortsFields(t *testing.T) {
	a := Snapshot{
		EntityID:   42,
		EntityName: "ACME INC",
		Records: []RecordRef{
			{DataSource: "B", RecordID: "2", MatchKey: "k2", Principle: "p2"},
			{DataSource: "A", RecordID: "1", MatchKey: "k1", Principle: "p1"},
		},
	}
	b := Snapshot{
		EntityID:   42,
		EntityName: "ACME INC",
		Records: []RecordRef{
			{DataSource: "A", RecordID: "1", MatchKey: "k1", Principle: "p1"},
			{DataSource: "B", RecordID: "2", MatchKey: "k2", Principle: "p2"},
		},
	}

	if ToHash(a) != ToHash(b) {
		t.Fatalf("semantically equal snapshots produced different hashes:\n%s\n%s", ToHash(a), ToHash(b))
	}
}

func TestHashRoundTrip(t *testing.T) {
	cases := []Snapshot{
		{EntityID: 1, EntityName: "solo"},
		{
			EntityID:   42,
			EntityName: "two records",
			Records: []RecordRef{
				{DataSource: "A", RecordID: "1", MatchKey: "k1", Principle: "p1"},
				{DataSource: "A", RecordID: "2", MatchKey: "k2", Principle: "p2"},
			},
		},
		{
			EntityID:   10,
			EntityName: "with relation",
			Records: []RecordRef{{DataSource: "A", RecordID: "1"}},
			Related: []RelatedEntity{
				{
					RelatedID:  11,
					MatchLevel: 1,
					MatchKey:   "NAME+DOB",
					MatchType:  "POSSIBLE_MATCH",
					Sources:    []SourceBreakdown{{DataSource: "A", Count: 1}, {DataSource: "B", Count: 2}},
				},
			},
		},
	}

	for i, c := range cases {
		want := c.Sorted()
		encoded := ToHash(c)
		got, err := ParseHash(encoded)
		if err != nil {
			t.Fatalf("case %d: ParseHash(%q): %v", i, encoded, err)
		}
		if !reflect.DeepEqual(want, got) {
			t.Fatalf("case %d: round trip mismatch\nwant: %+v\ngot:  %+v", i, want, got)
		}
	}
}

func TestParseHash_Malformed(t *testing.T) {
	cases := []string{
		"",
		"not-a-valid-hash",
		"1\x1fname\x1dRECORDS\x1dRELATED\x1dextra",
	}
	for _, c := range cases {
		if _, err := ParseHash(c); err == nil {
			t.Fatalf("expected ParseError for input %q", c)
		} else if _, ok := err.(*ParseError); !ok {
			t.Fatalf("expected *ParseError, got %T", err)
		}
	}
}
