package engine

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
)

type stubClient struct {
	status int
	body   string
}

func (s *stubClient) Do(req *http.Request) (*http.Response, error) {
	return &http.Response{
		StatusCode: s.status,
		Body:       io.NopCloser(strings.NewReader(s.body)),
	}, nil
}

func TestHTTPEngine_GetEntityByID_ParsesResolvedEntity(t *testing.T) {
	body := `{
		"RESOLVED_ENTITY": {
			"ENTITY_ID": 42,
			"ENTITY_NAME": "ACME INC",
			"RECORDS": [
				{"DATA_SOURCE": "A", "RECORD_ID": "1", "MATCH_KEY": "NAME", "ERRULE_CODE": "R1"}
			],
			"RELATED_ENTITIES": [
				{"ENTITY_ID": 43, "MATCH_LEVEL": 2, "MATCH_KEY": "NAME", "MATCH_TYPE": "POSSIBLE_MATCH", "RECORD_SUMMARY": {"B": 3}}
			]
		}
	}`
	e := NewHTTPEngine("http://engine.local", &stubClient{status: 200, body: body})

	snap, err := e.GetEntityByID(context.Background(), 42)
	if err != nil {
		t.Fatalf("GetEntityByID: %v", err)
	}
	if snap.EntityID != 42 || snap.EntityName != "ACME INC" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if len(snap.Records) != 1 || snap.Records[0].DataSource != "A" {
		t.Fatalf("unexpected records: %+v", snap.Records)
	}
	if len(snap.Related) != 1 || snap.Related[0].RelatedID != 43 || snap.Related[0].Sources[0].Count != 3 {
		t.Fatalf("unexpected related: %+v", snap.Related)
	}
}

func TestHTTPEngine_GetEntityByID_NotFound(t *testing.T) {
	e := NewHTTPEngine("http://engine.local", &stubClient{status: 404, body: ""})
	snap, err := e.GetEntityByID(context.Background(), 99)
	if err != nil {
		t.Fatalf("expected nil error on 404, got %v", err)
	}
	if snap != nil {
		t.Fatalf("expected nil snapshot for not-found entity, got %+v", snap)
	}
}

func TestHTTPEngine_GetEntityByID_ServerError(t *testing.T) {
	e := NewHTTPEngine("http://engine.local", &stubClient{status: 500, body: "boom"})
	if _, err := e.GetEntityByID(context.Background(), 1); err == nil {
		t.Fatal("expected error on 5xx response")
	}
}
