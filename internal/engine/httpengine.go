package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"

	"github.com/senzing-garage/data-mart-replicator/internal/hash"
)

// HTTPClient is the subset of *http.Client the engine needs, so tests
// can substitute a stub round tripper.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPEngine resolves entities against a JSON HTTP resolution service,
// parsing the RESOLVED_ENTITY shape spec.md §6 names with gjson rather
// than a typed SDK, the way the teacher's internal/embedding.OpenAI
// wraps a specific HTTP API but generalized to this domain's own JSON
// contract.
type HTTPEngine struct {
	client  HTTPClient
	baseURL string
}

// NewHTTPEngine constructs an Engine backed by an HTTP resolution
// service reachable at baseURL.
func NewHTTPEngine(baseURL string, client HTTPClient) *HTTPEngine {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPEngine{client: client, baseURL: baseURL}
}

var _ Engine = (*HTTPEngine)(nil)

func (e *HTTPEngine) GetEntityByID(ctx context.Context, entityID int64) (*hash.Snapshot, error) {
	return e.fetch(ctx, fmt.Sprintf("%s/entities/%d", e.baseURL, entityID))
}

func (e *HTTPEngine) GetEntityByRecordKey(ctx context.Context, key RecordKey) (*hash.Snapshot, error) {
	q := url.Values{}
	q.Set("data_source", key.DataSource)
	q.Set("record_id", key.RecordID)
	return e.fetch(ctx, fmt.Sprintf("%s/records?%s", e.baseURL, q.Encode()))
}

func (e *HTTPEngine) FindPath(ctx context.Context, entityID, relatedID int64, maxDegrees int) (*hash.RelatedEntity, error) {
	u := fmt.Sprintf("%s/paths?from=%d&to=%d&max_degrees=%d", e.baseURL, entityID, relatedID, maxDegrees)
	body, err := e.get(ctx, u)
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, nil
	}
	root := gjson.ParseBytes(body)
	entities := root.Get("ENTITY_PATHS.0.ENTITIES")
	if !entities.Exists() || len(entities.Array()) == 0 {
		return nil, nil
	}
	rel := parseRelatedEntity(entities.Array()[len(entities.Array())-1])
	return &rel, nil
}

func (e *HTTPEngine) fetch(ctx context.Context, u string) (*hash.Snapshot, error) {
	body, err := e.get(ctx, u)
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, nil
	}
	return parseResolvedEntity(body)
}

// get issues the request and returns the body, or (nil, nil) for a 404
// (surfaced as a nil snapshot, which the calling layer treats the same
// as ErrNotFound, i.e. "deleted").
func (e *HTTPEngine) get(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("engine: build request: %w", err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("engine: request %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("engine: read response body: %w", err)
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("engine: %s returned %d", u, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("engine: %s returned %d: %s", u, resp.StatusCode, string(body))
	}
	return body, nil
}

// parseResolvedEntity decodes the RESOLVED_ENTITY JSON shape from
// spec.md §6 into a hash.Snapshot, without unmarshaling into an
// intermediate struct — gjson lets the parser tolerate the engine's
// occasional extra fields without a full schema.
func parseResolvedEntity(body []byte) (*hash.Snapshot, error) {
	root := gjson.ParseBytes(body)
	entity := root.Get("RESOLVED_ENTITY")
	if !entity.Exists() {
		return nil, fmt.Errorf("engine: response missing RESOLVED_ENTITY")
	}

	snap := &hash.Snapshot{
		EntityID:   entity.Get("ENTITY_ID").Int(),
		EntityName: entity.Get("ENTITY_NAME").String(),
	}

	for _, rec := range entity.Get("RECORDS").Array() {
		snap.Records = append(snap.Records, hash.RecordRef{
			DataSource: rec.Get("DATA_SOURCE").String(),
			RecordID:   rec.Get("RECORD_ID").String(),
			MatchKey:   rec.Get("MATCH_KEY").String(),
			Principle:  firstNonEmpty(rec.Get("ERRULE_CODE").String(), rec.Get("PRINCIPLE").String()),
		})
	}

	for _, rel := range entity.Get("RELATED_ENTITIES").Array() {
		snap.Related = append(snap.Related, parseRelatedEntity(rel))
	}

	return snap, nil
}

func parseRelatedEntity(rel gjson.Result) hash.RelatedEntity {
	related := hash.RelatedEntity{
		RelatedID:  rel.Get("ENTITY_ID").Int(),
		MatchLevel: int(rel.Get("MATCH_LEVEL").Int()),
		MatchKey:   rel.Get("MATCH_KEY").String(),
		MatchType:  rel.Get("MATCH_TYPE").String(),
	}
	for src, count := range rel.Get("RECORD_SUMMARY").Map() {
		related.Sources = append(related.Sources, hash.SourceBreakdown{
			DataSource: src,
			Count:      int(count.Int()),
		})
	}
	return related
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
