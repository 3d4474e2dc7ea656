package mart

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/senzing-garage/data-mart-replicator/internal/delta"
)

// ReportKey is the mart package's name for the structured key the
// Entity Delta Computer already defines; kept as a type alias (the
// same type under a second name) here because the Report Aggregator's
// job is specifically the string<->struct round trip against the
// `report_key` column, and giving that round trip its own name keeps
// mart.ParseReportKey
// discoverable next to the schema it parses for.
type ReportKey = delta.ReportKey

// ParseReportKey is the strict inverse of delta.ReportKey.String(),
// used by the Report Aggregator to recover a key's report code,
// statistic, and source pair (or bucket) from the stored report_key
// column (spec.md §6's report key grammar).
func ParseReportKey(s string) (ReportKey, error) {
	parts := strings.Split(s, "|")
	if len(parts) == 0 {
		return ReportKey{}, fmt.Errorf("mart: empty report key")
	}
	code := delta.ReportCode(parts[0])

	switch code {
	case delta.ReportESB, delta.ReportERB:
		if len(parts) != 2 {
			return ReportKey{}, fmt.Errorf("mart: malformed %s report key %q", code, s)
		}
		bucket, err := strconv.Atoi(parts[1])
		if err != nil {
			return ReportKey{}, fmt.Errorf("mart: malformed bucket in report key %q: %w", s, err)
		}
		return ReportKey{Code: code, Bucket: bucket}, nil

	case delta.ReportDSS, delta.ReportCSS:
		if len(parts) != 4 {
			return ReportKey{}, fmt.Errorf("mart: malformed %s report key %q", code, s)
		}
		return ReportKey{
			Code:      code,
			Source1:   parts[1],
			Source2:   parts[2],
			Statistic: delta.Statistic(parts[3]),
		}, nil

	default:
		return ReportKey{}, fmt.Errorf("mart: unknown report code %q in key %q", parts[0], s)
	}
}
