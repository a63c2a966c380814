package pipeline

import (
	"fmt"
	"time"
)

// PartitionRecomputeError marks a failed partition replace. The named
// table's partition for the date is absent or stale, the run is fatal, and
// the whole date must be rerun; a replace is never resumed halfway.
type PartitionRecomputeError struct {
	Table string
	Date  time.Time
	Err   error
}

func (e *PartitionRecomputeError) Error() string {
	return fmt.Sprintf("partition recompute failed for %s on %s: %v",
		e.Table, e.Date.Format("2006-01-02"), e.Err)
}

func (e *PartitionRecomputeError) Unwrap() error {
	return e.Err
}

// WarningKind classifies the non-fatal findings a run can surface.
type WarningKind string

const (
	// WarnSchemaViolation reports rows rejected by manifest validation. The
	// batch still lands minus the quarantined rows.
	WarnSchemaViolation WarningKind = "schema_violation"

	// WarnIdentityMappingAmbiguity reports overlapping mapping ranges for a
	// native sensor ID. Resolution stays deterministic via the documented
	// tie-break; the mapping data itself needs curation.
	WarnIdentityMappingAmbiguity WarningKind = "identity_mapping_ambiguity"

	// WarnQualityThresholdBreach reports a failed quality gate check.
	// Materialized data stays in place; the breach is for alerting.
	WarnQualityThresholdBreach WarningKind = "quality_threshold_breach"
)

// Warning is one itemized non-fatal finding from a run.
type Warning struct {
	Kind   WarningKind
	Source string
	Detail string
}
