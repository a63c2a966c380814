package normalize

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sensorlake/sensorlake/pkg/manifest"
)

// Record is one raw wide row as decoded from a source batch. Fields holds
// every column by header name, untyped.
type Record struct {
	Source string
	Line   int // position in the batch, for quarantine reporting
	Fields map[string]string
}

// MetricValue is one manifest metric on a normalized reading. Missing is true
// when the source omitted the metric and the kind's zero default was filled;
// the raw landing preserves it as NULL while the event store carries the
// default.
type MetricValue struct {
	Name    string
	Value   float64
	Missing bool
}

// Reading is a fully typed wide reading. Metrics is aligned to manifest
// order, with every declared metric present.
type Reading struct {
	Source         string
	NativeSensorID string
	Timestamp      time.Time
	Latitude       *float64
	Longitude      *float64
	Metrics        []MetricValue
}

// Metric returns the named metric value.
func (r *Reading) Metric(name string) (MetricValue, bool) {
	for _, mv := range r.Metrics {
		if mv.Name == name {
			return mv, true
		}
	}
	return MetricValue{}, false
}

// Reason classifies why a record was quarantined.
type Reason string

const (
	ReasonMissingSensorID       Reason = "missing_native_sensor_id"
	ReasonMissingTimestamp      Reason = "missing_timestamp"
	ReasonInvalidTimestamp      Reason = "invalid_timestamp"
	ReasonInvalidCoordinate     Reason = "invalid_coordinate"
	ReasonInvalidMetricValue    Reason = "invalid_metric_value"
	ReasonMissingRequiredMetric Reason = "missing_required_metric"
)

const maxQuarantineSamples = 20

// QuarantinedRecord describes one rejected row.
type QuarantinedRecord struct {
	Line   int
	Reason Reason
	Detail string
}

// Quarantine summarizes rejected rows for one batch.
type Quarantine struct {
	Total   int
	Reasons map[Reason]int
	Samples []QuarantinedRecord
}

func (q *Quarantine) add(line int, reason Reason, detail string) {
	q.Total++
	q.Reasons[reason]++
	if len(q.Samples) < maxQuarantineSamples {
		q.Samples = append(q.Samples, QuarantinedRecord{Line: line, Reason: reason, Detail: detail})
	}
}

// Normalize validates and types a batch of raw records against the source
// manifest. Valid records become fully typed Readings in input order; invalid
// records are quarantined with a reason, never silently dropped. Columns not
// declared in the manifest are ignored. Pure: no I/O.
func Normalize(m *manifest.Manifest, records []Record) ([]Reading, *Quarantine) {
	readings := make([]Reading, 0, len(records))
	quarantine := &Quarantine{Reasons: make(map[Reason]int)}

	for _, rec := range records {
		reading, reason, detail := normalizeOne(m, rec)
		if reason != "" {
			quarantine.add(rec.Line, reason, detail)
			continue
		}
		readings = append(readings, reading)
	}
	return readings, quarantine
}

func normalizeOne(m *manifest.Manifest, rec Record) (Reading, Reason, string) {
	sensorID := strings.TrimSpace(rec.Fields[manifest.FieldNativeSensorID])
	if sensorID == "" {
		return Reading{}, ReasonMissingSensorID, "native_sensor_id is empty"
	}

	rawTS := strings.TrimSpace(rec.Fields[manifest.FieldTimestamp])
	if rawTS == "" {
		return Reading{}, ReasonMissingTimestamp, "timestamp is empty"
	}
	ts, err := parseTimestamp(rawTS)
	if err != nil {
		return Reading{}, ReasonInvalidTimestamp, err.Error()
	}

	lat, err := parseCoordinate(rec.Fields[manifest.FieldLatitude], -90, 90)
	if err != nil {
		return Reading{}, ReasonInvalidCoordinate, fmt.Sprintf("latitude: %v", err)
	}
	lon, err := parseCoordinate(rec.Fields[manifest.FieldLongitude], -180, 180)
	if err != nil {
		return Reading{}, ReasonInvalidCoordinate, fmt.Sprintf("longitude: %v", err)
	}

	metrics := make([]MetricValue, 0, len(m.Metrics))
	for _, met := range m.Metrics {
		raw, ok := rec.Fields[met.Name]
		raw = strings.TrimSpace(raw)
		if !ok || raw == "" {
			if met.Required {
				return Reading{}, ReasonMissingRequiredMetric, fmt.Sprintf("required metric %s is absent", met.Name)
			}
			metrics = append(metrics, MetricValue{Name: met.Name, Value: met.Kind.Zero(), Missing: true})
			continue
		}
		v, err := met.Kind.Parse(raw)
		if err != nil {
			return Reading{}, ReasonInvalidMetricValue, fmt.Sprintf("metric %s: %v", met.Name, err)
		}
		metrics = append(metrics, MetricValue{Name: met.Name, Value: v})
	}

	return Reading{
		Source:         rec.Source,
		NativeSensorID: sensorID,
		Timestamp:      ts.UTC(),
		Latitude:       lat,
		Longitude:      lon,
		Metrics:        metrics,
	}, "", ""
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparsable timestamp %q", s)
}

func parseCoordinate(raw string, min, max float64) (*float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, fmt.Errorf("not a number: %q", raw)
	}
	if v < min || v > max {
		return nil, fmt.Errorf("out of range: %v", v)
	}
	return &v, nil
}
