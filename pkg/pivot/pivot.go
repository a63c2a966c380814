package pivot

import (
	"fmt"
	"time"

	"github.com/sensorlake/sensorlake/pkg/manifest"
	"github.com/sensorlake/sensorlake/pkg/normalize"
)

// Event is one tall fact row: a single metric observation for one sensor at
// one instant. Coordinates are replicated verbatim onto every metric row
// emitted from the same reading.
type Event struct {
	Timestamp      time.Time
	Source         string
	NativeSensorID string
	MetricName     string
	Value          float64
	Latitude       *float64
	Longitude      *float64
	GeoPoint       string // "lat,lon" at 5 decimal places, empty unless both coordinates are present
}

// GeoPoint renders a lat/lon pair in the canonical "lat,lon" form used across
// the event store and location tables. Both coordinates must be present;
// a pair is never approximated with zeros.
func GeoPoint(lat, lon *float64) string {
	if lat == nil || lon == nil {
		return ""
	}
	return fmt.Sprintf("%.5f,%.5f", *lat, *lon)
}

// Events melts one normalized reading into exactly one Event per manifest
// metric, in manifest order. Pure: the output is a function of the reading
// and the manifest alone, so repeated pivoting of the same batch yields an
// identical event set.
func Events(m *manifest.Manifest, r normalize.Reading) []Event {
	geo := GeoPoint(r.Latitude, r.Longitude)
	events := make([]Event, 0, len(m.Metrics))
	for _, met := range m.Metrics {
		value := met.Kind.Zero()
		if mv, ok := r.Metric(met.Name); ok {
			value = mv.Value
		}
		events = append(events, Event{
			Timestamp:      r.Timestamp,
			Source:         r.Source,
			NativeSensorID: r.NativeSensorID,
			MetricName:     met.Name,
			Value:          value,
			Latitude:       r.Latitude,
			Longitude:      r.Longitude,
			GeoPoint:       geo,
		})
	}
	return events
}

// EventsForBatch pivots a batch of readings in order. The result length is
// always len(readings) * len(manifest metrics).
func EventsForBatch(m *manifest.Manifest, readings []normalize.Reading) []Event {
	events := make([]Event, 0, len(readings)*len(m.Metrics))
	for _, r := range readings {
		events = append(events, Events(m, r)...)
	}
	return events
}
