package normalize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sensorlake/sensorlake/pkg/manifest"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	weather := manifest.Weather()

	record := func(fields map[string]string) Record {
		return Record{Source: weather.Source, Line: 1, Fields: fields}
	}

	valid := map[string]string{
		"native_sensor_id": "wx-001",
		"timestamp":        "2024-06-01T10:15:00Z",
		"latitude":         "40.71280",
		"longitude":        "-74.00600",
		"temperature_c":    "21.5",
		"humidity_pct":     "55",
		"pressure_hpa":     "1013.2",
		"wind_speed_ms":    "3.4",
		"wind_dir_deg":     "270",
		"precip_mm":        "0",
	}

	clone := func(m map[string]string) map[string]string {
		out := make(map[string]string, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out
	}

	t.Run("typed_reading_in_manifest_metric_order", func(t *testing.T) {
		t.Parallel()

		readings, quarantine := Normalize(weather, []Record{record(valid)})
		require.Zero(t, quarantine.Total)
		require.Len(t, readings, 1)

		got := readings[0]
		require.Equal(t, "wx-001", got.NativeSensorID)
		require.Equal(t, time.Date(2024, 6, 1, 10, 15, 0, 0, time.UTC), got.Timestamp)
		require.NotNil(t, got.Latitude)
		require.InDelta(t, 40.7128, *got.Latitude, 1e-9)
		require.NotNil(t, got.Longitude)
		require.InDelta(t, -74.006, *got.Longitude, 1e-9)

		names := make([]string, 0, len(got.Metrics))
		for _, mv := range got.Metrics {
			names = append(names, mv.Name)
		}
		require.Equal(t, weather.MetricNames(), names)

		temp, ok := got.Metric("temperature_c")
		require.True(t, ok)
		require.InDelta(t, 21.5, temp.Value, 1e-9)
		require.False(t, temp.Missing)
	})

	t.Run("absent_optional_metric_fills_kind_default_and_marks_missing", func(t *testing.T) {
		t.Parallel()

		fields := clone(valid)
		delete(fields, "pressure_hpa")
		fields["wind_dir_deg"] = " "

		readings, quarantine := Normalize(weather, []Record{record(fields)})
		require.Zero(t, quarantine.Total)
		require.Len(t, readings, 1)

		pressure, ok := readings[0].Metric("pressure_hpa")
		require.True(t, ok)
		require.Zero(t, pressure.Value)
		require.True(t, pressure.Missing)

		windDir, ok := readings[0].Metric("wind_dir_deg")
		require.True(t, ok)
		require.Zero(t, windDir.Value)
		require.True(t, windDir.Missing)
	})

	t.Run("absent_required_metric_quarantines_record", func(t *testing.T) {
		t.Parallel()

		fields := clone(valid)
		delete(fields, "temperature_c")

		readings, quarantine := Normalize(weather, []Record{record(fields)})
		require.Empty(t, readings)
		require.Equal(t, 1, quarantine.Total)
		require.Equal(t, 1, quarantine.Reasons[ReasonMissingRequiredMetric])
	})

	t.Run("blank_coordinates_become_nil_without_quarantine", func(t *testing.T) {
		t.Parallel()

		fields := clone(valid)
		fields["latitude"] = ""
		delete(fields, "longitude")

		readings, quarantine := Normalize(weather, []Record{record(fields)})
		require.Zero(t, quarantine.Total)
		require.Len(t, readings, 1)
		require.Nil(t, readings[0].Latitude)
		require.Nil(t, readings[0].Longitude)
	})

	t.Run("quarantines_by_reason", func(t *testing.T) {
		t.Parallel()

		noID := clone(valid)
		noID["native_sensor_id"] = "  "
		badTS := clone(valid)
		badTS["timestamp"] = "last tuesday"
		badLat := clone(valid)
		badLat["latitude"] = "91.2"
		badMetric := clone(valid)
		badMetric["humidity_pct"] = "fifty"

		records := []Record{
			{Source: weather.Source, Line: 1, Fields: noID},
			{Source: weather.Source, Line: 2, Fields: badTS},
			{Source: weather.Source, Line: 3, Fields: badLat},
			{Source: weather.Source, Line: 4, Fields: badMetric},
			{Source: weather.Source, Line: 5, Fields: clone(valid)},
		}

		readings, quarantine := Normalize(weather, records)
		require.Len(t, readings, 1)
		require.Equal(t, 4, quarantine.Total)
		require.Equal(t, 1, quarantine.Reasons[ReasonMissingSensorID])
		require.Equal(t, 1, quarantine.Reasons[ReasonInvalidTimestamp])
		require.Equal(t, 1, quarantine.Reasons[ReasonInvalidCoordinate])
		require.Equal(t, 1, quarantine.Reasons[ReasonInvalidMetricValue])
		require.Len(t, quarantine.Samples, 4)
		require.Equal(t, 2, quarantine.Samples[1].Line)
	})

	t.Run("timestamps_normalized_to_utc", func(t *testing.T) {
		t.Parallel()

		fields := clone(valid)
		fields["timestamp"] = "2024-06-01T12:15:00+02:00"

		readings, quarantine := Normalize(weather, []Record{record(fields)})
		require.Zero(t, quarantine.Total)
		require.Len(t, readings, 1)
		require.Equal(t, time.Date(2024, 6, 1, 10, 15, 0, 0, time.UTC), readings[0].Timestamp)
	})

	t.Run("int_metric_rejects_fractional_value", func(t *testing.T) {
		t.Parallel()

		m := &manifest.Manifest{
			Source: "counter",
			Metrics: []manifest.Metric{
				{Name: "pulse_count", Kind: manifest.KindInt},
			},
			CoverageThreshold: 0.9,
		}
		require.NoError(t, m.Validate())

		fields := map[string]string{
			"native_sensor_id": "c-1",
			"timestamp":        "2024-06-01T00:00:00Z",
			"pulse_count":      "12.5",
		}

		readings, quarantine := Normalize(m, []Record{{Source: "counter", Line: 7, Fields: fields}})
		require.Empty(t, readings)
		require.Equal(t, 1, quarantine.Reasons[ReasonInvalidMetricValue])
	})
}
