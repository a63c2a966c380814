package manifest

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Reserved column names every source batch carries alongside its metrics.
const (
	FieldNativeSensorID = "native_sensor_id"
	FieldTimestamp      = "timestamp"
	FieldLatitude       = "latitude"
	FieldLongitude      = "longitude"
)

const (
	defaultNullRateThreshold = 0.02
	defaultMinRowsPerDay     = 1
)

// Kind is the declared type of a metric column. All kinds materialize as
// DOUBLE values in the event store; the kind controls parsing and the zero
// default used when an optional metric is absent.
type Kind string

const (
	KindFloat Kind = "float"
	KindInt   Kind = "int"
)

func (k Kind) Valid() bool {
	return k == KindFloat || k == KindInt
}

// Zero returns the typed default used when an optional metric is absent.
func (k Kind) Zero() float64 {
	return 0.0
}

// Parse coerces raw column text into a metric value.
func (k Kind) Parse(s string) (float64, error) {
	s = strings.TrimSpace(s)
	switch k {
	case KindInt:
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("not an integer: %q", s)
		}
		return float64(v), nil
	case KindFloat:
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", s)
		}
		return v, nil
	default:
		return 0, fmt.Errorf("unknown metric kind %q", string(k))
	}
}

// Metric declares one wide-format metric column.
type Metric struct {
	Name        string `yaml:"name"`
	Kind        Kind   `yaml:"kind"`
	Required    bool   `yaml:"required,omitempty"`
	Description string `yaml:"description,omitempty"`
}

// Manifest is the single source of truth for one upstream source: the ordered
// metric set the Normalizer validates against and the Pivot Engine
// enumerates, plus the thresholds the Quality Gate applies.
type Manifest struct {
	Source            string   `yaml:"source"`
	Metrics           []Metric `yaml:"metrics"`
	CriticalMetrics   []string `yaml:"critical_metrics"`
	CoverageThreshold float64  `yaml:"coverage_threshold"`
	NullRateThreshold float64  `yaml:"null_rate_threshold,omitempty"`
	MinRowsPerDay     int      `yaml:"min_rows_per_day,omitempty"`
}

// Validate checks the manifest and fills optional thresholds in place.
func (m *Manifest) Validate() error {
	if m.Source == "" {
		return fmt.Errorf("source is required")
	}
	if len(m.Metrics) == 0 {
		return fmt.Errorf("manifest for %q declares no metrics", m.Source)
	}
	seen := make(map[string]bool, len(m.Metrics))
	for _, met := range m.Metrics {
		if met.Name == "" {
			return fmt.Errorf("manifest for %q has a metric with no name", m.Source)
		}
		if isReservedField(met.Name) {
			return fmt.Errorf("metric name %q is a reserved column", met.Name)
		}
		if seen[met.Name] {
			return fmt.Errorf("duplicate metric %q in manifest for %q", met.Name, m.Source)
		}
		seen[met.Name] = true
		if !met.Kind.Valid() {
			return fmt.Errorf("metric %q has invalid kind %q", met.Name, string(met.Kind))
		}
	}
	critSeen := make(map[string]bool, len(m.CriticalMetrics))
	for _, name := range m.CriticalMetrics {
		if !seen[name] {
			return fmt.Errorf("critical metric %q is not declared in manifest for %q", name, m.Source)
		}
		if critSeen[name] {
			return fmt.Errorf("duplicate critical metric %q in manifest for %q", name, m.Source)
		}
		critSeen[name] = true
	}
	if m.CoverageThreshold <= 0 || m.CoverageThreshold > 1 {
		return fmt.Errorf("coverage threshold for %q must be in (0, 1], got %v", m.Source, m.CoverageThreshold)
	}
	if m.NullRateThreshold < 0 || m.NullRateThreshold >= 1 {
		return fmt.Errorf("null rate threshold for %q must be in [0, 1), got %v", m.Source, m.NullRateThreshold)
	}
	if m.NullRateThreshold == 0 {
		m.NullRateThreshold = defaultNullRateThreshold
	}
	if m.MinRowsPerDay < 0 {
		return fmt.Errorf("min rows per day for %q cannot be negative", m.Source)
	}
	if m.MinRowsPerDay == 0 {
		m.MinRowsPerDay = defaultMinRowsPerDay
	}
	return nil
}

// MetricNames returns the metric names in manifest order.
func (m *Manifest) MetricNames() []string {
	names := make([]string, len(m.Metrics))
	for i, met := range m.Metrics {
		names[i] = met.Name
	}
	return names
}

// Metric returns the declared metric by name.
func (m *Manifest) Metric(name string) (Metric, bool) {
	for _, met := range m.Metrics {
		if met.Name == name {
			return met, true
		}
	}
	return Metric{}, false
}

func (m *Manifest) IsCritical(name string) bool {
	for _, c := range m.CriticalMetrics {
		if c == name {
			return true
		}
	}
	return false
}

func isReservedField(name string) bool {
	switch name {
	case FieldNativeSensorID, FieldTimestamp, FieldLatitude, FieldLongitude:
		return true
	}
	return false
}

// Load reads and validates a single YAML manifest.
func Load(r io.Reader) (*Manifest, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadFile reads and validates a manifest from a YAML file.
func LoadFile(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest file: %w", err)
	}
	defer f.Close()
	m, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", filepath.Base(path), err)
	}
	return m, nil
}

// LoadDir loads every *.yaml/*.yml manifest in dir, sorted by source name.
// Duplicate sources across files are rejected.
func LoadDir(dir string) ([]*Manifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest directory: %w", err)
	}
	bySource := make(map[string]string)
	var manifests []*Manifest
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		m, err := LoadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		if prev, ok := bySource[m.Source]; ok {
			return nil, fmt.Errorf("source %q declared in both %s and %s", m.Source, prev, entry.Name())
		}
		bySource[m.Source] = entry.Name()
		manifests = append(manifests, m)
	}
	sort.Slice(manifests, func(i, j int) bool { return manifests[i].Source < manifests[j].Source })
	return manifests, nil
}
