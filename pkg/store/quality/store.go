// Package quality persists quality gate results. Reports are append-only,
// keyed by run ID; a rerun of the same date writes a new run's reports rather
// than overwriting the old ones.
package quality

import (
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/sensorlake/sensorlake/pkg/lake"
)

const TableName = "quality_reports"

// Report is one persisted check result.
type Report struct {
	RunID      string
	CheckName  string
	Source     string
	RangeStart time.Time
	RangeEnd   time.Time
	Passed     bool
	Severity   string
	Metrics    map[string]float64
	Message    string
	CreatedAt  time.Time
}

// StoreConfig is the configuration for the quality report store.
type StoreConfig struct {
	Logger *slog.Logger
	DB     lake.DB
}

func (c StoreConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.DB == nil {
		return errors.New("db is required")
	}
	return nil
}

// Store is the lake-backed store for quality reports.
type Store struct {
	log *slog.Logger
	cfg StoreConfig
	db  lake.DB
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid store config: %w", err)
	}
	return &Store{log: cfg.Logger, cfg: cfg, db: cfg.DB}, nil
}

func TableConfigQualityReports() lake.TableConfig {
	return lake.TableConfig{
		Name:            TableName,
		PartitionByTime: true,
		TimeColumn:      "created_at",
		Columns: []string{
			"run_id:VARCHAR",
			"check_name:VARCHAR",
			"source:VARCHAR",
			"range_start:TIMESTAMP",
			"range_end:TIMESTAMP",
			"passed:BOOLEAN",
			"severity:VARCHAR",
			"metrics:VARCHAR",
			"message:VARCHAR",
			"created_at:TIMESTAMP",
		},
	}
}

func (s *Store) CreateTablesIfNotExists() error {
	ctx := context.Background()
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			s.log.Error("failed to close connection", "error", err)
		}
	}()

	return lake.CreateTable(ctx, s.log, conn, TableConfigQualityReports())
}

// AppendReports persists a batch of reports. Metrics serialize as JSON text.
func (s *Store) AppendReports(ctx context.Context, reports []Report) error {
	for _, r := range reports {
		if r.RunID == "" {
			return fmt.Errorf("report for check %q has no run ID", r.CheckName)
		}
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			s.log.Error("failed to close connection", "error", err)
		}
	}()

	return lake.AppendViaCSV(ctx, s.log, conn, TableConfigQualityReports(), len(reports), func(w *csv.Writer, i int) error {
		r := reports[i]
		metrics, err := marshalMetrics(r.Metrics)
		if err != nil {
			return fmt.Errorf("failed to marshal metrics for check %q: %w", r.CheckName, err)
		}
		return w.Write([]string{
			r.RunID,
			r.CheckName,
			r.Source,
			r.RangeStart.UTC().Format(time.RFC3339Nano),
			r.RangeEnd.UTC().Format(time.RFC3339Nano),
			strconv.FormatBool(r.Passed),
			r.Severity,
			metrics,
			r.Message,
			r.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	})
}

// GetByRunID returns every report of one run, ordered by source and check.
func (s *Store) GetByRunID(ctx context.Context, runID string) ([]Report, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			s.log.Error("failed to close connection", "error", err)
		}
	}()

	query := fmt.Sprintf(`SELECT run_id, check_name, source, range_start, range_end, passed, severity, metrics, message, created_at
FROM %s
WHERE run_id = ?
ORDER BY source, check_name`, TableName)

	rows, err := conn.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query reports: %w", err)
	}
	defer rows.Close()

	reports := make([]Report, 0)
	for rows.Next() {
		var r Report
		var metrics sql.NullString
		if err := rows.Scan(&r.RunID, &r.CheckName, &r.Source, &r.RangeStart, &r.RangeEnd, &r.Passed, &r.Severity, &metrics, &r.Message, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan report: %w", err)
		}
		if metrics.Valid && metrics.String != "" {
			if err := json.Unmarshal([]byte(metrics.String), &r.Metrics); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metrics for check %q: %w", r.CheckName, err)
			}
		}
		reports = append(reports, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read reports: %w", err)
	}
	return reports, nil
}

func marshalMetrics(metrics map[string]float64) (string, error) {
	if len(metrics) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(metrics)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
