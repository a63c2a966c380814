package dimension

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresConfig configures the curated dimension store.
type PostgresConfig struct {
	Logger      *slog.Logger
	DatabaseURL string
}

func (cfg PostgresConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("database URL is required")
	}
	return nil
}

// PostgresStore is the operator-facing store for identity mappings and
// location overrides. Tables are created on connect.
type PostgresStore struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid postgres config: %w", err)
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	s := &PostgresStore{log: cfg.Logger, pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sensor_identity_mappings (
			sensor_id TEXT NOT NULL,
			native_sensor_id TEXT NOT NULL,
			effective_start_date DATE,
			effective_end_date DATE,
			source_note TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (sensor_id, native_sensor_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_identity_mappings_native
			ON sensor_identity_mappings (native_sensor_id)`,
		`CREATE TABLE IF NOT EXISTS location_overrides (
			native_sensor_id TEXT PRIMARY KEY,
			latitude DOUBLE PRECISION NOT NULL,
			longitude DOUBLE PRECISION NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			effective_date DATE,
			notes TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply migration: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// AddMapping inserts a mapping or replaces the range and note of an existing
// (sensor_id, native_sensor_id) pair.
func (s *PostgresStore) AddMapping(ctx context.Context, m SensorIdentityMapping) error {
	if m.SensorID == "" || m.NativeSensorID == "" {
		return errors.New("sensor_id and native_sensor_id are required")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sensor_identity_mappings (sensor_id, native_sensor_id, effective_start_date, effective_end_date, source_note, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (sensor_id, native_sensor_id) DO UPDATE
		SET effective_start_date = EXCLUDED.effective_start_date,
			effective_end_date = EXCLUDED.effective_end_date,
			source_note = EXCLUDED.source_note,
			updated_at = NOW()`,
		m.SensorID, m.NativeSensorID, m.EffectiveStartDate, m.EffectiveEndDate, m.SourceNote)
	if err != nil {
		return fmt.Errorf("failed to upsert mapping: %w", err)
	}
	return nil
}

// CloseMapping ends a mapping's validity at the given date.
func (s *PostgresStore) CloseMapping(ctx context.Context, sensorID, nativeSensorID string, end time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sensor_identity_mappings
		SET effective_end_date = $3, updated_at = NOW()
		WHERE sensor_id = $1 AND native_sensor_id = $2`,
		sensorID, nativeSensorID, end)
	if err != nil {
		return fmt.Errorf("failed to close mapping: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("no mapping found for sensor %q with native ID %q", sensorID, nativeSensorID)
	}
	return nil
}

func (s *PostgresStore) ListMappings(ctx context.Context) ([]SensorIdentityMapping, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT sensor_id, native_sensor_id, effective_start_date, effective_end_date, source_note, updated_at
		FROM sensor_identity_mappings
		ORDER BY native_sensor_id, sensor_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query mappings: %w", err)
	}
	defer rows.Close()

	mappings := make([]SensorIdentityMapping, 0)
	for rows.Next() {
		var m SensorIdentityMapping
		if err := rows.Scan(&m.SensorID, &m.NativeSensorID, &m.EffectiveStartDate, &m.EffectiveEndDate, &m.SourceNote, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan mapping: %w", err)
		}
		mappings = append(mappings, m)
	}
	return mappings, rows.Err()
}

// SetOverride inserts or replaces the curated coordinates for a sensor.
// An empty status defaults to active.
func (s *PostgresStore) SetOverride(ctx context.Context, o LocationOverride) error {
	if o.NativeSensorID == "" {
		return errors.New("native_sensor_id is required")
	}
	status := o.Status
	if status == "" {
		status = "active"
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO location_overrides (native_sensor_id, latitude, longitude, status, effective_date, notes, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (native_sensor_id) DO UPDATE
		SET latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			status = EXCLUDED.status,
			effective_date = EXCLUDED.effective_date,
			notes = EXCLUDED.notes,
			updated_at = NOW()`,
		o.NativeSensorID, o.Latitude, o.Longitude, status, o.EffectiveDate, o.Notes)
	if err != nil {
		return fmt.Errorf("failed to upsert override: %w", err)
	}
	return nil
}

func (s *PostgresStore) ClearOverride(ctx context.Context, nativeSensorID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM location_overrides WHERE native_sensor_id = $1`, nativeSensorID)
	if err != nil {
		return fmt.Errorf("failed to delete override: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("no override found for native ID %q", nativeSensorID)
	}
	return nil
}

func (s *PostgresStore) ListOverrides(ctx context.Context) ([]LocationOverride, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT native_sensor_id, latitude, longitude, status, effective_date, notes, updated_at
		FROM location_overrides
		ORDER BY native_sensor_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query overrides: %w", err)
	}
	defer rows.Close()

	overrides := make([]LocationOverride, 0)
	for rows.Next() {
		var o LocationOverride
		if err := rows.Scan(&o.NativeSensorID, &o.Latitude, &o.Longitude, &o.Status, &o.EffectiveDate, &o.Notes, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan override: %w", err)
		}
		overrides = append(overrides, o)
	}
	return overrides, rows.Err()
}
