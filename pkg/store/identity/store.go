// Package identity resolves native sensor IDs to stable logical sensor IDs
// using the synced mapping dimension. Resolution never fails on a missing
// mapping: the native ID doubles as the logical ID until operators map it.
package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/sensorlake/sensorlake/pkg/dimension"
	"github.com/sensorlake/sensorlake/pkg/lake"
)

const defaultResolveCacheTTL = 5 * time.Minute

// StoreConfig is the configuration for the identity store.
type StoreConfig struct {
	Logger *slog.Logger
	DB     lake.DB

	// ResolveCacheTTL bounds how long a resolved (native ID, date) pair is
	// served from cache. Defaults to 5 minutes.
	ResolveCacheTTL time.Duration
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

// Store reads the identity mapping dimension from the lake.
type Store struct {
	log *slog.Logger
	cfg StoreConfig
	db  lake.DB

	cache    *ttlcache.Cache[string, string]
	cacheTTL time.Duration
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid store config: %w", err)
	}

	ttl := cfg.ResolveCacheTTL
	if ttl == 0 {
		ttl = defaultResolveCacheTTL
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[string, string](ttl),
	)

	return &Store{
		log:      cfg.Logger,
		cfg:      cfg,
		db:       cfg.DB,
		cache:    cache,
		cacheTTL: ttl,
	}, nil
}

// CreateTablesIfNotExists creates the mapping dimension tables so resolution
// works before the first sync.
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

	return lake.CreateSCDTables(ctx, s.log, conn, dimension.SensorIdentitySCDConfig(time.Now().UTC()))
}

// Resolve returns the logical sensor ID for a native ID as of a date. The
// mapping whose inclusive range contains the date wins; overlaps resolve by
// latest updated_at, then smallest sensor_id. An unmapped native ID resolves
// to itself.
func (s *Store) Resolve(ctx context.Context, nativeSensorID string, asOf time.Time) (string, error) {
	day := asOf.UTC().Format("2006-01-02")
	key := fmt.Sprintf("%s|%s", nativeSensorID, day)
	if cached := s.cache.Get(key); cached != nil {
		return cached.Value(), nil
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get connection: %w", err)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			s.log.Error("failed to close connection", "error", err)
		}
	}()

	query := fmt.Sprintf(`SELECT sensor_id
FROM %s_current
WHERE native_sensor_id = ?
  AND (effective_start_date IS NULL OR effective_start_date <= CAST(? AS DATE))
  AND (effective_end_date IS NULL OR effective_end_date >= CAST(? AS DATE))
ORDER BY updated_at DESC, sensor_id ASC
LIMIT 1`, dimension.SensorIdentityTableBase)

	var sensorID string
	err = conn.QueryRowContext(ctx, query, nativeSensorID, day, day).Scan(&sensorID)
	if errors.Is(err, sql.ErrNoRows) {
		sensorID = nativeSensorID
	} else if err != nil {
		return "", fmt.Errorf("failed to resolve sensor identity: %w", err)
	}

	s.cache.Set(key, sensorID, s.cacheTTL)
	return sensorID, nil
}

// InvalidateCache drops all cached resolutions. The pipeline calls it after a
// dimension sync so fresh mappings take effect within the same run.
func (s *Store) InvalidateCache() {
	s.cache.DeleteAll()
}

// Overlap is a pair of mappings for the same native ID whose effective ranges
// intersect. Reported as a warning; resolution stays deterministic.
type Overlap struct {
	NativeSensorID string
	SensorIDA      string
	SensorIDB      string
	OverlapStart   time.Time
	OverlapEnd     time.Time
}

// DetectOverlaps returns every pair of current mappings with intersecting
// ranges. Open-ended bounds are treated as reaching infinitely far.
func (s *Store) DetectOverlaps(ctx context.Context) ([]Overlap, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			s.log.Error("failed to close connection", "error", err)
		}
	}()

	query := fmt.Sprintf(`SELECT
	a.native_sensor_id,
	a.sensor_id,
	b.sensor_id,
	GREATEST(COALESCE(a.effective_start_date, DATE '0001-01-01'), COALESCE(b.effective_start_date, DATE '0001-01-01')) AS overlap_start,
	LEAST(COALESCE(a.effective_end_date, DATE '9999-12-31'), COALESCE(b.effective_end_date, DATE '9999-12-31')) AS overlap_end
FROM %[1]s_current a
INNER JOIN %[1]s_current b
	ON a.native_sensor_id = b.native_sensor_id
	AND a.sensor_id < b.sensor_id
WHERE COALESCE(a.effective_start_date, DATE '0001-01-01') <= COALESCE(b.effective_end_date, DATE '9999-12-31')
  AND COALESCE(b.effective_start_date, DATE '0001-01-01') <= COALESCE(a.effective_end_date, DATE '9999-12-31')
ORDER BY a.native_sensor_id, a.sensor_id, b.sensor_id`, dimension.SensorIdentityTableBase)

	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query overlaps: %w", err)
	}
	defer rows.Close()

	overlaps := make([]Overlap, 0)
	for rows.Next() {
		var o Overlap
		if err := rows.Scan(&o.NativeSensorID, &o.SensorIDA, &o.SensorIDB, &o.OverlapStart, &o.OverlapEnd); err != nil {
			return nil, fmt.Errorf("failed to scan overlap: %w", err)
		}
		overlaps = append(overlaps, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read overlaps: %w", err)
	}
	return overlaps, nil
}
