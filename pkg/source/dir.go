package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/sensorlake/sensorlake/pkg/normalize"
)

// batchExtensions lists the accepted batch file extensions in precedence
// order; the first existing file wins.
var batchExtensions = []string{".csv", ".csv.gz", ".csv.zst"}

type DirSourceConfig struct {
	Logger *slog.Logger
	Root   string
}

func (cfg *DirSourceConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Root == "" {
		return errors.New("root directory is required")
	}
	return nil
}

// DirSource reads batches from a local directory laid out as
// <root>/<source>/<YYYY-MM-DD>.csv, optionally gzip or zstd compressed.
type DirSource struct {
	log  *slog.Logger
	root string
}

func NewDirSource(cfg DirSourceConfig) (*DirSource, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &DirSource{
		log:  cfg.Logger,
		root: cfg.Root,
	}, nil
}

func (s *DirSource) Fetch(ctx context.Context, source string, date time.Time) ([]normalize.Record, error) {
	base := filepath.Join(s.root, source, date.UTC().Format("2006-01-02"))
	for _, ext := range batchExtensions {
		path := base + ext
		f, err := os.Open(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to open batch file %s: %w", path, err)
		}
		defer f.Close()

		rc, err := openReader(f, path)
		if err != nil {
			return nil, err
		}
		defer rc.Close()

		records, err := decodeCSV(rc, source)
		if err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", path, err)
		}
		s.log.Debug("fetched batch file", "source", source, "path", path, "records", len(records))
		return records, nil
	}

	s.log.Info("no batch file for date", "source", source, "date", date.UTC().Format("2006-01-02"), "root", s.root)
	return nil, nil
}
