// Package source fetches raw daily batches for the pipeline. A Source hands
// back untyped wide records; validation and typing belong to the normalizer.
package source

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/sensorlake/sensorlake/pkg/normalize"
)

// Source yields one source's batch for a processing date. A date with no
// data returns an empty batch, never an error; absence is the quality gate's
// finding.
type Source interface {
	Fetch(ctx context.Context, source string, date time.Time) ([]normalize.Record, error)
}

// openReader wraps r with the decompressor selected by file extension.
func openReader(r io.Reader, name string) (io.ReadCloser, error) {
	switch {
	case strings.HasSuffix(name, ".gz"):
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip reader for %s: %w", name, err)
		}
		return zr, nil
	case strings.HasSuffix(name, ".zst"):
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to open zstd reader for %s: %w", name, err)
		}
		return zr.IOReadCloser(), nil
	default:
		return io.NopCloser(r), nil
	}
}

// decodeCSV reads a header-driven CSV batch. Every column is preserved by
// header name, including columns no manifest declares. Rows may be ragged:
// cells beyond the header are dropped and short rows simply leave fields
// absent. Line numbers count from the top of the file, header included.
func decodeCSV(r io.Reader, source string) ([]normalize.Record, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	var records []normalize.Record
	line := 1
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read CSV row: %w", err)
		}
		line++
		fields := make(map[string]string, len(header))
		for i, name := range header {
			if name == "" || i >= len(row) {
				continue
			}
			fields[name] = row[i]
		}
		records = append(records, normalize.Record{Source: source, Line: line, Fields: fields})
	}
	return records, nil
}
