// Package export writes stored snapshots to columnar files for offline
// analysis.
package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/parquet-go/parquet-go"
	"go.uber.org/zap"

	"metricsink/storage"
)

// Row is one reading flattened with its message metadata.
type Row struct {
	MessageID   string  `parquet:"message_id,zstd"`
	DeviceID    string  `parquet:"device_id,zstd"`
	Source      string  `parquet:"source,zstd"`
	CollectedAt float64 `parquet:"collected_at"`
	ReceivedAt  float64 `parquet:"received_at"`
	MetricName  string  `parquet:"metric_name,zstd"`
	MetricValue float64 `parquet:"metric_value"`
}

// Stats describes a finished export.
type Stats struct {
	Messages int
	Rows     int
	Bytes    int64
}

// Rows flattens snapshots in their given order.
func Rows(snaps []storage.Snapshot) []Row {
	var rows []Row
	for _, s := range snaps {
		for _, r := range s.Readings {
			rows = append(rows, Row{
				MessageID:   s.MessageID,
				DeviceID:    s.DeviceID,
				Source:      s.Source,
				CollectedAt: s.Timestamp,
				ReceivedAt:  s.ReceivedAt,
				MetricName:  r.Name,
				MetricValue: r.Value,
			})
		}
	}
	return rows
}

// WriteParquet queries store with f and writes one row per reading to path.
// The file is written beside path and renamed into place, so readers never
// see a partial export.
func WriteParquet(ctx context.Context, store storage.Store, f storage.Filter, path string, log *zap.Logger) (Stats, error) {
	snaps, err := store.QueryMessages(ctx, f)
	if err != nil {
		return Stats{}, err
	}
	rows := Rows(snaps)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Stats{}, fmt.Errorf("create directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".export-*.parquet")
	if err != nil {
		return Stats{}, fmt.Errorf("create file: %w", err)
	}
	defer os.Remove(tmp.Name()) // no-op after a successful rename

	w := parquet.NewGenericWriter[Row](tmp, parquet.Compression(&parquet.Zstd))
	if _, err := w.Write(rows); err != nil {
		tmp.Close()
		return Stats{}, fmt.Errorf("write rows: %w", err)
	}
	if err := w.Close(); err != nil {
		tmp.Close()
		return Stats{}, fmt.Errorf("close writer: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return Stats{}, fmt.Errorf("close file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return Stats{}, fmt.Errorf("rename export: %w", err)
	}

	st := Stats{Messages: len(snaps), Rows: len(rows)}
	if fi, err := os.Stat(path); err == nil {
		st.Bytes = fi.Size()
	}
	log.Info("export written",
		zap.String("path", path),
		zap.Int("messages", st.Messages),
		zap.Int("rows", st.Rows),
		zap.String("size", humanize.Bytes(uint64(st.Bytes))))
	return st, nil
}
