package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/LandMarkVisits/FlowKit/warehouse"
)

// ResultStreamer writes a query result to an HTTP response body without ever
// holding the full result in memory.
type ResultStreamer interface {
	StreamResults(ctx context.Context, sql, queryID string, w io.Writer) error
}

// WarehouseStreamer streams rows straight off a warehouse cursor. Rows are
// flushed to the client in batches.
type WarehouseStreamer struct {
	db        *warehouse.DB
	batchSize int
}

// NewWarehouseStreamer wraps a warehouse pool. batchSize rows are written
// between flushes.
func NewWarehouseStreamer(db *warehouse.DB, batchSize int) *WarehouseStreamer {
	if batchSize <= 0 {
		batchSize = 1000
	}
	return &WarehouseStreamer{db: db, batchSize: batchSize}
}

// StreamResults writes {"query_id": ..., "query_result": [row, ...]} to w,
// one JSON object per row, flushing every batch.
func (s *WarehouseStreamer) StreamResults(ctx context.Context, sql, queryID string, w io.Writer) error {
	rows, err := s.db.Query(ctx, sql)
	if err != nil {
		return fmt.Errorf("failed to read query result: %w", err)
	}
	defer rows.Close()

	columns := make([]string, len(rows.FieldDescriptions()))
	for i, fd := range rows.FieldDescriptions() {
		columns[i] = fd.Name
	}

	flusher, _ := w.(http.Flusher)
	if _, err := fmt.Fprintf(w, `{"query_id":%q,"query_result":[`, queryID); err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	written := 0
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return fmt.Errorf("failed to read query result: %w", err)
		}
		record := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			record[col] = values[i]
		}

		if written > 0 {
			if _, err := io.WriteString(w, ","); err != nil {
				return err
			}
		}
		// Encoder appends a newline after each object, which keeps the
		// stream diffable without breaking the JSON array.
		if err := enc.Encode(record); err != nil {
			return err
		}
		written++
		if flusher != nil && written%s.batchSize == 0 {
			flusher.Flush()
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read query result: %w", err)
	}

	if _, err := io.WriteString(w, "]}"); err != nil {
		return err
	}
	if flusher != nil {
		flusher.Flush()
	}
	return nil
}
