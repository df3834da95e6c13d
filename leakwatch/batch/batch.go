// Package batch applies updates over large id sets in fixed-size chunks,
// one transaction per chunk, so long backfills commit progressively.
package batch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/SiriusScan/leakwatch/leakwatch/metrics"
	"github.com/SiriusScan/leakwatch/leakwatch/slogger"
	"gorm.io/gorm"
)

// DefaultSize bounds the length of generated IN (...) clauses.
const DefaultSize = 100

// Func updates the rows of one chunk using tx.
type Func func(tx *gorm.DB, chunk []uint) error

// Chunks splits ids into consecutive slices of at most size elements.
func Chunks(ids []uint, size int) [][]uint {
	if size <= 0 {
		size = DefaultSize
	}
	chunks := make([][]uint, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := min(start+size, len(ids))
		chunks = append(chunks, ids[start:end])
	}
	return chunks
}

// Apply runs fn over ids chunk by chunk. Each chunk gets its own transaction
// (a savepoint when db is already inside one). The first failing chunk stops
// the run; chunks before it stay committed. It returns the number of chunks applied.
func Apply(ctx context.Context, db *gorm.DB, ids []uint, size int, fn Func) (int, error) {
	chunks := Chunks(ids, size)
	debug := slogger.IsDebug()
	applied := 0
	for _, chunk := range chunks {
		err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return fn(tx, chunk)
		})
		if err != nil {
			return applied, fmt.Errorf("failed to apply chunk %d of %d: %w", applied+1, len(chunks), err)
		}
		applied++
		metrics.BatchChunks.Inc()
		if debug {
			slog.Debug("Applied chunk", "chunk", applied, "of", len(chunks), "first_id", chunk[0], "last_id", chunk[len(chunk)-1])
		}
	}
	return applied, nil
}

// SetColumn sets column to value on every row of model whose id is in ids.
func SetColumn(ctx context.Context, db *gorm.DB, model any, column string, value any, ids []uint, size int) (int, error) {
	return Apply(ctx, db, ids, size, func(tx *gorm.DB, chunk []uint) error {
		return tx.Model(model).Where("id IN ?", chunk).Update(column, value).Error
	})
}
