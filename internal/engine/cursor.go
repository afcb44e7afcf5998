// Package engine drives the export pipeline: a cursor-paginated row source,
// a format-specific encoder, and an S3 multipart sink, wired together by Run.
package engine

import (
	"context"
	"fmt"
	"iter"

	"gorm.io/gorm"
)

// Record is a single exported row, keyed by column name. Using a generic map
// rather than a typed struct keeps the engine oblivious to what a tenant is
// actually exporting; Query is opaque to this layer.
type Record map[string]any

// defaultBatchSize is the page size CursorReader requests per round trip.
const defaultBatchSize = 1000

// CursorReader is a lazy, finite, non-restartable reader over a single
// key-ordered table, paginated by the last-seen id rather than OFFSET so
// performance doesn't degrade on deep pages.
type CursorReader struct {
	db        *gorm.DB
	table     string
	where     string
	whereArgs []any
	batchSize int
}

// NewCursorReader builds a reader over table, optionally filtered by a raw
// SQL predicate (where/whereArgs), sourced from the job's opaque Query.
func NewCursorReader(db *gorm.DB, table, where string, whereArgs []any, batchSize int) *CursorReader {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &CursorReader{db: db, table: table, where: where, whereArgs: whereArgs, batchSize: batchSize}
}

// Rows returns a range-over-func iterator yielding every record in id order.
// Iteration stops early if ctx is canceled or yield returns false; any
// mid-stream query error is captured and can be retrieved via the returned
// error pointer once iteration ends.
func (c *CursorReader) Rows(ctx context.Context) (iter.Seq[Record], *error) {
	var iterErr error
	seq := func(yield func(Record) bool) {
		var cursor uint64
		for {
			select {
			case <-ctx.Done():
				iterErr = ctx.Err()
				return
			default:
			}

			var batch []map[string]any
			q := c.db.WithContext(ctx).Table(c.table).Where("id > ?", cursor)
			if c.where != "" {
				q = q.Where(c.where, c.whereArgs...)
			}
			if err := q.Order("id ASC").Limit(c.batchSize).Find(&batch).Error; err != nil {
				iterErr = fmt.Errorf("engine: cursor read %s: %w", c.table, err)
				return
			}
			if len(batch) == 0 {
				return
			}

			for _, row := range batch {
				if !yield(Record(row)) {
					return
				}
			}

			id, ok := batch[len(batch)-1]["id"]
			if !ok {
				iterErr = fmt.Errorf("engine: cursor read %s: rows missing id column", c.table)
				return
			}
			next, ok := toUint64(id)
			if !ok {
				iterErr = fmt.Errorf("engine: cursor read %s: non-integer id column", c.table)
				return
			}
			cursor = next

			if len(batch) < c.batchSize {
				return
			}
		}
	}
	return seq, &iterErr
}

func toUint64(v any) (uint64, bool) {
	switch n := v.(type) {
	case uint64:
		return n, true
	case int64:
		return uint64(n), true
	case int:
		return uint64(n), true
	case float64:
		return uint64(n), true
	default:
		return 0, false
	}
}
