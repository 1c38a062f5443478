// Package job carries the shared plumbing of long batch passes over the
// case store: progress accounting with interval logging and cooperative
// cancellation between batches.
package job

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
)

// Progress tracks one batch pass. Safe for concurrent Tick calls.
type Progress struct {
	name      string
	interval  int64
	processed atomic.Int64
}

// NewProgress creates a tracker that logs every interval records. An
// interval of zero or less disables logging but still counts.
func NewProgress(name string, interval int64) *Progress {
	return &Progress{name: name, interval: interval}
}

// Tick records one processed record, logging at the configured interval with
// the table currently being scanned.
func (p *Progress) Tick(table string) {
	n := p.processed.Add(1)
	if p.interval > 0 && n%p.interval == 0 {
		log.Printf("%s: processed %d records, currently on %s", p.name, n, table)
	}
}

// Processed returns the running count.
func (p *Progress) Processed() int64 {
	return p.processed.Load()
}

// Interrupted reports cancellation as a wrapped error. Callers check it
// between batches; a row in flight always finishes.
func Interrupted(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s interrupted: %w", name, err)
	}
	return nil
}
