// Package ringbuf implements the fixed-capacity telemetry record buffer
// sitting between acquisition and transmission. The buffer overwrites the
// oldest record under overflow: for a telemetry stream feeding a periodic
// transmitter, losing the oldest, already-stale sample is preferable to
// blocking acquisition or losing the newest.
package ringbuf

import (
	"fmt"
	"sync"

	"github.com/mkrutov/vehicle-telematics/internal/telemetry"
)

// Buffer is a fixed-capacity ring of telemetry records safe for concurrent
// producers and consumers. All bookkeeping (read cursor, write cursor, live
// count) mutates under one lock, so the evict-then-insert sequence is a
// single atomic step to every observer. Records are copied in and out by
// value; callers never hold a reference into the ring.
type Buffer struct {
	mu        sync.Mutex
	records   []telemetry.Record
	read      int
	write     int
	count     int
	overflows uint64
}

// New creates a buffer holding up to capacity records.
func New(capacity int) (*Buffer, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("invalid buffer capacity: %d", capacity)
	}
	return &Buffer{records: make([]telemetry.Record, capacity)}, nil
}

// Push appends rec, evicting the oldest record first when the buffer is
// full. It always succeeds and reports whether an eviction occurred.
func (b *Buffer) Push(rec telemetry.Record) (evicted bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == len(b.records) {
		b.read = (b.read + 1) % len(b.records)
		b.count--
		b.overflows++
		evicted = true
	}

	b.records[b.write] = rec
	b.write = (b.write + 1) % len(b.records)
	b.count++

	return evicted
}

// Pop removes and returns the oldest record. The second return value is
// false when the buffer is empty.
func (b *Buffer) Pop() (telemetry.Record, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pop()
}

// PopBatch removes and returns up to max records in FIFO order. It never
// blocks; the result may be empty.
func (b *Buffer) PopBatch(max int) []telemetry.Record {
	if max <= 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	n := min(max, b.count)
	if n == 0 {
		return nil
	}

	batch := make([]telemetry.Record, 0, n)
	for i := 0; i < n; i++ {
		rec, ok := b.pop()
		if !ok {
			break
		}
		batch = append(batch, rec)
	}
	return batch
}

// Peek returns the record offset entries ahead of the read cursor without
// mutating buffer state. Diagnostics only.
func (b *Buffer) Peek(offset int) (telemetry.Record, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if offset < 0 || offset >= b.count {
		return telemetry.Record{}, false
	}
	return b.records[(b.read+offset)%len(b.records)], true
}

// Len returns the number of buffered records.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Cap returns the buffer capacity.
func (b *Buffer) Cap() int {
	return len(b.records)
}

// Utilization returns the fill level as a percentage in 0..100.
func (b *Buffer) Utilization() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count * 100 / len(b.records)
}

// Overflows returns the number of records lost to eviction since creation.
func (b *Buffer) Overflows() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.overflows
}

// Clear discards all buffered records. The overflow counter is retained.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.read = 0
	b.write = 0
	b.count = 0
}

func (b *Buffer) pop() (telemetry.Record, bool) {
	if b.count == 0 {
		return telemetry.Record{}, false
	}

	rec := b.records[b.read]
	b.read = (b.read + 1) % len(b.records)
	b.count--
	return rec, true
}
