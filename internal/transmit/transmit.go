// Package transmit defines the uplink boundary. The scheduler hands a
// drained batch to a Transmitter exactly once: an accepted batch is gone,
// a rejected batch is reported as an error and the records are lost to the
// uplink (the flash log keeps its own copy of overflow batches).
package transmit

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/mkrutov/vehicle-telematics/internal/telemetry"
)

// Transmitter sends a batch of telemetry records upstream. Send must not
// retain the batch slice after returning.
type Transmitter interface {
	Send(ctx context.Context, batch []telemetry.Record) error
}

// WithLogger sets the logger for the uplink.
func WithLogger(logger *slog.Logger) func(*LogUplink) {
	return func(u *LogUplink) {
		u.logger = logger.With(slog.String("component", "uplink"))
	}
}

// LogUplink is the stand-in transmitter used when no radio is fitted. It
// accepts every batch and logs what would have gone over the air, which
// keeps the drain path exercised end to end.
type LogUplink struct {
	logger *slog.Logger

	mu      sync.Mutex
	batches uint64
	records uint64
	bytes   uint64
}

// NewLogUplink creates a logging transmitter.
func NewLogUplink(options ...func(*LogUplink)) *LogUplink {
	u := LogUplink{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&u)
	}

	return &u
}

// Send accepts the batch and logs its size.
func (u *LogUplink) Send(ctx context.Context, batch []telemetry.Record) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("uplink cancelled: %w", err)
	}
	if len(batch) == 0 {
		return nil
	}

	size := uint64(len(batch) * telemetry.RecordSize)

	u.mu.Lock()
	u.batches++
	u.records += uint64(len(batch))
	u.bytes += size
	u.mu.Unlock()

	u.logger.Info("batch transmitted",
		slog.Int("records", len(batch)),
		slog.String("size", humanize.IBytes(size)),
		slog.Uint64("first_ts", uint64(batch[0].Timestamp)),
		slog.Uint64("last_ts", uint64(batch[len(batch)-1].Timestamp)))

	return nil
}

// Totals returns the cumulative batch, record and byte counts.
func (u *LogUplink) Totals() (batches, records, bytes uint64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.batches, u.records, u.bytes
}
