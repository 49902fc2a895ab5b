// Package flashlog persists telemetry record batches that could not be
// transmitted, playing the role of the unit's nonvolatile log. Batches are
// written atomically; a crash mid-write never leaves a partial batch.
package flashlog

import (
	"context"
	"time"

	"github.com/mkrutov/vehicle-telematics/internal/telemetry"
)

// Session describes one logging session, normally one power-on cycle.
type Session struct {
	ID        string
	StartedAt time.Time
	DeviceID  string
	Config    string // serialized unit configuration, may be empty
}

// Store provides durable storage for telemetry records. All write
// operations are atomic; Close flushes and releases all connections and is
// safe to call multiple times.
type Store interface {
	// BeginSession registers a new logging session for a device and
	// returns its identifier.
	BeginSession(ctx context.Context, deviceID string, config any) (sessionID string, err error)

	// Persist writes a batch of records under a session in one
	// transaction.
	Persist(ctx context.Context, sessionID string, batch []telemetry.Record) error

	// Sessions returns all sessions ordered by start time.
	Sessions(ctx context.Context) ([]Session, error)

	// Records returns all records of a session ordered by timestamp.
	Records(ctx context.Context, sessionID string) ([]telemetry.Record, error)

	// Count returns the number of records stored under a session.
	Count(ctx context.Context, sessionID string) (int64, error)

	// Close releases all database connections and resources.
	Close() error
}
