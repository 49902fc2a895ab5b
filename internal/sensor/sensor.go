// Package sensor defines the capability contract shared by every sensor on
// the unit. Sensors own their sample caches and expose bounded-time snapshot
// reads; data arrives through feed methods called from the producing context
// (bus handler, ADC drain, serial read loop), never from the periodic tasks.
package sensor

import "time"

// Sensor is the uniform capability implemented by every sensor variant.
// Healthy derives a liveness/plausibility verdict from the sensor's own
// state and must be cheap to call; SetPower gates the sensor on and off on
// behalf of the power controller. A sensor fault is never fatal: callers
// zero the affected record fields and clear the validity bit instead.
type Sensor interface {
	// Describe returns a short stable identifier, e.g. "can-speed".
	Describe() string

	// Healthy reports whether recent, error-free, plausible data is arriving.
	Healthy() bool

	// SetPower enables or disables the sensor. Disabling must be idempotent
	// and must not discard calibration state.
	SetPower(on bool) error
}

// Snapshot is one component's health record as maintained by the health
// aggregator. It is mutated only by the aggregator reading from the owning
// sensor, never shared-mutated by acquisition.
type Snapshot struct {
	Component  string
	LastSample time.Time // last successful sample, zero if never
	Errors     uint64    // rolling error count
	Healthy    bool
}
