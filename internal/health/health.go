// Package health aggregates per-sensor health into a system view and feeds
// the watchdog. The health task is the only strober; if it wedges, or the
// process as a whole stops scheduling, the watchdog trips and the supervisor
// restarts the unit.
package health

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/mkrutov/vehicle-telematics/internal/sensor"
)

// DefaultTimeout is the watchdog window. The health task strobes every 10 s,
// so a 2 s window is deliberately tighter than one full period would allow;
// the orchestrator strobes from its own loop as well.
const DefaultTimeout = 2 * time.Second

// Watchdog is a software deadline timer. Strobe pushes the deadline out;
// missing it long enough trips Expired.
type Watchdog struct {
	timeout time.Duration
	now     func() time.Time

	mu       sync.Mutex
	deadline time.Time
}

// NewWatchdog creates a strobed watchdog. A zero timeout selects
// DefaultTimeout. The countdown starts immediately.
func NewWatchdog(timeout time.Duration, options ...func(*Watchdog)) *Watchdog {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	w := Watchdog{
		timeout: timeout,
		now:     time.Now,
	}

	for _, option := range options {
		option(&w)
	}

	w.deadline = w.now().Add(timeout)
	return &w
}

// WithWatchdogClock overrides the time source, used by tests.
func WithWatchdogClock(now func() time.Time) func(*Watchdog) {
	return func(w *Watchdog) {
		w.now = now
	}
}

// Strobe resets the countdown to the full timeout.
func (w *Watchdog) Strobe() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.deadline = w.now().Add(w.timeout)
}

// Expired reports whether the deadline has passed without a strobe.
func (w *Watchdog) Expired() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.now().After(w.deadline)
}

// Watch polls the deadline until it trips or ctx is done. It returns a
// channel that is closed on expiry, so callers can select on it next to
// their other shutdown signals.
func (w *Watchdog) Watch(ctx context.Context) <-chan struct{} {
	expired := make(chan struct{})

	go func() {
		ticker := time.NewTicker(w.timeout / 4)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if w.Expired() {
					close(expired)
					return
				}
			}
		}
	}()

	return expired
}

// WithLogger sets the logger for the aggregator.
func WithLogger(logger *slog.Logger) func(*Aggregator) {
	return func(a *Aggregator) {
		a.logger = logger.With(slog.String("component", "health"))
	}
}

// WithClock overrides the time source, used by tests.
func WithClock(now func() time.Time) func(*Aggregator) {
	return func(a *Aggregator) {
		a.now = now
	}
}

type component struct {
	sensor   sensor.Sensor
	healthy  bool
	lastOK   time.Time
	failures uint64
	everSeen bool
}

// Aggregator polls registered sensors, logs health transitions once per
// edge, and strobes the watchdog on every check.
type Aggregator struct {
	watchdog *Watchdog

	now    func() time.Time
	logger *slog.Logger

	mu          sync.Mutex
	components  []*component
	utilization func() int
}

// NewAggregator creates a health aggregator bound to a watchdog.
func NewAggregator(watchdog *Watchdog, options ...func(*Aggregator)) *Aggregator {
	a := Aggregator{
		watchdog: watchdog,
		now:      time.Now,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&a)
	}

	return &a
}

// Register adds a sensor to the poll set.
func (a *Aggregator) Register(s sensor.Sensor) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.components = append(a.components, &component{sensor: s})
}

// SetUtilization installs the buffer utilization reading included in check
// logs.
func (a *Aggregator) SetUtilization(fn func() int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.utilization = fn
}

// Check polls every registered sensor and strobes the watchdog. It returns
// true when all components report healthy. The strobe happens regardless of
// the result; the watchdog guards scheduling, not sensor health.
func (a *Aggregator) Check() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	allHealthy := true

	for _, c := range a.components {
		healthy := c.sensor.Healthy()

		switch {
		case !c.everSeen:
			a.logger.Info("component registered",
				slog.String("component", c.sensor.Describe()),
				slog.Bool("healthy", healthy))
		case healthy != c.healthy:
			if healthy {
				a.logger.Info("component recovered", slog.String("component", c.sensor.Describe()))
			} else {
				a.logger.Warn("component degraded", slog.String("component", c.sensor.Describe()))
			}
		}

		if healthy {
			c.lastOK = now
		} else {
			c.failures++
			allHealthy = false
		}
		c.healthy = healthy
		c.everSeen = true
	}

	if a.utilization != nil {
		if util := a.utilization(); util > 50 {
			a.logger.Warn("record buffer filling", slog.Int("utilization_pct", util))
		}
	}

	a.watchdog.Strobe()
	return allHealthy
}

// Snapshots returns the per-component state as of the last check.
func (a *Aggregator) Snapshots() []sensor.Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	snapshots := make([]sensor.Snapshot, 0, len(a.components))
	for _, c := range a.components {
		snapshots = append(snapshots, sensor.Snapshot{
			Component:  c.sensor.Describe(),
			LastSample: c.lastOK,
			Errors:     c.failures,
			Healthy:    c.healthy,
		})
	}
	return snapshots
}
