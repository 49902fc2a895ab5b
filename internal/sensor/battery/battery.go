// Package battery converts raw ADC readings into a calibrated battery
// voltage. The ADC context feeds raw samples into a fixed window; reads
// return the window mean so a single noisy sample never reaches a record.
// Threshold crossings are delivered as events on a channel rather than
// invoked callbacks, so subscribers consume them from task context.
package battery

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

const (
	// WindowSize is the number of raw samples averaged per read.
	WindowSize = 16

	// maxRaw is the full-scale value of the 12-bit converter.
	maxRaw = 4095

	// DefaultReferenceVolts is the converter reference voltage.
	DefaultReferenceVolts = 3.3

	// DefaultDividerRatio is the input voltage divider ratio.
	DefaultDividerRatio = 10.0

	// RecoveryMargin is how far above the threshold the mean must rise
	// before the low-voltage event re-arms. Prevents event storms when the
	// voltage is noisy around the threshold.
	RecoveryMargin = 0.5
)

// Event is one low-voltage threshold crossing.
type Event struct {
	Voltage float64
	At      time.Time
}

// WithLogger sets the logger for the monitor.
func WithLogger(logger *slog.Logger) func(*Monitor) {
	return func(m *Monitor) {
		m.logger = logger.With(slog.String("sensor", m.Describe()))
	}
}

// WithClock overrides the time source, used by tests.
func WithClock(now func() time.Time) func(*Monitor) {
	return func(m *Monitor) {
		m.now = now
	}
}

// WithConversion overrides the reference voltage and divider ratio.
func WithConversion(referenceVolts, dividerRatio float64) func(*Monitor) {
	return func(m *Monitor) {
		m.refVolts = referenceVolts
		m.divider = dividerRatio
	}
}

// Monitor maintains a circular window of raw ADC samples and derives a
// calibrated mean voltage. Feed is called from the ADC context; Voltage and
// Healthy are snapshot reads.
type Monitor struct {
	threshold float64
	refVolts  float64
	divider   float64

	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	window  [WindowSize]uint16
	index   int
	filled  int
	offset  float64
	scale   float64
	armed   bool

	minV, maxV, sumV float64
	samples          uint64

	events chan Event
}

// NewMonitor creates a battery monitor firing a low-voltage event when the
// window mean drops below threshold volts. A threshold of zero disables
// event generation.
func NewMonitor(threshold float64, options ...func(*Monitor)) *Monitor {
	m := Monitor{
		threshold: threshold,
		refVolts:  DefaultReferenceVolts,
		divider:   DefaultDividerRatio,
		now:       time.Now,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		running:   true,
		scale:     1,
		armed:     true,
		minV:      999,
		events:    make(chan Event, 8),
	}

	for _, option := range options {
		option(&m)
	}

	return &m
}

func (m *Monitor) Describe() string { return "battery-adc" }

// Events returns the low-voltage event channel. Events are dropped, not
// blocked on, when the channel is full.
func (m *Monitor) Events() <-chan Event {
	return m.events
}

// Feed adds one raw converter sample to the window and evaluates the
// threshold against the new mean. Samples are ignored while powered down.
func (m *Monitor) Feed(raw uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	m.window[m.index] = raw
	m.index = (m.index + 1) % WindowSize
	if m.filled < WindowSize {
		m.filled++
	}

	v := m.voltage()
	if v < m.minV {
		m.minV = v
	}
	if v > m.maxV {
		m.maxV = v
	}
	m.sumV += v
	m.samples++

	m.checkThreshold(v)
}

// Voltage returns the calibrated mean of the sample window in volts.
func (m *Monitor) Voltage() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.voltage()
}

// Calibrate derives the affine scale factor from one externally measured
// true voltage. The factor persists until the next calibration.
func (m *Monitor) Calibrate(knownVoltage float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.filled == 0 {
		return fmt.Errorf("no samples to calibrate against")
	}

	uncalibrated := m.rawMeanVolts() + m.offset
	if uncalibrated == 0 {
		return fmt.Errorf("cannot calibrate against zero reading")
	}

	m.scale = knownVoltage / uncalibrated
	m.logger.Info("calibrated", slog.Float64("scale", m.scale))
	return nil
}

// Stats returns the running minimum, maximum and average of all voltages
// observed since start.
func (m *Monitor) Stats() (minV, maxV, avgV float64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.samples == 0 {
		return 0, 0, 0, fmt.Errorf("no samples recorded")
	}
	return m.minV, m.maxV, m.sumV / float64(m.samples), nil
}

// Healthy reports false when the monitor is powered down, the window has
// not filled yet, or every sample in the window is identical (stuck
// converter or broken sense line).
func (m *Monitor) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running || m.filled < WindowSize {
		return false
	}

	first := m.window[0]
	for _, raw := range m.window[1:] {
		if raw != first {
			return true
		}
	}
	return false
}

// SetPower gates sample intake. Calibration survives power cycles; the
// window restarts so stale samples never contribute to a fresh mean.
func (m *Monitor) SetPower(on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if on && !m.running {
		m.index = 0
		m.filled = 0
	}
	m.running = on
	return nil
}

// voltage converts the window mean to calibrated volts. Callers hold mu.
func (m *Monitor) voltage() float64 {
	return (m.rawMeanVolts() + m.offset) * m.scale
}

// rawMeanVolts converts the raw window mean through the reference voltage
// and divider ratio, before calibration. Callers hold mu.
func (m *Monitor) rawMeanVolts() float64 {
	if m.filled == 0 {
		return 0
	}

	var sum uint64
	for i := 0; i < m.filled; i++ {
		sum += uint64(m.window[i])
	}
	mean := float64(sum) / float64(m.filled)

	return mean / maxRaw * m.refVolts * m.divider
}

// checkThreshold fires at most one event per excursion below the threshold;
// the trigger re-arms only after the mean recovers by RecoveryMargin.
// Callers hold mu.
func (m *Monitor) checkThreshold(v float64) {
	if m.threshold <= 0 {
		return
	}

	if v < m.threshold && m.armed {
		m.armed = false
		select {
		case m.events <- Event{Voltage: v, At: m.now()}:
		default:
			m.logger.Warn("low-voltage event dropped", slog.Float64("voltage", v))
		}
		return
	}

	if v >= m.threshold+RecoveryMargin {
		m.armed = true
	}
}
