// Package canbus decodes vehicle speed from CAN bus frames. The bus handler
// feeds every received frame in; the sensor caches the most recent decoded
// speed for bounded-time snapshot reads by the acquisition task.
package canbus

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultSpeedFrameID is the reserved identifier of the vehicle speed
	// frame: payload bytes 0-1 carry km/h * 100, big-endian.
	DefaultSpeedFrameID = 0x200

	// DefaultTimeout marks the sensor unhealthy when no frame arrived
	// within this window.
	DefaultTimeout = 2 * time.Second

	// DefaultErrorLimit is the combined TX/RX error count above which the
	// bus is considered degraded.
	DefaultErrorLimit = 100
)

// Frame is one decoded CAN frame as delivered by the bus handler.
type Frame struct {
	ID       uint32
	Data     [8]byte
	Length   uint8 // data length code, 0..8
	Extended bool
	Received time.Time
}

// WithLogger sets the logger for the sensor.
func WithLogger(logger *slog.Logger) func(*SpeedSensor) {
	return func(s *SpeedSensor) {
		s.logger = logger.With(slog.String("sensor", s.Describe()))
	}
}

// WithClock overrides the time source, used by tests.
func WithClock(now func() time.Time) func(*SpeedSensor) {
	return func(s *SpeedSensor) {
		s.now = now
	}
}

// WithErrorLimit overrides the degradation threshold for bus error counts.
func WithErrorLimit(limit uint64) func(*SpeedSensor) {
	return func(s *SpeedSensor) {
		s.errorLimit = limit
	}
}

// SpeedSensor caches the latest vehicle speed decoded from the configured
// CAN frame. Feed is called from the bus context; all other methods are
// snapshot reads safe from any goroutine.
type SpeedSensor struct {
	frameID    uint32
	timeout    time.Duration
	errorLimit uint64

	now    func() time.Time
	logger *slog.Logger

	mu       sync.Mutex
	powered  bool
	speed    float32
	lastRx   time.Time
	rxErrors uint64
	txErrors uint64
}

// NewSpeedSensor creates a speed sensor listening for frameID with the given
// silence timeout. Zero values select DefaultSpeedFrameID and DefaultTimeout.
func NewSpeedSensor(frameID uint32, timeout time.Duration, options ...func(*SpeedSensor)) *SpeedSensor {
	if frameID == 0 {
		frameID = DefaultSpeedFrameID
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	s := SpeedSensor{
		frameID:    frameID,
		timeout:    timeout,
		errorLimit: DefaultErrorLimit,
		now:        time.Now,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		powered:    true,
	}

	for _, option := range options {
		option(&s)
	}

	return &s
}

func (s *SpeedSensor) Describe() string { return "can-speed" }

// Feed delivers one received frame. Every frame refreshes the last-message
// timestamp regardless of identifier; only frames matching the configured
// identifier update the cached speed. Frames are ignored while the sensor
// is powered down.
func (s *SpeedSensor) Feed(f Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.powered {
		return
	}

	at := f.Received
	if at.IsZero() {
		at = s.now()
	}
	s.lastRx = at

	if f.ID != s.frameID {
		return
	}
	if f.Length < 2 {
		s.rxErrors++
		s.logger.Warn("speed frame too short", slog.Int("dlc", int(f.Length)))
		return
	}

	raw := binary.BigEndian.Uint16(f.Data[0:2])
	s.speed = float32(raw) / 100
}

// Speed returns the most recently decoded speed in km/h.
func (s *SpeedSensor) Speed() float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speed
}

// LastMessage returns the reception time of the last accepted frame.
func (s *SpeedSensor) LastMessage() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRx
}

// RecordError adds a bus error event to the transmit or receive counter.
func (s *SpeedSensor) RecordError(tx bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx {
		s.txErrors++
	} else {
		s.rxErrors++
	}
}

// ErrorStats returns the cumulative transmit and receive error counts.
func (s *SpeedSensor) ErrorStats() (tx, rx uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txErrors, s.rxErrors
}

// Healthy reports false when the sensor is powered down, has never seen a
// frame, has been silent past the timeout window, or has accumulated too
// many bus errors.
func (s *SpeedSensor) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.powered || s.lastRx.IsZero() {
		return false
	}
	if s.now().Sub(s.lastRx) > s.timeout {
		return false
	}
	if s.txErrors > s.errorLimit || s.rxErrors > s.errorLimit {
		return false
	}
	return true
}

// SetPower gates frame intake. Powering down retains the cached speed and
// error counters; powering up starts a fresh silence window.
func (s *SpeedSensor) SetPower(on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if on && !s.powered {
		// Do not count the off period against the silence timeout.
		s.lastRx = time.Time{}
	}
	s.powered = on
	return nil
}

// ExtractSpeed decodes the speed field of a matching frame without a sensor
// instance, returning an error for foreign or truncated frames.
func ExtractSpeed(f Frame, frameID uint32) (float32, error) {
	if f.ID != frameID {
		return 0, fmt.Errorf("frame ID 0x%X does not match speed frame 0x%X", f.ID, frameID)
	}
	if f.Length < 2 {
		return 0, fmt.Errorf("speed frame too short: dlc %d", f.Length)
	}
	return float32(binary.BigEndian.Uint16(f.Data[0:2])) / 100, nil
}
