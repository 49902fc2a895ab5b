package app

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mkrutov/vehicle-telematics/internal/flashlog"
	"github.com/mkrutov/vehicle-telematics/internal/health"
	"github.com/mkrutov/vehicle-telematics/internal/power"
	"github.com/mkrutov/vehicle-telematics/internal/ringbuf"
	"github.com/mkrutov/vehicle-telematics/internal/sensor/battery"
	"github.com/mkrutov/vehicle-telematics/internal/sensor/canbus"
	"github.com/mkrutov/vehicle-telematics/internal/sensor/gps"
	"github.com/mkrutov/vehicle-telematics/internal/sim"
	"github.com/mkrutov/vehicle-telematics/internal/telemetry"
	"github.com/mkrutov/vehicle-telematics/internal/transmit"
)

const (
	simInterval = 100 * time.Millisecond

	// motionFloorKPH is the speed below which bus readings are treated as
	// standstill noise.
	motionFloorKPH = 0.5
)

// Orchestrator runs the unit's task loops against a shared record buffer:
// acquisition, processing, transmission, power management and health.
type Orchestrator struct {
	cfg    *Config
	logger *slog.Logger

	buffer   *ringbuf.Buffer
	speed    *canbus.SpeedSensor
	receiver *gps.Receiver
	monitor  *battery.Monitor

	controller *power.Controller
	watchdog   *health.Watchdog
	aggregator *health.Aggregator

	store     flashlog.Store
	sessionID string
	uplink    transmit.Transmitter

	feed *sim.Feed

	txSignal   chan struct{}
	lowBattery atomic.Bool

	wg sync.WaitGroup
}

// NewOrchestrator creates an orchestrator over fully constructed parts.
func NewOrchestrator(
	cfg *Config, logger *slog.Logger,
	buffer *ringbuf.Buffer,
	speed *canbus.SpeedSensor, receiver *gps.Receiver, monitor *battery.Monitor,
	controller *power.Controller, watchdog *health.Watchdog, aggregator *health.Aggregator,
	store flashlog.Store, sessionID string, uplink transmit.Transmitter,
) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "orchestrator")),
		buffer:     buffer,
		speed:      speed,
		receiver:   receiver,
		monitor:    monitor,
		controller: controller,
		watchdog:   watchdog,
		aggregator: aggregator,
		store:      store,
		sessionID:  sessionID,
		uplink:     uplink,
		txSignal:   make(chan struct{}, 1),
	}
}

// Run drives the task loops until ctx is cancelled or the watchdog trips.
// On watchdog expiry the error is fatal; the supervisor restarts the unit.
func (o *Orchestrator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	expired := o.watchdog.Watch(ctx)

	o.startLoop(ctx, o.cfg.AcquireInterval(), o.acquire)
	o.startLoop(ctx, o.cfg.ProcessInterval(), o.process)
	o.startLoop(ctx, o.cfg.PowerInterval(), o.managePower)
	o.startLoop(ctx, o.cfg.HealthInterval(), func(context.Context) { o.aggregator.Check() })
	if o.feed != nil {
		o.startLoop(ctx, simInterval, o.feedSensors)
	}

	o.wg.Add(1)
	go o.transmitLoop(ctx)

	var runErr error
	select {
	case <-ctx.Done():
	case <-expired:
		runErr = fmt.Errorf("watchdog expired: task scheduling stalled")
	}

	cancel()
	o.wg.Wait()

	o.flushToFlash()
	return runErr
}

// startLoop runs fn on a fixed period until ctx is done.
func (o *Orchestrator) startLoop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	o.wg.Add(1)

	go func() {
		defer o.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
}

// acquire samples every sensor, assembles one sealed record and pushes it
// into the buffer. Eviction of the oldest record is logged, not fatal.
func (o *Orchestrator) acquire(context.Context) {
	rec := o.buildRecord(time.Now())

	if evicted := o.buffer.Push(rec); evicted {
		o.logger.Warn("record buffer full, oldest record dropped",
			slog.Uint64("overflows", o.buffer.Overflows()))
	}
}

func (o *Orchestrator) buildRecord(now time.Time) telemetry.Record {
	rec := telemetry.Record{Timestamp: uint32(now.Unix())}
	var flags uint8

	if o.speed.Healthy() {
		rec.Speed = o.speed.Speed()
		flags |= telemetry.FlagCANValid
	}

	// The receiver caches stale coordinates for its own consumers; the
	// emitted record carries position only while the fix is valid, zeroes
	// otherwise.
	if fix := o.receiver.Position(); fix.Valid {
		rec.Latitude = float32(fix.Latitude)
		rec.Longitude = float32(fix.Longitude)
		rec.Altitude = float32(fix.Altitude)
		rec.Satellites = fix.Satellites
		rec.FixQuality = fix.Quality
		flags |= telemetry.FlagGPSValid
	}

	volts := o.monitor.Voltage()
	rec.BatteryVoltage = float32(volts)
	if o.monitor.Healthy() {
		flags |= telemetry.FlagADCValid
	}
	if o.lowBattery.Swap(false) || (volts > 0 && volts < o.cfg.Battery.LowThresholdVolts) {
		flags |= telemetry.FlagLowBattery
	}

	if rec.Speed > motionFloorKPH {
		flags |= telemetry.FlagMotionDetected
		o.controller.NotifyActivity()
	}

	if !o.speed.Healthy() || !o.receiver.Healthy() || !o.monitor.Healthy() {
		flags |= telemetry.FlagFaultPresent
	}

	rec.Flags = flags
	rec.Seal()
	return rec
}

// process strobes the watchdog on behalf of the task loops and reacts to
// buffer pressure: past half full it requests an early transmission, past
// the high-water mark it spills a batch straight into the flash log.
func (o *Orchestrator) process(ctx context.Context) {
	o.watchdog.Strobe()

	util := o.buffer.Utilization()
	if util > o.cfg.Buffer.TxAbovePct {
		select {
		case o.txSignal <- struct{}{}:
		default:
		}
	}

	if util >= o.cfg.Buffer.HighWaterPct {
		batch := o.buffer.PopBatch(o.cfg.Buffer.BatchSize)
		if len(batch) == 0 {
			return
		}

		if err := o.store.Persist(ctx, o.sessionID, batch); err != nil {
			o.logger.Error("spilling batch to flash log",
				slog.Int("records", len(batch)),
				slog.String("error", err.Error()))
			return
		}

		o.logger.Warn("buffer high water, batch spilled to flash log",
			slog.Int("records", len(batch)),
			slog.Int("utilization_pct", util))
	}
}

// transmitLoop drains one batch per period, or early on demand. A rejected
// batch is logged and lost to the uplink; it is never pushed back into the
// buffer, so transmission pressure cannot evict fresh records.
func (o *Orchestrator) transmitLoop(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.cfg.TransmitInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-o.txSignal:
		}

		batch := o.buffer.PopBatch(o.cfg.Buffer.BatchSize)
		if len(batch) == 0 {
			continue
		}

		if err := o.uplink.Send(ctx, batch); err != nil {
			o.logger.Error("batch rejected by uplink, records lost",
				slog.Int("records", len(batch)),
				slog.String("error", err.Error()))
		}
	}
}

// managePower drains pending battery events and applies the power timeout
// rules.
func (o *Orchestrator) managePower(context.Context) {
	for {
		select {
		case ev := <-o.monitor.Events():
			o.logger.Warn("battery below threshold",
				slog.Float64("voltage", ev.Voltage))
			o.lowBattery.Store(true)
			o.controller.Wake(power.SourceADCThreshold)
			continue
		default:
		}
		break
	}

	o.controller.Evaluate(o.buffer.Len() == 0)
}

// feedSensors pumps the simulated harness into the sensors. Gating is left
// to the sensors themselves; the harness keeps signalling regardless of the
// unit's power state, just like a real vehicle.
func (o *Orchestrator) feedSensors(context.Context) {
	now := time.Now()

	payload := o.feed.CANSpeedPayload(now)
	o.speed.Feed(canbus.Frame{
		ID:       o.cfg.CAN.SpeedFrameID,
		Data:     payload,
		Length:   8,
		Received: now,
	})
	if binary.BigEndian.Uint16(payload[:2]) > 0 {
		o.controller.Wake(power.SourceCANMessage)
	}

	o.monitor.Feed(o.feed.ADCRaw(now))

	// The receiver emits one sentence per second.
	if now.UnixMilli()%1000 < int64(simInterval.Milliseconds()) {
		o.receiver.FeedBytes(o.feed.NMEA(now))
	}
}

// flushToFlash persists whatever is left in the buffer on shutdown so no
// acquired record is lost across a restart.
func (o *Orchestrator) flushToFlash() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for {
		batch := o.buffer.PopBatch(o.cfg.Buffer.BatchSize)
		if len(batch) == 0 {
			return
		}

		if err := o.store.Persist(ctx, o.sessionID, batch); err != nil {
			o.logger.Error("flushing records to flash log",
				slog.Int("records", len(batch)),
				slog.String("error", err.Error()))
			return
		}
	}
}
