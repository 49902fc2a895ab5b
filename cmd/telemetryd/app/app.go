package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/mkrutov/vehicle-telematics/internal/flashlog"
	"github.com/mkrutov/vehicle-telematics/internal/health"
	"github.com/mkrutov/vehicle-telematics/internal/power"
	"github.com/mkrutov/vehicle-telematics/internal/ringbuf"
	"github.com/mkrutov/vehicle-telematics/internal/sensor/battery"
	"github.com/mkrutov/vehicle-telematics/internal/sensor/canbus"
	"github.com/mkrutov/vehicle-telematics/internal/sensor/gps"
	"github.com/mkrutov/vehicle-telematics/internal/sim"
	"github.com/mkrutov/vehicle-telematics/internal/transmit"
)

// Run wires the unit together from configuration and drives the task loops
// until the context is cancelled or the watchdog trips.
func Run(ctx context.Context, config *Config, logger *slog.Logger) error {
	store, err := createStorage(&config.Storage)
	if err != nil {
		return fmt.Errorf("failed to create storage: %w", err)
	}
	defer store.Close()

	sessionID, err := store.BeginSession(ctx, config.Device.ID, config)
	if err != nil {
		return fmt.Errorf("failed to begin flash log session: %w", err)
	}

	buffer, err := ringbuf.New(config.Buffer.Capacity)
	if err != nil {
		return fmt.Errorf("failed to create record buffer: %w", err)
	}

	speed := canbus.NewSpeedSensor(config.CAN.SpeedFrameID, config.CANTimeout(),
		canbus.WithLogger(logger),
		canbus.WithErrorLimit(config.CAN.ErrorLimit))

	receiver := gps.NewReceiver(config.GPSFixTimeout(),
		gps.WithLogger(logger),
		gps.WithMinSatellites(config.GPS.MinSatellites))

	monitor := battery.NewMonitor(config.Battery.LowThresholdVolts,
		battery.WithLogger(logger),
		battery.WithConversion(config.Battery.ReferenceVolts, config.Battery.DividerRatio))

	controller := power.NewController(power.Config{
		IdleTimeout:     config.IdleTimeout(),
		SleepTimeout:    config.SleepTimeout(),
		ActiveDrawMA:    config.Power.ActiveDrawMA,
		IdleDrawMA:      config.Power.IdleDrawMA,
		DeepSleepDrawMA: config.Power.DeepSleepDrawMA,
	}, power.WithLogger(logger))
	controller.Register(power.RoleCAN, speed)
	controller.Register(power.RoleGPS, receiver)
	controller.Register(power.RoleADC, monitor)

	watchdog := health.NewWatchdog(config.WatchdogTimeout())
	aggregator := health.NewAggregator(watchdog, health.WithLogger(logger))
	aggregator.Register(speed)
	aggregator.Register(receiver)
	aggregator.Register(monitor)
	aggregator.SetUtilization(buffer.Utilization)

	uplink := transmit.NewLogUplink(transmit.WithLogger(logger))

	o := NewOrchestrator(config, logger,
		buffer, speed, receiver, monitor,
		controller, watchdog, aggregator,
		store, sessionID, uplink)

	if config.Sim.Enabled {
		o.feed = sim.NewFeed(config.Sim.Seed, time.Now())
		logger.Info("simulated sensor feed enabled", slog.Int64("seed", config.Sim.Seed))
	}

	logger.Info("unit started",
		slog.String("device_id", config.Device.ID),
		slog.String("session_id", sessionID))

	return o.Run(ctx)
}

func createStorage(config *StorageConfig) (*flashlog.SqliteStore, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get current working directory: %w", err)
	}

	dbPath := config.DataDirectory
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(wd, dbPath)
	}

	stat, err := os.Stat(dbPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("storage directory '%s' does not exist: %w", dbPath, err)
		}
		return nil, fmt.Errorf("checking storage directory '%s': %w", dbPath, err)
	}
	if !stat.IsDir() {
		return nil, fmt.Errorf("invalid storage directory '%s'", dbPath)
	}

	dbPath = filepath.Join(dbPath, fmt.Sprintf("flashlog_%s.sqlite", time.Now().UTC().Format("20060102_150405")))
	return flashlog.NewSqliteStore(dbPath), nil
}
