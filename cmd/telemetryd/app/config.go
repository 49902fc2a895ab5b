package app

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the main application configuration
type Config struct {
	Settings Settings      `yaml:"settings"`
	Device   DeviceConfig  `yaml:"device"`
	CAN      CANConfig     `yaml:"can"`
	GPS      GPSConfig     `yaml:"gps"`
	Battery  BatteryConfig `yaml:"battery"`
	Buffer   BufferConfig  `yaml:"buffer"`
	Power    PowerConfig   `yaml:"power"`
	Tasks    TasksConfig   `yaml:"tasks"`
	Health   HealthConfig  `yaml:"health"`
	Storage  StorageConfig `yaml:"storage"`
	Sim      SimConfig     `yaml:"sim"`
}

// Settings represents global application settings
type Settings struct {
	LogLevel string `yaml:"logLevel"`
}

// Level maps the configured log level name onto a slog level, defaulting to
// Info for anything unrecognized.
func (s Settings) Level() slog.Level {
	switch strings.ToLower(s.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// DeviceConfig identifies this unit
type DeviceConfig struct {
	ID string `yaml:"id"`
}

// CANConfig represents the vehicle speed bus settings
type CANConfig struct {
	SpeedFrameID   uint32  `yaml:"speedFrameId"`
	TimeoutSeconds float64 `yaml:"timeoutSeconds"`
	ErrorLimit     uint64  `yaml:"errorLimit"`
}

// GPSConfig represents the position receiver settings
type GPSConfig struct {
	FixTimeoutSeconds float64 `yaml:"fixTimeoutSeconds"`
	MinSatellites     uint8   `yaml:"minSatellites"`
}

// BatteryConfig represents the battery monitoring settings
type BatteryConfig struct {
	LowThresholdVolts float64 `yaml:"lowThresholdVolts"`
	ReferenceVolts    float64 `yaml:"referenceVolts"`
	DividerRatio      float64 `yaml:"dividerRatio"`
}

// BufferConfig represents the record buffer settings
type BufferConfig struct {
	Capacity     int `yaml:"capacity"`
	BatchSize    int `yaml:"batchSize"`
	TxAbovePct   int `yaml:"txAbovePct"`   // request early transmit above this utilization
	HighWaterPct int `yaml:"highWaterPct"` // spill batches to the flash log above this
}

// PowerConfig represents the power state machine settings
type PowerConfig struct {
	IdleTimeoutSeconds  float64 `yaml:"idleTimeoutSeconds"`
	SleepTimeoutSeconds float64 `yaml:"sleepTimeoutSeconds"`
	ActiveDrawMA        float64 `yaml:"activeDrawMA"`
	IdleDrawMA          float64 `yaml:"idleDrawMA"`
	DeepSleepDrawMA     float64 `yaml:"deepSleepDrawMA"`
}

// TasksConfig represents the task loop periods
type TasksConfig struct {
	AcquireSeconds  float64 `yaml:"acquireSeconds"`
	ProcessSeconds  float64 `yaml:"processSeconds"`
	TransmitSeconds float64 `yaml:"transmitSeconds"`
	PowerSeconds    float64 `yaml:"powerSeconds"`
	HealthSeconds   float64 `yaml:"healthSeconds"`
}

// HealthConfig represents the health monitoring settings
type HealthConfig struct {
	WatchdogTimeoutSeconds float64 `yaml:"watchdogTimeoutSeconds"`
}

// StorageConfig represents flash log storage settings
type StorageConfig struct {
	DataDirectory string `yaml:"dataDirectory"`
}

// SimConfig represents the simulated sensor feed settings
type SimConfig struct {
	Enabled bool  `yaml:"enabled"`
	Seed    int64 `yaml:"seed"`
}

// LoadConfig reads and validates a YAML configuration file, filling in
// hardware defaults for anything left unset.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading configuration: %w", err)
	}

	var config Config
	if err = yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	config.applyDefaults()
	if err = config.validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Device.ID == "" {
		c.Device.ID = "VTU-000"
	}
	if c.CAN.SpeedFrameID == 0 {
		c.CAN.SpeedFrameID = 0x200
	}
	if c.CAN.TimeoutSeconds <= 0 {
		c.CAN.TimeoutSeconds = 2
	}
	if c.CAN.ErrorLimit == 0 {
		c.CAN.ErrorLimit = 100
	}
	if c.GPS.FixTimeoutSeconds <= 0 {
		c.GPS.FixTimeoutSeconds = 3
	}
	if c.GPS.MinSatellites == 0 {
		c.GPS.MinSatellites = 4
	}
	if c.Battery.LowThresholdVolts <= 0 {
		c.Battery.LowThresholdVolts = 11.5
	}
	if c.Battery.ReferenceVolts <= 0 {
		c.Battery.ReferenceVolts = 3.3
	}
	if c.Battery.DividerRatio <= 0 {
		c.Battery.DividerRatio = 10
	}
	if c.Buffer.Capacity <= 0 {
		c.Buffer.Capacity = 2048
	}
	if c.Buffer.BatchSize <= 0 {
		c.Buffer.BatchSize = 32
	}
	if c.Buffer.TxAbovePct <= 0 {
		c.Buffer.TxAbovePct = 50
	}
	if c.Buffer.HighWaterPct <= 0 {
		c.Buffer.HighWaterPct = 90
	}
	if c.Power.IdleTimeoutSeconds <= 0 {
		c.Power.IdleTimeoutSeconds = 30
	}
	if c.Power.SleepTimeoutSeconds <= 0 {
		c.Power.SleepTimeoutSeconds = 300
	}
	if c.Power.ActiveDrawMA <= 0 {
		c.Power.ActiveDrawMA = 45
	}
	if c.Power.IdleDrawMA <= 0 {
		c.Power.IdleDrawMA = 8
	}
	if c.Power.DeepSleepDrawMA <= 0 {
		c.Power.DeepSleepDrawMA = 0.0025
	}
	if c.Tasks.AcquireSeconds <= 0 {
		c.Tasks.AcquireSeconds = 1
	}
	if c.Tasks.ProcessSeconds <= 0 {
		c.Tasks.ProcessSeconds = 0.5
	}
	if c.Tasks.TransmitSeconds <= 0 {
		c.Tasks.TransmitSeconds = 30
	}
	if c.Tasks.PowerSeconds <= 0 {
		c.Tasks.PowerSeconds = 5
	}
	if c.Tasks.HealthSeconds <= 0 {
		c.Tasks.HealthSeconds = 10
	}
	if c.Health.WatchdogTimeoutSeconds <= 0 {
		c.Health.WatchdogTimeoutSeconds = 2
	}
}

func (c *Config) validate() error {
	if c.Buffer.BatchSize > c.Buffer.Capacity {
		return fmt.Errorf("buffer batch size %d exceeds capacity %d", c.Buffer.BatchSize, c.Buffer.Capacity)
	}
	if c.Buffer.TxAbovePct >= 100 || c.Buffer.HighWaterPct > 100 {
		return fmt.Errorf("buffer thresholds out of range: tx %d%%, high water %d%%",
			c.Buffer.TxAbovePct, c.Buffer.HighWaterPct)
	}
	if c.Buffer.TxAbovePct > c.Buffer.HighWaterPct {
		return fmt.Errorf("tx threshold %d%% exceeds high water %d%%",
			c.Buffer.TxAbovePct, c.Buffer.HighWaterPct)
	}
	if c.Power.SleepTimeoutSeconds < c.Power.IdleTimeoutSeconds {
		return fmt.Errorf("sleep timeout %.0fs is shorter than idle timeout %.0fs",
			c.Power.SleepTimeoutSeconds, c.Power.IdleTimeoutSeconds)
	}
	if c.Storage.DataDirectory == "" {
		return fmt.Errorf("no storage data directory configured")
	}
	return nil
}

// CANTimeout returns the bus silence window as a duration.
func (c *Config) CANTimeout() time.Duration {
	return time.Duration(c.CAN.TimeoutSeconds * float64(time.Second))
}

// GPSFixTimeout returns the fix staleness window as a duration.
func (c *Config) GPSFixTimeout() time.Duration {
	return time.Duration(c.GPS.FixTimeoutSeconds * float64(time.Second))
}

// IdleTimeout returns the Active to Idle inactivity window as a duration.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Power.IdleTimeoutSeconds * float64(time.Second))
}

// SleepTimeout returns the Idle to DeepSleep window as a duration.
func (c *Config) SleepTimeout() time.Duration {
	return time.Duration(c.Power.SleepTimeoutSeconds * float64(time.Second))
}

// WatchdogTimeout returns the watchdog window as a duration.
func (c *Config) WatchdogTimeout() time.Duration {
	return time.Duration(c.Health.WatchdogTimeoutSeconds * float64(time.Second))
}

// AcquireInterval returns the sampling task period as a duration.
func (c *Config) AcquireInterval() time.Duration {
	return time.Duration(c.Tasks.AcquireSeconds * float64(time.Second))
}

// ProcessInterval returns the processing task period as a duration.
func (c *Config) ProcessInterval() time.Duration {
	return time.Duration(c.Tasks.ProcessSeconds * float64(time.Second))
}

// TransmitInterval returns the transmission task period as a duration.
func (c *Config) TransmitInterval() time.Duration {
	return time.Duration(c.Tasks.TransmitSeconds * float64(time.Second))
}

// PowerInterval returns the power management task period as a duration.
func (c *Config) PowerInterval() time.Duration {
	return time.Duration(c.Tasks.PowerSeconds * float64(time.Second))
}

// HealthInterval returns the health check task period as a duration.
func (c *Config) HealthInterval() time.Duration {
	return time.Duration(c.Tasks.HealthSeconds * float64(time.Second))
}
