package app

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	path := writeConfig(t, `
storage:
  dataDirectory: data
`)

	config, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if config.CAN.SpeedFrameID != 0x200 {
		t.Errorf("SpeedFrameID = %#x, want 0x200", config.CAN.SpeedFrameID)
	}
	if config.CANTimeout() != 2*time.Second {
		t.Errorf("CANTimeout = %v, want 2s", config.CANTimeout())
	}
	if config.CAN.ErrorLimit != 100 {
		t.Errorf("ErrorLimit = %d, want 100", config.CAN.ErrorLimit)
	}
	if config.GPSFixTimeout() != 3*time.Second {
		t.Errorf("GPSFixTimeout = %v, want 3s", config.GPSFixTimeout())
	}
	if config.GPS.MinSatellites != 4 {
		t.Errorf("MinSatellites = %d, want 4", config.GPS.MinSatellites)
	}
	if config.Battery.LowThresholdVolts != 11.5 {
		t.Errorf("LowThresholdVolts = %v, want 11.5", config.Battery.LowThresholdVolts)
	}
	if config.Buffer.Capacity != 2048 || config.Buffer.BatchSize != 32 {
		t.Errorf("Buffer = %+v, want capacity 2048 batch 32", config.Buffer)
	}
	if config.IdleTimeout() != 30*time.Second {
		t.Errorf("IdleTimeout = %v, want 30s", config.IdleTimeout())
	}
	if config.SleepTimeout() != 5*time.Minute {
		t.Errorf("SleepTimeout = %v, want 5m", config.SleepTimeout())
	}
	if config.WatchdogTimeout() != 2*time.Second {
		t.Errorf("WatchdogTimeout = %v, want 2s", config.WatchdogTimeout())
	}
	if config.Buffer.TxAbovePct != 50 || config.Buffer.HighWaterPct != 90 {
		t.Errorf("Buffer thresholds = %d%%/%d%%, want 50/90",
			config.Buffer.TxAbovePct, config.Buffer.HighWaterPct)
	}
	if config.Power.ActiveDrawMA != 45 || config.Power.IdleDrawMA != 8 {
		t.Errorf("draws = %v/%v mA, want 45/8", config.Power.ActiveDrawMA, config.Power.IdleDrawMA)
	}
	if config.AcquireInterval() != time.Second {
		t.Errorf("AcquireInterval = %v, want 1s", config.AcquireInterval())
	}
	if config.ProcessInterval() != 500*time.Millisecond {
		t.Errorf("ProcessInterval = %v, want 500ms", config.ProcessInterval())
	}
	if config.TransmitInterval() != 30*time.Second {
		t.Errorf("TransmitInterval = %v, want 30s", config.TransmitInterval())
	}
	if config.PowerInterval() != 5*time.Second {
		t.Errorf("PowerInterval = %v, want 5s", config.PowerInterval())
	}
	if config.HealthInterval() != 10*time.Second {
		t.Errorf("HealthInterval = %v, want 10s", config.HealthInterval())
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	path := writeConfig(t, `
settings:
  logLevel: debug
device:
  id: VTU-042
can:
  speedFrameId: 0x3E8
  timeoutSeconds: 1.5
gps:
  minSatellites: 6
buffer:
  capacity: 512
  batchSize: 16
storage:
  dataDirectory: /var/lib/telemetry
sim:
  enabled: true
  seed: 7
`)

	config, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if config.Settings.Level() != slog.LevelDebug {
		t.Errorf("Level = %v, want debug", config.Settings.Level())
	}
	if config.Device.ID != "VTU-042" {
		t.Errorf("Device.ID = %q, want VTU-042", config.Device.ID)
	}
	if config.CAN.SpeedFrameID != 0x3E8 {
		t.Errorf("SpeedFrameID = %#x, want 0x3E8", config.CAN.SpeedFrameID)
	}
	if config.CANTimeout() != 1500*time.Millisecond {
		t.Errorf("CANTimeout = %v, want 1.5s", config.CANTimeout())
	}
	if config.GPS.MinSatellites != 6 {
		t.Errorf("MinSatellites = %d, want 6", config.GPS.MinSatellites)
	}
	if config.Buffer.Capacity != 512 || config.Buffer.BatchSize != 16 {
		t.Errorf("Buffer = %+v", config.Buffer)
	}
	if !config.Sim.Enabled || config.Sim.Seed != 7 {
		t.Errorf("Sim = %+v", config.Sim)
	}
}

func TestLoadConfig_Validation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			"batch size exceeds capacity",
			`
buffer:
  capacity: 16
  batchSize: 32
storage:
  dataDirectory: data
`,
		},
		{
			"sleep timeout shorter than idle",
			`
power:
  idleTimeoutSeconds: 300
  sleepTimeoutSeconds: 30
storage:
  dataDirectory: data
`,
		},
		{
			"missing storage directory",
			`
device:
  id: VTU-001
`,
		},
		{
			"tx threshold above high water",
			`
buffer:
  txAbovePct: 95
  highWaterPct: 90
storage:
  dataDirectory: data
`,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.content)
			if _, err := LoadConfig(path); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestSettings_LevelFallback(t *testing.T) {
	if got := (Settings{LogLevel: "verbose"}).Level(); got != slog.LevelInfo {
		t.Errorf("Level = %v, want info fallback", got)
	}
	if got := (Settings{}).Level(); got != slog.LevelInfo {
		t.Errorf("Level = %v, want info fallback", got)
	}
}
