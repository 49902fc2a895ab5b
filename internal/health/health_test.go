package health

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"
)

type fakeSensor struct {
	name    string
	healthy bool
}

func (f *fakeSensor) Describe() string       { return f.name }
func (f *fakeSensor) Healthy() bool          { return f.healthy }
func (f *fakeSensor) SetPower(on bool) error { return nil }

func TestWatchdog_StrobeAndExpiry(t *testing.T) {
	now := time.Unix(1000, 0)
	w := NewWatchdog(2*time.Second, WithWatchdogClock(func() time.Time { return now }))

	if w.Expired() {
		t.Error("fresh watchdog must not be expired")
	}

	now = now.Add(1900 * time.Millisecond)
	if w.Expired() {
		t.Error("watchdog expired before timeout")
	}

	w.Strobe()
	now = now.Add(1900 * time.Millisecond)
	if w.Expired() {
		t.Error("strobe did not reset the countdown")
	}

	now = now.Add(200 * time.Millisecond)
	if !w.Expired() {
		t.Error("watchdog should expire past the deadline")
	}
}

func TestWatchdog_WatchFiresOnExpiry(t *testing.T) {
	w := NewWatchdog(40 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	select {
	case <-w.Watch(ctx):
	case <-time.After(time.Second):
		t.Fatal("watchdog expiry channel never fired")
	}
}

func TestWatchdog_WatchStopsOnContextCancel(t *testing.T) {
	w := NewWatchdog(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	expired := w.Watch(ctx)
	cancel()

	select {
	case <-expired:
		t.Error("expiry channel fired after cancel")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAggregator_CheckStrobesWatchdog(t *testing.T) {
	now := time.Unix(1000, 0)
	w := NewWatchdog(2*time.Second, WithWatchdogClock(func() time.Time { return now }))
	a := NewAggregator(w, WithClock(func() time.Time { return now }))
	a.Register(&fakeSensor{name: "can", healthy: false})

	now = now.Add(1900 * time.Millisecond)
	if a.Check() {
		t.Error("Check with an unhealthy component should return false")
	}

	// The strobe happens even when components are degraded.
	now = now.Add(1900 * time.Millisecond)
	if w.Expired() {
		t.Error("Check did not strobe the watchdog")
	}
}

func TestAggregator_LogsTransitionsOncePerEdge(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	w := NewWatchdog(time.Hour)
	s := &fakeSensor{name: "gps", healthy: true}
	a := NewAggregator(w, WithLogger(logger))
	a.Register(s)

	a.Check()
	a.Check()
	a.Check()

	// The first poll is not an edge; it only announces the component.
	if got := strings.Count(buf.String(), "component registered"); got != 1 {
		t.Errorf("registered logged %d times, want 1", got)
	}
	if got := strings.Count(buf.String(), "component recovered"); got != 0 {
		t.Errorf("recovered logged %d times before any transition, want 0", got)
	}

	s.healthy = false
	a.Check()
	a.Check()

	if got := strings.Count(buf.String(), "component degraded"); got != 1 {
		t.Errorf("degraded logged %d times, want 1", got)
	}

	s.healthy = true
	a.Check()

	if got := strings.Count(buf.String(), "component recovered"); got != 1 {
		t.Errorf("recovered logged %d times after recovery, want 1", got)
	}
}

func TestAggregator_Snapshots(t *testing.T) {
	now := time.Unix(1000, 0)
	w := NewWatchdog(time.Hour, WithWatchdogClock(func() time.Time { return now }))
	a := NewAggregator(w, WithClock(func() time.Time { return now }))

	a.Register(&fakeSensor{name: "can", healthy: true})
	a.Register(&fakeSensor{name: "gps", healthy: false})

	a.Check()
	now = now.Add(10 * time.Second)
	a.Check()

	snapshots := a.Snapshots()
	if len(snapshots) != 2 {
		t.Fatalf("Snapshots len = %d, want 2", len(snapshots))
	}

	can := snapshots[0]
	if can.Component != "can" || !can.Healthy || can.Errors != 0 {
		t.Errorf("can snapshot = %+v", can)
	}
	if !can.LastSample.Equal(now) {
		t.Errorf("can LastSample = %v, want %v", can.LastSample, now)
	}

	gps := snapshots[1]
	if gps.Component != "gps" || gps.Healthy || gps.Errors != 2 {
		t.Errorf("gps snapshot = %+v", gps)
	}
}

func TestAggregator_UtilizationWarning(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	w := NewWatchdog(time.Hour)
	a := NewAggregator(w, WithLogger(logger))
	a.SetUtilization(func() int { return 80 })

	a.Check()

	if !strings.Contains(buf.String(), "record buffer filling") {
		t.Error("expected utilization warning in log")
	}
}
