package flashlog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/mkrutov/vehicle-telematics/internal/telemetry"
)

func newTestStore(t *testing.T) *SqliteStore {
	t.Helper()

	s := NewSqliteStore(filepath.Join(t.TempDir(), "flash.db"))
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return s
}

func makeRecord(ts uint32) telemetry.Record {
	rec := telemetry.Record{
		Timestamp:      ts,
		Speed:          72.5,
		BatteryVoltage: 12.6,
		Latitude:       48.1173,
		Longitude:      11.5167,
		Altitude:       545.4,
		Satellites:     8,
		FixQuality:     1,
		Flags:          telemetry.FlagGPSValid | telemetry.FlagCANValid,
	}
	rec.Seal()
	return rec
}

func TestSqliteStore_PersistAndReadBack(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	sessionID, err := s.BeginSession(ctx, "VTU-001", map[string]int{"sample_hz": 1})
	if err != nil {
		t.Fatalf("BeginSession: %v", err)
	}
	if sessionID == "" {
		t.Fatal("BeginSession returned empty ID")
	}

	batch := make([]telemetry.Record, 0, 32)
	for i := uint32(0); i < 32; i++ {
		batch = append(batch, makeRecord(1000+i))
	}
	if err := s.Persist(ctx, sessionID, batch); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	count, err := s.Count(ctx, sessionID)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 32 {
		t.Errorf("Count = %d, want 32", count)
	}

	records, err := s.Records(ctx, sessionID)
	if err != nil {
		t.Fatalf("Records: %v", err)
	}
	if len(records) != 32 {
		t.Fatalf("Records len = %d, want 32", len(records))
	}

	for i, rec := range records {
		if rec.Timestamp != 1000+uint32(i) {
			t.Fatalf("record %d timestamp = %d, want %d", i, rec.Timestamp, 1000+i)
		}
		if !rec.Verify() {
			t.Fatalf("record %d failed checksum after round-trip", i)
		}
	}
}

func TestSqliteStore_PersistChunksLargeBatches(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	sessionID, err := s.BeginSession(ctx, "VTU-001", nil)
	if err != nil {
		t.Fatalf("BeginSession: %v", err)
	}

	// Larger than one multi-values insert can carry.
	batch := make([]telemetry.Record, 0, 3*maxInsertRecords+7)
	for i := 0; i < cap(batch); i++ {
		batch = append(batch, makeRecord(uint32(i)))
	}
	if err := s.Persist(ctx, sessionID, batch); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	count, err := s.Count(ctx, sessionID)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != int64(len(batch)) {
		t.Errorf("Count = %d, want %d", count, len(batch))
	}
}

func TestSqliteStore_EmptyBatchIsNoop(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	sessionID, err := s.BeginSession(ctx, "VTU-001", nil)
	if err != nil {
		t.Fatalf("BeginSession: %v", err)
	}

	if err := s.Persist(ctx, sessionID, nil); err != nil {
		t.Fatalf("Persist(nil): %v", err)
	}

	count, err := s.Count(ctx, sessionID)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 0 {
		t.Errorf("Count = %d, want 0", count)
	}
}

func TestSqliteStore_Sessions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	first, err := s.BeginSession(ctx, "VTU-001", "threshold: 11.5")
	if err != nil {
		t.Fatalf("BeginSession: %v", err)
	}
	second, err := s.BeginSession(ctx, "VTU-002", nil)
	if err != nil {
		t.Fatalf("BeginSession: %v", err)
	}

	sessions, err := s.Sessions(ctx)
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("Sessions len = %d, want 2", len(sessions))
	}

	ids := map[string]string{
		sessions[0].ID: sessions[0].DeviceID,
		sessions[1].ID: sessions[1].DeviceID,
	}
	if ids[first] != "VTU-001" || ids[second] != "VTU-002" {
		t.Errorf("unexpected sessions: %+v", sessions)
	}

	for _, sess := range sessions {
		if sess.ID == first && sess.Config != "threshold: 11.5" {
			t.Errorf("config = %q, want threshold string", sess.Config)
		}
	}
}
