package gps

import (
	"fmt"
	"math"
	"strings"
	"testing"
	"time"
)

// sentence appends the NMEA checksum and line terminator to a body.
func sentence(body string) string {
	var sum byte
	for i := 1; i < len(body); i++ {
		sum ^= body[i]
	}
	return fmt.Sprintf("%s*%02X\r\n", body, sum)
}

func newTestReceiver(now *time.Time) *Receiver {
	return NewReceiver(0, WithClock(func() time.Time { return *now }))
}

func TestConvertCoordinate(t *testing.T) {
	tests := []struct {
		value      string
		hemisphere string
		want       float64
	}{
		{"4807.038", "N", 48.1173},
		{"4807.038", "S", -48.1173},
		{"01131.000", "E", 11.5167},
		{"01131.000", "W", -11.5167},
		{"0000.000", "N", 0},
	}

	for _, tc := range tests {
		t.Run(tc.value+tc.hemisphere, func(t *testing.T) {
			got, err := convertCoordinate(tc.value, tc.hemisphere)
			if err != nil {
				t.Fatalf("convertCoordinate: %v", err)
			}
			if math.Abs(got-tc.want) > 1e-4 {
				t.Errorf("convertCoordinate = %v, want %v", got, tc.want)
			}
		})
	}

	if _, err := convertCoordinate("", "N"); err == nil {
		t.Error("expected error for empty value")
	}
	if _, err := convertCoordinate("4807.038", "Q"); err == nil {
		t.Error("expected error for unknown hemisphere")
	}
}

func TestValidateChecksum_CanonicalSentences(t *testing.T) {
	// Reference sentences with published checksums.
	valid := []string{
		"$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*47",
		"$GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W*6A",
	}

	for _, s := range valid {
		if _, err := validateChecksum(s); err != nil {
			t.Errorf("validateChecksum(%q): %v", s, err)
		}
	}

	invalid := []string{
		"$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*48",
		"GPGGA,123519,4807.038,N*47",
		"$GPGGA,123519,4807.038,N",
		"$GPGGA,123519*4",
		"$GPGGA,123519*ZZ",
	}

	for _, s := range invalid {
		if _, err := validateChecksum(s); err == nil {
			t.Errorf("validateChecksum(%q): expected error", s)
		}
	}
}

func TestReceiver_ParsesGGA(t *testing.T) {
	now := time.Unix(1000, 0)
	r := newTestReceiver(&now)

	r.FeedBytes([]byte(sentence("$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,")))

	fix := r.Position()
	if !fix.Valid {
		t.Fatal("fix should be valid")
	}
	if math.Abs(fix.Latitude-48.1173) > 1e-4 {
		t.Errorf("Latitude = %v, want 48.1173", fix.Latitude)
	}
	if math.Abs(fix.Longitude-11.5167) > 1e-4 {
		t.Errorf("Longitude = %v, want 11.5167", fix.Longitude)
	}
	if fix.Altitude != 545.4 {
		t.Errorf("Altitude = %v, want 545.4", fix.Altitude)
	}
	if fix.Satellites != 8 {
		t.Errorf("Satellites = %d, want 8", fix.Satellites)
	}
	if fix.Quality != 1 {
		t.Errorf("Quality = %d, want 1", fix.Quality)
	}
	if fix.HDOP != 90 {
		t.Errorf("HDOP = %d, want 90", fix.HDOP)
	}
}

func TestReceiver_ParsesRMC(t *testing.T) {
	now := time.Unix(1000, 0)
	r := newTestReceiver(&now)

	r.FeedBytes([]byte(sentence("$GNRMC,123519,A,4916.450,N,12311.120,W,000.5,054.7,230394,003.1,W")))

	fix := r.Position()
	if !fix.Valid {
		t.Fatal("fix should be valid")
	}
	if math.Abs(fix.Latitude-49.2742) > 1e-3 {
		t.Errorf("Latitude = %v, want 49.2742", fix.Latitude)
	}
	if math.Abs(fix.Longitude-(-123.1853)) > 1e-3 {
		t.Errorf("Longitude = %v, want -123.1853", fix.Longitude)
	}
	if fix.Time != 123519 {
		t.Errorf("Time = %d, want 123519", fix.Time)
	}
}

func TestReceiver_CorruptChecksumLeavesStateUntouched(t *testing.T) {
	now := time.Unix(1000, 0)
	r := newTestReceiver(&now)

	r.FeedBytes([]byte(sentence("$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,")))
	before := r.Position()

	// Same shape, different position, corrupted checksum byte.
	good := sentence("$GPGGA,124001,5207.000,N,02131.000,E,1,09,1.1,100.0,M,46.9,M,,")
	corrupt := []byte(good)
	corrupt[len(corrupt)-3] ^= 0x01 // flip low bit of last checksum digit
	r.FeedBytes(corrupt)

	if got := r.Position(); got != before {
		t.Errorf("rejected sentence mutated state:\n got %+v\nwant %+v", got, before)
	}
	if got := r.Rejected(); got != 1 {
		t.Errorf("Rejected = %d, want 1", got)
	}
}

func TestReceiver_InvalidFixIsStaleButPresent(t *testing.T) {
	now := time.Unix(1000, 0)
	r := newTestReceiver(&now)

	r.FeedBytes([]byte(sentence("$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,")))
	if !r.Position().Valid {
		t.Fatal("precondition: valid fix")
	}

	// Quality 0: fix lost, last coordinates retained.
	r.FeedBytes([]byte(sentence("$GPGGA,123520,,,,,0,00,,,M,,M,,")))

	fix := r.Position()
	if fix.Valid {
		t.Error("fix should be invalid after quality-0 sentence")
	}
	if math.Abs(fix.Latitude-48.1173) > 1e-4 {
		t.Errorf("Latitude = %v, want last good 48.1173", fix.Latitude)
	}

	// RMC with status V behaves the same.
	r.FeedBytes([]byte(sentence("$GPGGA,123521,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,")))
	r.FeedBytes([]byte(sentence("$GPRMC,123522,V,,,,,,,230394,003.1,W")))

	fix = r.Position()
	if fix.Valid {
		t.Error("fix should be invalid after status-V sentence")
	}
	if math.Abs(fix.Latitude-48.1173) > 1e-4 {
		t.Errorf("Latitude = %v, want last good 48.1173", fix.Latitude)
	}
}

func TestReceiver_HealthFixAgeAndSatellites(t *testing.T) {
	now := time.Unix(1000, 0)
	r := newTestReceiver(&now)

	if r.Healthy() {
		t.Error("receiver without fix should be unhealthy")
	}

	r.FeedBytes([]byte(sentence("$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,")))
	if !r.Healthy() {
		t.Error("receiver with fresh 8-satellite fix should be healthy")
	}

	now = now.Add(4 * time.Second)
	if r.Healthy() {
		t.Error("receiver should be unhealthy after fix timeout")
	}

	// Fresh fix but only 3 satellites: below the plausibility minimum.
	r.FeedBytes([]byte(sentence("$GPGGA,123524,4807.038,N,01131.000,E,1,03,0.9,545.4,M,46.9,M,,")))
	if r.Healthy() {
		t.Error("receiver with 3 satellites should be unhealthy")
	}
}

func TestReceiver_ResyncOnDollarAndGarbage(t *testing.T) {
	now := time.Unix(1000, 0)
	r := newTestReceiver(&now)

	// Partial sentence interrupted by a new start marker.
	r.FeedBytes([]byte("$GPGGA,123519,48"))
	r.FeedBytes([]byte(sentence("$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,")))

	if !r.Position().Valid {
		t.Error("receiver should resync on $ and parse the complete sentence")
	}

	// Sustained garbage without terminators must not wedge the buffer.
	for i := 0; i < 4*sentenceLimit; i++ {
		r.FeedByte('x')
	}
	r.FeedBytes([]byte(sentence("$GPGGA,123525,4807.038,N,01131.000,E,2,09,0.9,545.4,M,46.9,M,,")))

	fix := r.Position()
	if fix.Quality != 2 || fix.Satellites != 9 {
		t.Errorf("fix after garbage = quality %d sats %d, want 2 and 9", fix.Quality, fix.Satellites)
	}
}

func TestReceiver_DiscardsBytesBeforeFirstSync(t *testing.T) {
	now := time.Unix(1000, 0)
	r := newTestReceiver(&now)

	// Mid-sentence power-up: the tail of a sentence arrives before any $.
	r.FeedBytes([]byte("038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*47\r\n"))

	if got := r.Rejected(); got != 0 {
		t.Errorf("Rejected = %d, want 0 for unsynced tail", got)
	}

	r.FeedBytes([]byte(sentence("$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,")))
	if !r.Position().Valid {
		t.Error("receiver should parse normally after syncing on $")
	}
}

func TestReceiver_Status(t *testing.T) {
	now := time.Unix(1000, 0)
	r := newTestReceiver(&now)

	if got := r.Status(); got != "GPS: no fix (sats: 0)" {
		t.Errorf("Status = %q", got)
	}

	r.FeedBytes([]byte(sentence("$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,")))

	got := r.Status()
	if !strings.Contains(got, "fix OK") || !strings.Contains(got, "sats: 8") {
		t.Errorf("Status = %q, want fix summary", got)
	}
}

func TestReceiver_PowerCycleInvalidatesFix(t *testing.T) {
	now := time.Unix(1000, 0)
	r := newTestReceiver(&now)

	r.FeedBytes([]byte(sentence("$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,")))
	if err := r.SetPower(false); err != nil {
		t.Fatalf("SetPower: %v", err)
	}

	if r.Healthy() {
		t.Error("powered-down receiver must be unhealthy")
	}
	fix := r.Position()
	if fix.Valid {
		t.Error("fix must be invalidated on power-down")
	}
	if math.Abs(fix.Latitude-48.1173) > 1e-4 {
		t.Error("last coordinates should survive power-down")
	}

	// Bytes while off are discarded.
	r.FeedBytes([]byte(sentence("$GPGGA,123530,5207.000,N,02131.000,E,1,08,0.9,100.0,M,46.9,M,,")))
	if r.Position().Valid {
		t.Error("feeds while powered down must be ignored")
	}

	if err := r.SetPower(true); err != nil {
		t.Fatalf("SetPower: %v", err)
	}
	r.FeedBytes([]byte(sentence("$GPGGA,123531,5207.000,N,02131.000,E,1,08,0.9,100.0,M,46.9,M,,")))
	if !r.Position().Valid {
		t.Error("receiver should recover after power-up")
	}
}
