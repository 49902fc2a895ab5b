// Package gps parses NMEA 0183 sentences into a cached position fix. Bytes
// arrive from the serial context through FeedByte/FeedBytes, which only
// accumulate; complete sentences are parsed in place and committed to the
// cache atomically, so a rejected sentence never disturbs the last good fix.
package gps

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultFixTimeout marks the receiver unhealthy when no valid fix
	// arrived within this window.
	DefaultFixTimeout = 3 * time.Second

	// DefaultMinSatellites is the minimum constellation size for a
	// plausible fix.
	DefaultMinSatellites = 4

	// sentenceLimit bounds the accumulation buffer; NMEA caps sentences at
	// 82 characters, anything longer is line noise.
	sentenceLimit = 128
)

// Fix is a satellite position solution. When Valid is false the remaining
// fields hold the last good values (stale-but-present semantics).
type Fix struct {
	Latitude   float64 // decimal degrees, south negative
	Longitude  float64 // decimal degrees, west negative
	Altitude   float64 // meters above sea level
	Satellites uint8
	Quality    uint8  // 0 invalid, 1 GPS, 2 DGPS
	HDOP       uint16 // horizontal dilution of precision * 100
	Time       uint32 // UTC time of fix, HHMMSS
	Valid      bool
}

// WithLogger sets the logger for the receiver.
func WithLogger(logger *slog.Logger) func(*Receiver) {
	return func(r *Receiver) {
		r.logger = logger.With(slog.String("sensor", r.Describe()))
	}
}

// WithClock overrides the time source, used by tests.
func WithClock(now func() time.Time) func(*Receiver) {
	return func(r *Receiver) {
		r.now = now
	}
}

// WithMinSatellites overrides the plausibility minimum.
func WithMinSatellites(n uint8) func(*Receiver) {
	return func(r *Receiver) {
		r.minSats = n
	}
}

// Receiver accumulates an NMEA byte stream and maintains the latest
// position fix. FeedByte is called from the serial context; Position and
// Healthy are snapshot reads.
type Receiver struct {
	fixTimeout time.Duration
	minSats    uint8

	now    func() time.Time
	logger *slog.Logger

	mu       sync.Mutex
	powered  bool
	line     []byte
	fix      Fix
	lastFix  time.Time // last valid fix commit
	rejected uint64
}

// NewReceiver creates a GPS receiver. A zero fixTimeout selects
// DefaultFixTimeout.
func NewReceiver(fixTimeout time.Duration, options ...func(*Receiver)) *Receiver {
	if fixTimeout <= 0 {
		fixTimeout = DefaultFixTimeout
	}

	r := Receiver{
		fixTimeout: fixTimeout,
		minSats:    DefaultMinSatellites,
		now:        time.Now,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		powered:    true,
		line:       make([]byte, 0, sentenceLimit),
	}

	for _, option := range options {
		option(&r)
	}

	return &r
}

func (r *Receiver) Describe() string { return "gps" }

// FeedByte accumulates one byte of the NMEA stream. A '$' restarts the
// sentence, a line feed dispatches it; oversized garbage resets the buffer.
func (r *Receiver) FeedByte(b byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.powered {
		return
	}

	switch {
	case b == '$':
		r.line = append(r.line[:0], b)

	case b == '\n':
		sentence := strings.TrimRight(string(r.line), "\r")
		r.line = r.line[:0]
		if sentence == "" {
			return
		}
		if err := r.handleSentence(sentence); err != nil {
			r.rejected++
			r.logger.Warn("sentence rejected", slog.String("error", err.Error()))
		}

	case len(r.line) == 0:
		// Not synced to a sentence start yet; mid-sentence power-up
		// tails are guaranteed junk, not worth a rejection.

	case len(r.line) < sentenceLimit-1:
		r.line = append(r.line, b)

	default:
		r.line = r.line[:0]
	}
}

// FeedBytes accumulates a chunk of the NMEA stream.
func (r *Receiver) FeedBytes(p []byte) {
	for _, b := range p {
		r.FeedByte(b)
	}
}

// Position returns the cached fix. Callers must check Fix.Valid; invalid
// fixes still carry the last good coordinates.
func (r *Receiver) Position() Fix {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fix
}

// Rejected returns the count of sentences dropped for checksum or parse
// failures.
func (r *Receiver) Rejected() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rejected
}

// LastFix returns the commit time of the last valid fix.
func (r *Receiver) LastFix() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastFix
}

// Healthy reports false when the receiver is powered down, holds no valid
// fix within the timeout window, or tracks fewer satellites than the
// plausibility minimum.
func (r *Receiver) Healthy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.powered || !r.fix.Valid || r.lastFix.IsZero() {
		return false
	}
	if r.now().Sub(r.lastFix) > r.fixTimeout {
		return false
	}
	return r.fix.Satellites >= r.minSats
}

// SetPower gates byte intake. The cached fix survives a power cycle but is
// marked invalid until a fresh sentence arrives.
func (r *Receiver) SetPower(on bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !on && r.powered {
		r.fix.Valid = false
		r.line = r.line[:0]
	}
	r.powered = on
	return nil
}

// Status returns a one-line human-readable summary.
func (r *Receiver) Status() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.fix.Valid {
		return fmt.Sprintf("GPS: no fix (sats: %d)", r.fix.Satellites)
	}
	return fmt.Sprintf("GPS: fix OK | lat: %.6f | lon: %.6f | sats: %d | alt: %.1fm",
		r.fix.Latitude, r.fix.Longitude, r.fix.Satellites, r.fix.Altitude)
}

// handleSentence validates and dispatches one complete sentence. State is
// mutated only after the sentence parses in full. Callers hold mu.
func (r *Receiver) handleSentence(sentence string) error {
	body, err := validateChecksum(sentence)
	if err != nil {
		return err
	}

	fields := strings.Split(body, ",")
	switch fields[0] {
	case "$GPGGA", "$GNGGA":
		return r.applyGGA(fields)
	case "$GPRMC", "$GNRMC":
		return r.applyRMC(fields)
	}

	// Other sentence families carry nothing the fix needs.
	return nil
}

// applyGGA parses a fix-quality sentence:
// $GPGGA,time,lat,N/S,lon,E/W,quality,sats,hdop,alt,M,geoid,M,,
func (r *Receiver) applyGGA(fields []string) error {
	if len(fields) < 10 {
		return fmt.Errorf("GGA sentence too short: %d fields", len(fields))
	}

	quality, err := strconv.ParseUint(fields[6], 10, 8)
	if err != nil {
		return fmt.Errorf("parsing fix quality: %w", err)
	}
	if quality == 0 {
		// Lost fix: clear validity, keep the last good values.
		r.fix.Valid = false
		r.fix.Quality = 0
		return nil
	}

	lat, err := convertCoordinate(fields[2], fields[3])
	if err != nil {
		return fmt.Errorf("parsing latitude: %w", err)
	}
	lon, err := convertCoordinate(fields[4], fields[5])
	if err != nil {
		return fmt.Errorf("parsing longitude: %w", err)
	}
	sats, err := strconv.ParseUint(fields[7], 10, 8)
	if err != nil {
		return fmt.Errorf("parsing satellite count: %w", err)
	}
	hdop, err := strconv.ParseFloat(fields[8], 64)
	if err != nil {
		return fmt.Errorf("parsing HDOP: %w", err)
	}
	alt, err := strconv.ParseFloat(fields[9], 64)
	if err != nil {
		return fmt.Errorf("parsing altitude: %w", err)
	}

	r.fix.Latitude = lat
	r.fix.Longitude = lon
	r.fix.Altitude = alt
	r.fix.Satellites = uint8(sats)
	r.fix.Quality = uint8(quality)
	r.fix.HDOP = uint16(hdop * 100)
	r.fix.Valid = true
	r.lastFix = r.now()

	return nil
}

// applyRMC parses a recommended-minimum sentence:
// $GPRMC,time,status,lat,N/S,lon,E/W,speed,track,date,...
func (r *Receiver) applyRMC(fields []string) error {
	if len(fields) < 10 {
		return fmt.Errorf("RMC sentence too short: %d fields", len(fields))
	}

	if fields[2] != "A" {
		r.fix.Valid = false
		return nil
	}

	lat, err := convertCoordinate(fields[3], fields[4])
	if err != nil {
		return fmt.Errorf("parsing latitude: %w", err)
	}
	lon, err := convertCoordinate(fields[5], fields[6])
	if err != nil {
		return fmt.Errorf("parsing longitude: %w", err)
	}
	utc, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return fmt.Errorf("parsing UTC time: %w", err)
	}

	r.fix.Latitude = lat
	r.fix.Longitude = lon
	r.fix.Time = uint32(utc)
	r.fix.Valid = true
	r.lastFix = r.now()

	return nil
}

// validateChecksum verifies the XOR checksum and returns the sentence body
// without the trailing "*hh".
func validateChecksum(sentence string) (string, error) {
	if !strings.HasPrefix(sentence, "$") {
		return "", fmt.Errorf("sentence does not start with $")
	}

	star := strings.LastIndexByte(sentence, '*')
	if star < 0 || len(sentence)-star != 3 {
		return "", fmt.Errorf("missing or malformed checksum")
	}

	var sum byte
	for i := 1; i < star; i++ {
		sum ^= sentence[i]
	}

	want, err := strconv.ParseUint(sentence[star+1:], 16, 8)
	if err != nil {
		return "", fmt.Errorf("parsing checksum: %w", err)
	}
	if sum != byte(want) {
		return "", fmt.Errorf("checksum mismatch: calculated %02X, sentence says %02X", sum, want)
	}

	return sentence[:star], nil
}

// convertCoordinate converts NMEA "degrees + decimal minutes" (DDMM.MMMM or
// DDDMM.MMMM) with a hemisphere letter into signed decimal degrees.
func convertCoordinate(value, hemisphere string) (float64, error) {
	if value == "" || hemisphere == "" {
		return 0, fmt.Errorf("empty coordinate field")
	}

	raw, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing coordinate %q: %w", value, err)
	}

	degrees := math.Floor(raw / 100)
	minutes := raw - degrees*100
	decimal := degrees + minutes/60

	switch hemisphere {
	case "N", "E":
		return decimal, nil
	case "S", "W":
		return -decimal, nil
	}
	return 0, fmt.Errorf("unknown hemisphere %q", hemisphere)
}
