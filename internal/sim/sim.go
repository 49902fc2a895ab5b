// Package sim generates a deterministic stream of sensor input for running
// the unit without hardware. Given the same seed the feed replays the same
// drive: a speed profile on the CAN bus, a circular route on the GPS serial
// line and a slowly sagging battery on the ADC.
package sim

import (
	"fmt"
	"math"
	"math/rand"
	"time"
)

const (
	baseLatitude  = 48.1173
	baseLongitude = 11.5167
	baseAltitude  = 545.0

	// routeRadius is the angular radius of the simulated loop in degrees,
	// roughly 1.1 km at this latitude.
	routeRadius = 0.01

	fullBatteryVolts = 12.8
	sagPerHourVolts  = 0.4
)

// Feed produces sensor input as a function of elapsed drive time. It is not
// safe for concurrent use; each consumer context owns its own Feed.
type Feed struct {
	rng   *rand.Rand
	start time.Time

	refVolts float64
	divider  float64
	maxRaw   float64
}

// NewFeed creates a feed seeded for reproducible runs.
func NewFeed(seed int64, start time.Time) *Feed {
	return &Feed{
		rng:      rand.New(rand.NewSource(seed)),
		start:    start,
		refVolts: 3.3,
		divider:  10.0,
		maxRaw:   4095,
	}
}

// Speed returns the simulated vehicle speed in km/h at a point in the
// drive: pull away, cruise with a slow swell, never reverse.
func (f *Feed) Speed(at time.Time) float64 {
	elapsed := at.Sub(f.start).Seconds()

	ramp := math.Min(elapsed/30, 1)                  // 30 s pull-away
	swell := 15 * math.Sin(2*math.Pi*elapsed/600)    // 10 min period
	noise := f.rng.Float64()*2 - 1

	speed := ramp*(60+swell) + noise
	return math.Max(speed, 0)
}

// CANSpeedPayload returns the big-endian speed payload carried in the
// vehicle speed frame: speed in hundredths of km/h.
func (f *Feed) CANSpeedPayload(at time.Time) [8]byte {
	hundredths := uint16(f.Speed(at) * 100)

	var data [8]byte
	data[0] = byte(hundredths >> 8)
	data[1] = byte(hundredths)
	return data
}

// Position returns the simulated coordinates at a point in the drive,
// looping around the base position.
func (f *Feed) Position(at time.Time) (lat, lon, alt float64) {
	elapsed := at.Sub(f.start).Seconds()
	angle := 2 * math.Pi * elapsed / 900 // 15 min per lap

	lat = baseLatitude + routeRadius*math.Sin(angle)
	lon = baseLongitude + routeRadius*math.Cos(angle)
	alt = baseAltitude + 10*math.Sin(angle*3)
	return lat, lon, alt
}

// NMEA returns one GGA sentence for the current position, checksummed and
// terminated, ready to feed into the receiver byte by byte.
func (f *Feed) NMEA(at time.Time) []byte {
	lat, lon, alt := f.Position(at)

	utc := at.UTC()
	body := fmt.Sprintf("$GPGGA,%02d%02d%02d,%s,%s,1,08,0.9,%.1f,M,46.9,M,,",
		utc.Hour(), utc.Minute(), utc.Second(),
		formatLatitude(lat), formatLongitude(lon), alt)

	var sum byte
	for i := 1; i < len(body); i++ {
		sum ^= body[i]
	}
	return []byte(fmt.Sprintf("%s*%02X\r\n", body, sum))
}

// BatteryVolts returns the simulated pack voltage, sagging slowly from full
// charge with sensor noise.
func (f *Feed) BatteryVolts(at time.Time) float64 {
	elapsed := at.Sub(f.start).Hours()
	noise := (f.rng.Float64()*2 - 1) * 0.02

	return fullBatteryVolts - sagPerHourVolts*elapsed + noise
}

// ADCRaw returns the 12-bit converter reading for the current pack voltage
// through the input divider.
func (f *Feed) ADCRaw(at time.Time) uint16 {
	v := f.BatteryVolts(at)

	raw := v / (f.refVolts * f.divider) * f.maxRaw
	if raw < 0 {
		raw = 0
	}
	if raw > f.maxRaw {
		raw = f.maxRaw
	}
	return uint16(raw)
}

// formatLatitude renders decimal degrees as NMEA DDMM.MMMM with hemisphere.
func formatLatitude(lat float64) string {
	hemisphere := "N"
	if lat < 0 {
		hemisphere = "S"
		lat = -lat
	}

	degrees := math.Floor(lat)
	minutes := (lat - degrees) * 60
	return fmt.Sprintf("%02.0f%07.4f,%s", degrees, minutes, hemisphere)
}

// formatLongitude renders decimal degrees as NMEA DDDMM.MMMM with
// hemisphere.
func formatLongitude(lon float64) string {
	hemisphere := "E"
	if lon < 0 {
		hemisphere = "W"
		lon = -lon
	}

	degrees := math.Floor(lon)
	minutes := (lon - degrees) * 60
	return fmt.Sprintf("%03.0f%07.4f,%s", degrees, minutes, hemisphere)
}
