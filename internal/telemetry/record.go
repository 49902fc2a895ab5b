package telemetry

import (
	"encoding/binary"
	"fmt"
	"math"
)

// RecordSize is the serialized size of a Record in bytes. Buffer capacity
// and transmit batch sizes are defined in units of this record.
const RecordSize = 32

// payloadSize is the number of leading bytes covered by the CRC.
const payloadSize = RecordSize - 2

// Status flag bits carried in Record.Flags.
const (
	FlagGPSValid       uint8 = 1 << 0 // GPS position data is valid
	FlagCANValid       uint8 = 1 << 1 // CAN speed data is valid
	FlagADCValid       uint8 = 1 << 2 // battery voltage is valid
	FlagLowBattery     uint8 = 1 << 3 // battery voltage below threshold
	FlagMotionDetected uint8 = 1 << 4 // vehicle motion detected
	FlagCompressed     uint8 = 1 << 5 // payload has been compressed downstream
	FlagFaultPresent   uint8 = 1 << 6 // at least one sensor degraded
	FlagNetworkError   uint8 = 1 << 7 // set by the communication layer
)

// GPS fix quality codes carried in Record.FixQuality.
const (
	FixInvalid uint8 = 0
	FixGPS     uint8 = 1
	FixDGPS    uint8 = 2
)

// Record is one timestamped snapshot of all sensor readings plus validity
// flags and an integrity checksum. It is created once per sampling cycle,
// sealed, and immutable thereafter. All multi-byte fields serialize
// little-endian; the CRC covers the first 30 bytes of the wire form.
type Record struct {
	Timestamp      uint32  // Unix epoch seconds
	Speed          float32 // vehicle speed in km/h
	BatteryVoltage float32 // battery voltage in volts
	Latitude       float32 // decimal degrees, south negative
	Longitude      float32 // decimal degrees, west negative
	Altitude       float32 // meters above sea level
	Satellites     uint8   // number of satellites in use
	FixQuality     uint8   // FixInvalid, FixGPS or FixDGPS
	Flags          uint8   // Flag* bit field
	Reserved       [3]uint8
	CRC16          uint16 // ChecksumCCITT over the first 30 bytes
}

// ChecksumCCITT computes CRC-16/CCITT-FALSE (polynomial 0x1021, initial
// value 0xFFFF, MSB-first) over data.
func ChecksumCCITT(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// Seal recomputes the checksum from the record's payload bytes and stores it
// in CRC16. It must be called after the last field mutation.
func (r *Record) Seal() {
	r.CRC16 = ChecksumCCITT(r.payload())
}

// Verify reports whether CRC16 matches the record's payload bytes.
func (r *Record) Verify() bool {
	return r.CRC16 == ChecksumCCITT(r.payload())
}

// Has reports whether all bits of flag are set.
func (r *Record) Has(flag uint8) bool {
	return r.Flags&flag == flag
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (r *Record) MarshalBinary() ([]byte, error) {
	buf := make([]byte, RecordSize)
	copy(buf, r.payload())
	binary.LittleEndian.PutUint16(buf[payloadSize:], r.CRC16)
	return buf, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (r *Record) UnmarshalBinary(data []byte) error {
	if len(data) != RecordSize {
		return fmt.Errorf("invalid record length: %d, want %d", len(data), RecordSize)
	}

	r.Timestamp = binary.LittleEndian.Uint32(data[0:])
	r.Speed = float32FromBits(data[4:])
	r.BatteryVoltage = float32FromBits(data[8:])
	r.Latitude = float32FromBits(data[12:])
	r.Longitude = float32FromBits(data[16:])
	r.Altitude = float32FromBits(data[20:])
	r.Satellites = data[24]
	r.FixQuality = data[25]
	r.Flags = data[26]
	copy(r.Reserved[:], data[27:30])
	r.CRC16 = binary.LittleEndian.Uint16(data[30:])

	return nil
}

// payload serializes the first 30 bytes of the record, the region covered
// by the CRC.
func (r *Record) payload() []byte {
	buf := make([]byte, payloadSize)
	binary.LittleEndian.PutUint32(buf[0:], r.Timestamp)
	putFloat32(buf[4:], r.Speed)
	putFloat32(buf[8:], r.BatteryVoltage)
	putFloat32(buf[12:], r.Latitude)
	putFloat32(buf[16:], r.Longitude)
	putFloat32(buf[20:], r.Altitude)
	buf[24] = r.Satellites
	buf[25] = r.FixQuality
	buf[26] = r.Flags
	copy(buf[27:30], r.Reserved[:])
	return buf
}

func putFloat32(b []byte, f float32) {
	binary.LittleEndian.PutUint32(b, math.Float32bits(f))
}

func float32FromBits(b []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}
