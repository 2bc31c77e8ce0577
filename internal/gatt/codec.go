package gatt

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// Heart Rate Measurement flags byte (byte 0 of the 2A37 value).
const (
	flagValueFormat16       = 1 << 0 // BPM is uint16 LE; uint8 otherwise
	flagSensorContact       = 1 << 1 // skin contact detected
	flagSensorContactAvail  = 1 << 2 // sensor contact feature supported
	flagEnergyExpendedAvail = 1 << 3 // uint16 LE energy expended follows
	flagRRIntervalsAvail    = 1 << 4 // one or more uint16 LE RR intervals follow
)

// RR intervals are transmitted in units of 1/1024 second.
const rrUnitDenominator = 1024

// Measurement is a decoded Heart Rate Measurement notification value.
// It is ephemeral: one instance per notification frame.
type Measurement struct {
	BPM                    uint16
	SensorContactSupported bool
	SensorContactDetected  bool
	EnergyExpended         *uint16  // kilojoules, nil when not transmitted
	RRIntervals            []uint16 // milliseconds, in transmission order
}

// DecodeError reports a malformed characteristic value. It is always
// recoverable: callers log it and keep consuming the stream.
type DecodeError struct {
	Characteristic string
	Reason         string
	Data           []byte
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("cannot decode %s value %q: %s",
		e.Characteristic, hex.EncodeToString(e.Data), e.Reason)
}

func hrDecodeError(data []byte, format string, args ...interface{}) error {
	return &DecodeError{
		Characteristic: "heart rate measurement",
		Reason:         fmt.Sprintf(format, args...),
		Data:           append([]byte(nil), data...),
	}
}

// DecodeHeartRate decodes a raw Heart Rate Measurement (2A37) value.
//
// The BPM field width is selected by flags bit 0: uint8 at offset 1 when
// clear, uint16 little-endian at offsets 1-2 when set. The optional
// energy expended and RR interval fields are decoded when their flag
// bits announce them; a field announced but truncated fails the whole
// frame.
func DecodeHeartRate(data []byte) (Measurement, error) {
	var m Measurement

	if len(data) < 2 {
		return m, hrDecodeError(data, "need at least flags and one value byte, got %d byte(s)", len(data))
	}

	flags := data[0]
	offset := 1

	if flags&flagValueFormat16 != 0 {
		if len(data) < offset+2 {
			return m, hrDecodeError(data, "16-bit value announced but only %d byte(s) follow flags", len(data)-1)
		}
		m.BPM = binary.LittleEndian.Uint16(data[offset : offset+2])
		offset += 2
	} else {
		m.BPM = uint16(data[offset])
		offset++
	}

	m.SensorContactSupported = flags&flagSensorContactAvail != 0
	m.SensorContactDetected = flags&flagSensorContact != 0

	if flags&flagEnergyExpendedAvail != 0 {
		if len(data) < offset+2 {
			return m, hrDecodeError(data, "energy expended announced but truncated")
		}
		ee := binary.LittleEndian.Uint16(data[offset : offset+2])
		m.EnergyExpended = &ee
		offset += 2
	}

	if flags&flagRRIntervalsAvail != 0 {
		rest := len(data) - offset
		if rest == 0 || rest%2 != 0 {
			return m, hrDecodeError(data, "RR intervals announced but %d trailing byte(s) remain", rest)
		}
		for ; offset < len(data); offset += 2 {
			raw := binary.LittleEndian.Uint16(data[offset : offset+2])
			m.RRIntervals = append(m.RRIntervals, rrToMillis(raw))
		}
	}

	return m, nil
}

// rrToMillis converts an RR interval from 1/1024-second units to
// milliseconds, rounding to nearest.
func rrToMillis(raw uint16) uint16 {
	return uint16((uint32(raw)*1000 + rrUnitDenominator/2) / rrUnitDenominator)
}

// DecodeBatteryLevel decodes a Battery Level (2A19) value: a single byte
// expressing a percentage. Device-reported values above 100 are passed
// through untouched rather than re-validated.
func DecodeBatteryLevel(data []byte) (uint8, error) {
	if len(data) == 0 {
		return 0, &DecodeError{
			Characteristic: "battery level",
			Reason:         "empty value",
		}
	}
	return data[0], nil
}
