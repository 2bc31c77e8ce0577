package gatt

import "strings"

// Standard 16-bit GATT identifiers for the Heart Rate and Battery
// profiles, expanded to the full 128-bit Bluetooth SIG base form
// xxxxxxxx-0000-1000-8000-00805f9b34fb [Vol 3, Part B, 2.5.1].
const (
	HeartRateService         = "0000180d-0000-1000-8000-00805f9b34fb"
	HeartRateMeasurementChar = "00002a37-0000-1000-8000-00805f9b34fb"
	BatteryService           = "0000180f-0000-1000-8000-00805f9b34fb"
	BatteryLevelChar         = "00002a19-0000-1000-8000-00805f9b34fb"
)

const (
	sigBasePrefix = "0000"
	sigBaseSuffix = "00001000800000805f9b34fb"
)

// Normalize converts a UUID string to a canonical comparison form:
// lowercase, no dashes, no 0x prefix. Full 128-bit UUIDs that sit on the
// Bluetooth SIG base are collapsed to their 16-bit short form, so
// "0000180D-0000-1000-8000-00805F9B34FB", "180d" and "0x180D" all
// normalize to "180d".
func Normalize(uuid string) string {
	s := strings.ToLower(strings.ReplaceAll(uuid, "-", ""))
	s = strings.TrimPrefix(s, "0x")

	if len(s) == 32 && strings.HasPrefix(s, sigBasePrefix) && strings.HasSuffix(s, sigBaseSuffix) {
		return s[4:8]
	}
	return s
}

// Equal reports whether two UUID strings identify the same attribute,
// regardless of case, dashes, or 16-bit vs. 128-bit representation.
func Equal(a, b string) bool {
	return Normalize(a) == Normalize(b)
}

var knownServices = map[string]string{
	"180d": "Heart Rate",
	"180f": "Battery Service",
}

var knownCharacteristics = map[string]string{
	"2a37": "Heart Rate Measurement",
	"2a19": "Battery Level",
}

// KnownServiceName returns the assigned name for a service UUID, or ""
// if the service is not one this client works with.
func KnownServiceName(uuid string) string {
	return knownServices[Normalize(uuid)]
}

// KnownCharacteristicName returns the assigned name for a characteristic
// UUID, or "" if unknown.
func KnownCharacteristicName(uuid string) string {
	return knownCharacteristics[Normalize(uuid)]
}
