package main

import (
	"errors"
	"fmt"

	"github.com/srg/hrmon/internal/session"
)

// FormatUserError translates an error into a message suitable for the
// terminal, mapping session failures to plain-language advice.
func FormatUserError(err error) string {
	var f *session.Failure
	if errors.As(err, &f) {
		switch f.Kind {
		case session.PermissionDenied:
			return fmt.Sprintf("Bluetooth is unavailable: %s", causeOf(f))
		case session.ScanFailure:
			return fmt.Sprintf("scan failed: %s", causeOf(f))
		case session.ConnectFailure:
			return fmt.Sprintf("could not connect to the sensor: %s", causeOf(f))
		case session.DiscoveryFailure:
			return fmt.Sprintf("the device does not expose a usable heart rate service: %s", causeOf(f))
		case session.DisconnectFailure:
			return fmt.Sprintf("disconnect did not complete cleanly: %s", causeOf(f))
		}
	}
	return err.Error()
}

func causeOf(f *session.Failure) string {
	if f.Err != nil {
		return f.Err.Error()
	}
	return string(f.Kind)
}
