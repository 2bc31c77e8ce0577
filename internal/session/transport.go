package session

import (
	"context"

	"github.com/srg/hrmon/internal/registry"
)

// Transport is the radio boundary. The manager is its sole caller: no
// other component may touch the underlying BLE stack. Implementations
// exist in internal/bletransport (real hardware) and
// internal/testutils (fakes).
type Transport interface {
	// Scan runs a discovery pass, invoking onResult for every sighting
	// until ctx is cancelled. It blocks for the duration of the scan and
	// returns nil on a cancelled/elapsed context.
	Scan(ctx context.Context, onResult func(registry.Peripheral)) error

	// StopScan aborts an in-flight Scan at the radio level, ahead of the
	// context teardown. Safe to call when no scan is running.
	StopScan() error

	// Connect dials the peripheral and returns a live connection. The
	// context bounds the dial attempt.
	Connect(ctx context.Context, peripheralID string) (Conn, error)
}

// Conn is one live connection handle, owned by the session until Close.
type Conn interface {
	// DiscoverServices populates the GATT profile. Must be called before
	// Subscribe or Read.
	DiscoverServices(ctx context.Context) error

	// Subscribe registers fn for notifications on the characteristic.
	// fn may be invoked from transport goroutines; the data slice is
	// only valid for the duration of the call.
	Subscribe(serviceUUID, charUUID string, fn func(data []byte)) error

	// Read performs a one-shot characteristic read.
	Read(ctx context.Context, serviceUUID, charUUID string) ([]byte, error)

	// Disconnected returns a channel that is closed when the link drops,
	// whether or not the drop was requested.
	Disconnected() <-chan struct{}

	// Close unsubscribes and tears the connection down.
	Close() error
}

// PermissionGate answers whether the platform allows BLE scanning and
// connecting. Injected so session tests can simulate both outcomes
// without platform APIs; the real gate lives in internal/bletransport.
type PermissionGate interface {
	// Check returns nil when scanning is permitted, or an error
	// describing the denial.
	Check() error
}

// GateFunc adapts a plain function to the PermissionGate interface.
type GateFunc func() error

func (f GateFunc) Check() error { return f() }
