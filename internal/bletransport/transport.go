// Package bletransport implements the session transport boundary on top
// of go-ble. It is the only package that touches the BLE stack; the
// session manager owns the single Transport instance.
package bletransport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/hrmon/internal/gatt"
	"github.com/srg/hrmon/internal/registry"
	"github.com/srg/hrmon/internal/session"
)

// NotFoundError reports a missing GATT resource on the connected
// peripheral.
type NotFoundError struct {
	Resource string // "service" or "characteristic"
	UUID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.UUID)
}

// Transport is the go-ble backed radio handle. The underlying ble.Device
// is created lazily on first use so constructing a Transport never
// touches the hardware.
type Transport struct {
	logger *logrus.Logger

	mu         sync.Mutex
	dev        ble.Device
	scanCancel context.CancelFunc
}

// New creates a transport. A nil logger is replaced with a fresh one.
func New(logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	return &Transport{logger: logger}
}

// Gate returns a permission gate backed by this transport's device
// initialization: permission is granted exactly when the platform lets
// us bring the central radio up.
func (t *Transport) Gate() session.PermissionGate {
	return session.GateFunc(func() error {
		_, err := t.device()
		return err
	})
}

func (t *Transport) device() (ble.Device, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.dev != nil {
		return t.dev, nil
	}
	dev, err := DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", err)
	}
	ble.SetDefaultDevice(dev)
	t.dev = dev
	return dev, nil
}

// Scan runs discovery until ctx is cancelled or StopScan is called,
// converting every advertisement into a registry.Peripheral. A
// cancelled or elapsed context is a clean return.
func (t *Transport) Scan(ctx context.Context, onResult func(registry.Peripheral)) error {
	dev, err := t.device()
	if err != nil {
		return err
	}

	scanCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.scanCancel = cancel
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.scanCancel = nil
		t.mu.Unlock()
		cancel()
	}()

	err = dev.Scan(scanCtx, false, func(adv ble.Advertisement) {
		onResult(registry.Peripheral{
			ID:   adv.Addr().String(),
			Name: adv.LocalName(),
			RSSI: adv.RSSI(),
		})
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("scan failed: %w", err)
	}
	return nil
}

// StopScan aborts an in-flight Scan. Safe to call when nothing is
// scanning.
func (t *Transport) StopScan() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.scanCancel != nil {
		t.scanCancel()
		t.scanCancel = nil
	}
	return nil
}

// Connect dials the peripheral. The returned connection is live but has
// no discovered profile yet.
func (t *Transport) Connect(ctx context.Context, peripheralID string) (session.Conn, error) {
	if _, err := t.device(); err != nil {
		return nil, err
	}

	t.logger.WithField("id", peripheralID).Debug("Dialing peripheral")
	client, err := ble.Dial(ctx, ble.NewAddr(peripheralID))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to device %q: %w", peripheralID, err)
	}

	return &conn{client: client, logger: t.logger}, nil
}

// conn wraps one live ble.Client.
type conn struct {
	client ble.Client
	logger *logrus.Logger

	mu         sync.Mutex
	profile    *ble.Profile
	subscribed []*ble.Characteristic
}

func (c *conn) DiscoverServices(_ context.Context) error {
	profile, err := c.client.DiscoverProfile(true)
	if err != nil {
		return fmt.Errorf("failed to discover profile: %w", err)
	}

	c.mu.Lock()
	c.profile = profile
	c.mu.Unlock()

	c.logger.WithField("services", len(profile.Services)).Debug("Discovered GATT profile")
	return nil
}

func (c *conn) findCharacteristic(serviceUUID, charUUID string) (*ble.Characteristic, error) {
	c.mu.Lock()
	profile := c.profile
	c.mu.Unlock()

	if profile == nil {
		return nil, errors.New("profile not discovered - call DiscoverServices first")
	}

	for _, svc := range profile.Services {
		if !gatt.Equal(svc.UUID.String(), serviceUUID) {
			continue
		}
		for _, char := range svc.Characteristics {
			if gatt.Equal(char.UUID.String(), charUUID) {
				return char, nil
			}
		}
		return nil, &NotFoundError{Resource: "characteristic", UUID: charUUID}
	}
	return nil, &NotFoundError{Resource: "service", UUID: serviceUUID}
}

func (c *conn) Subscribe(serviceUUID, charUUID string, fn func(data []byte)) error {
	char, err := c.findCharacteristic(serviceUUID, charUUID)
	if err != nil {
		return err
	}

	// Prefer notifications; fall back to indications when that is all
	// the characteristic offers.
	indicate := char.Property&ble.CharNotify == 0
	if indicate && char.Property&ble.CharIndicate == 0 {
		return fmt.Errorf("characteristic %s supports neither notify nor indicate", charUUID)
	}

	if err := c.client.Subscribe(char, indicate, ble.NotificationHandler(fn)); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", charUUID, err)
	}

	c.mu.Lock()
	c.subscribed = append(c.subscribed, char)
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"serviceUUID": serviceUUID,
		"charUUID":    charUUID,
	}).Info("Subscribed to characteristic notifications")
	return nil
}

func (c *conn) Read(_ context.Context, serviceUUID, charUUID string) ([]byte, error) {
	char, err := c.findCharacteristic(serviceUUID, charUUID)
	if err != nil {
		return nil, err
	}

	data, err := c.client.ReadCharacteristic(char)
	if err != nil {
		return nil, fmt.Errorf("failed to read characteristic %s: %w", charUUID, err)
	}
	return data, nil
}

func (c *conn) Disconnected() <-chan struct{} {
	return c.client.Disconnected()
}

// Close unsubscribes from everything best-effort and cancels the
// connection.
func (c *conn) Close() error {
	c.mu.Lock()
	subscribed := c.subscribed
	c.subscribed = nil
	c.mu.Unlock()

	for _, char := range subscribed {
		err1 := c.client.Unsubscribe(char, false) // notify
		err2 := c.client.Unsubscribe(char, true)  // indicate
		// Only report when both modes failed; the device may have
		// dropped the link already.
		if err1 != nil && err2 != nil {
			c.logger.WithFields(logrus.Fields{
				"charUUID":    char.UUID.String(),
				"notifyErr":   err1,
				"indicateErr": err2,
			}).Debug("Failed to unsubscribe during close")
		}
	}

	return c.client.CancelConnection()
}
