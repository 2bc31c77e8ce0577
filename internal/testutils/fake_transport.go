// Package testutils provides fakes for the session transport boundary
// so state-machine tests run without hardware or platform BLE APIs.
package testutils

import (
	"context"
	"sync"

	"github.com/srg/hrmon/internal/registry"
	"github.com/srg/hrmon/internal/session"
)

// connectOutcome is one scripted result for a Connect call.
type connectOutcome struct {
	conn *FakeConn
	err  error
}

// FakeTransport implements session.Transport with scripted behavior.
// Configure it with the fluent With* methods before handing it to the
// manager; the script is consumed one outcome per Connect call and the
// last outcome repeats.
type FakeTransport struct {
	mu             sync.Mutex
	advertisements []registry.Peripheral
	scanErr        error
	script         []connectOutcome
	connectCalls   int
	stopScanCalls  int
}

// NewFakeTransport creates an empty fake transport.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{}
}

// WithAdvertisements sets the peripherals every scan delivers, in order.
func (t *FakeTransport) WithAdvertisements(peripherals ...registry.Peripheral) *FakeTransport {
	t.advertisements = append(t.advertisements, peripherals...)
	return t
}

// WithScanError makes Scan fail immediately.
func (t *FakeTransport) WithScanError(err error) *FakeTransport {
	t.scanErr = err
	return t
}

// WithConnect appends a successful connect outcome yielding conn.
func (t *FakeTransport) WithConnect(conn *FakeConn) *FakeTransport {
	t.script = append(t.script, connectOutcome{conn: conn})
	return t
}

// WithConnectError appends a failed connect outcome.
func (t *FakeTransport) WithConnectError(err error) *FakeTransport {
	t.script = append(t.script, connectOutcome{err: err})
	return t
}

// Scan delivers the configured advertisements and then blocks until the
// context is torn down, like a real radio scan.
func (t *FakeTransport) Scan(ctx context.Context, onResult func(registry.Peripheral)) error {
	t.mu.Lock()
	advs := t.advertisements
	scanErr := t.scanErr
	t.mu.Unlock()

	if scanErr != nil {
		return scanErr
	}

	for _, p := range advs {
		onResult(p)
	}

	<-ctx.Done()
	return nil
}

// StopScan records the call; the blocking Scan is released through its
// context as with the real transport.
func (t *FakeTransport) StopScan() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopScanCalls++
	return nil
}

// Connect pops the next scripted outcome.
func (t *FakeTransport) Connect(_ context.Context, peripheralID string) (session.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.connectCalls++
	if len(t.script) == 0 {
		return nil, &NoOutcomeError{PeripheralID: peripheralID}
	}

	outcome := t.script[0]
	if len(t.script) > 1 {
		t.script = t.script[1:]
	}
	if outcome.err != nil {
		return nil, outcome.err
	}
	return outcome.conn, nil
}

// ConnectCalls returns how many times Connect was invoked.
func (t *FakeTransport) ConnectCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connectCalls
}

// StopScanCalls returns how many times StopScan was invoked.
func (t *FakeTransport) StopScanCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopScanCalls
}

// NoOutcomeError reports a Connect call the test did not script.
type NoOutcomeError struct {
	PeripheralID string
}

func (e *NoOutcomeError) Error() string {
	return "no connect outcome scripted for peripheral " + e.PeripheralID
}

// FakeConn implements session.Conn. Notifications and link drops are
// driven from the test through Notify and DropLink.
type FakeConn struct {
	mu           sync.Mutex
	discoverErr  error
	subscribeErr error
	batteryData  []byte
	batteryErr   error
	notifyFn     func([]byte)
	disconnected chan struct{}
	dropOnce     sync.Once
	closed       bool
	closeErr     error
	readCalls    int
}

// NewFakeConn creates a connection that discovers, subscribes and reads
// battery successfully (battery value 100).
func NewFakeConn() *FakeConn {
	return &FakeConn{
		batteryData:  []byte{100},
		disconnected: make(chan struct{}),
	}
}

// WithDiscoverError makes DiscoverServices fail.
func (c *FakeConn) WithDiscoverError(err error) *FakeConn {
	c.discoverErr = err
	return c
}

// WithSubscribeError makes Subscribe fail.
func (c *FakeConn) WithSubscribeError(err error) *FakeConn {
	c.subscribeErr = err
	return c
}

// WithBattery sets the raw battery characteristic value.
func (c *FakeConn) WithBattery(data []byte) *FakeConn {
	c.batteryData = data
	return c
}

// WithBatteryError makes the battery read fail.
func (c *FakeConn) WithBatteryError(err error) *FakeConn {
	c.batteryErr = err
	return c
}

// WithCloseError makes Close report err after tearing down.
func (c *FakeConn) WithCloseError(err error) *FakeConn {
	c.closeErr = err
	return c
}

func (c *FakeConn) DiscoverServices(_ context.Context) error {
	return c.discoverErr
}

func (c *FakeConn) Subscribe(_, _ string, fn func(data []byte)) error {
	if c.subscribeErr != nil {
		return c.subscribeErr
	}
	c.mu.Lock()
	c.notifyFn = fn
	c.mu.Unlock()
	return nil
}

func (c *FakeConn) Read(_ context.Context, _, _ string) ([]byte, error) {
	c.mu.Lock()
	c.readCalls++
	c.mu.Unlock()
	if c.batteryErr != nil {
		return nil, c.batteryErr
	}
	return c.batteryData, nil
}

func (c *FakeConn) Disconnected() <-chan struct{} {
	return c.disconnected
}

// Close marks the connection closed and fires the disconnected signal,
// matching the real transport where cancelling the connection also
// closes the client's disconnect channel.
func (c *FakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.dropOnce.Do(func() { close(c.disconnected) })
	return c.closeErr
}

// DropLink simulates an unsolicited disconnect from the device side.
func (c *FakeConn) DropLink() {
	c.dropOnce.Do(func() { close(c.disconnected) })
}

// Notify delivers a raw notification frame as the transport would, from
// a non-loop goroutine.
func (c *FakeConn) Notify(data []byte) {
	c.mu.Lock()
	fn := c.notifyFn
	c.mu.Unlock()
	if fn != nil {
		fn(data)
	}
}

// Subscribed reports whether a notification handler is registered.
func (c *FakeConn) Subscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.notifyFn != nil
}

// IsClosed reports whether Close was called.
func (c *FakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// ReadCalls returns how many characteristic reads were issued.
func (c *FakeConn) ReadCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readCalls
}
