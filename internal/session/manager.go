// Package session owns the single BLE session: scan lifecycle, the
// connect/discover/subscribe chain, notification decoding, the
// auto-reconnect policy and the bounded readings log. All state
// transitions happen on one event-consuming goroutine; every other
// actor (transport callbacks, timers, presentation commands) only posts
// events.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/hrmon/internal/gatt"
	"github.com/srg/hrmon/internal/registry"
)

// Options configures session behavior.
type Options struct {
	// ScanWindow bounds every scan; the session returns to idle when it
	// elapses regardless of what was found.
	ScanWindow time.Duration

	// ConnectTimeout bounds the whole connect chain: dial, service
	// discovery, subscription and the battery read.
	ConnectTimeout time.Duration

	// ReadingsCapacity is the size of the recent-readings log.
	ReadingsCapacity int

	// EventBuffer is the inbound event ring capacity.
	EventBuffer int
}

// DefaultOptions returns the options used in production.
func DefaultOptions() *Options {
	return &Options{
		ScanWindow:       10 * time.Second,
		ConnectTimeout:   30 * time.Second,
		ReadingsCapacity: 10,
		EventBuffer:      128,
	}
}

type eventKind int

const (
	cmdScan eventKind = iota
	cmdConnect
	cmdDisconnect
	cmdDismissError
	evScanResult
	evScanEnded
	evScanTimeout
	evNotification
	evLinkLost
)

// event is one element of the serialized inbound stream. Generation
// counters let the loop discard events from a scan or connection that
// has already been torn down.
type event struct {
	kind       eventKind
	scanGen    uint64
	connGen    uint64
	peripheral registry.Peripheral
	id         string
	data       []byte
	err        error
}

// Snapshot is a point-in-time copy of the observable session state for
// presentation. Pointer fields are nil when the value is absent.
type Snapshot struct {
	State         State
	Peripheral    *registry.Peripheral
	HeartRate     *uint16
	SensorContact *bool
	BatteryLevel  *uint8
	LastError     *Failure
	Readings      []Reading
	Devices       []registry.Peripheral
}

// Manager drives the session state machine. It exclusively owns the
// transport handle; create one per process.
type Manager struct {
	transport Transport
	gate      PermissionGate
	registry  *registry.Registry
	logger    *logrus.Logger
	opts      Options

	events *ringChannel[event]

	// Owned by the event loop goroutine.
	scanGen    uint64
	scanCancel context.CancelFunc
	scanTimer  *time.Timer
	connGen    uint64
	conn       Conn

	// Snapshot fields, written by the loop under mu, read by anyone.
	mu         sync.RWMutex
	state      State
	peripheral *registry.Peripheral
	heartRate  *uint16
	contact    *bool
	battery    *uint8
	lastErr    *Failure
	readings   *Log
}

// NewManager creates a session manager. A nil opts uses DefaultOptions;
// a nil logger is replaced with a fresh one.
func NewManager(transport Transport, gate PermissionGate, logger *logrus.Logger, opts *Options) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	if opts == nil {
		opts = DefaultOptions()
	}

	return &Manager{
		transport: transport,
		gate:      gate,
		registry:  registry.New(logger),
		logger:    logger,
		opts:      *opts,
		events:    newRingChannel[event](opts.EventBuffer),
		state:     StateIdle,
		readings:  NewLog(opts.ReadingsCapacity),
	}
}

// Run consumes the event stream until ctx is cancelled. It must be
// running for any command to take effect.
func (m *Manager) Run(ctx context.Context) {
	m.logger.Debug("Session event loop started")
	defer m.logger.Debug("Session event loop stopped")

	for {
		select {
		case <-ctx.Done():
			m.teardown()
			return
		case ev := <-m.events.C():
			m.handle(ctx, ev)
		}
	}
}

// ----------------------------
// Commands (presentation boundary)
// ----------------------------

// StartScan requests a new scan. Rejected without side effects unless
// the session is idle.
func (m *Manager) StartScan() error {
	if m.State() != StateIdle {
		return ErrScanUnavailable
	}
	m.events.ForceSend(event{kind: cmdScan})
	return nil
}

// ConnectTo requests a connection to the peripheral. Valid while idle
// (selecting from the last scan's results) or scanning (the scan is
// cancelled first).
func (m *Manager) ConnectTo(peripheralID string) error {
	if peripheralID == "" {
		return errors.New("peripheral id is required")
	}
	switch m.State() {
	case StateIdle, StateScanning:
	default:
		return ErrConnectUnavailable
	}
	m.events.ForceSend(event{kind: cmdConnect, id: peripheralID})
	return nil
}

// Disconnect requests a user-initiated disconnect of the active
// subscription. User disconnects clear the session data and never
// trigger the auto-reconnect path.
func (m *Manager) Disconnect() error {
	if m.State() != StateSubscribed {
		return ErrNotSubscribed
	}
	m.events.ForceSend(event{kind: cmdDisconnect})
	return nil
}

// DismissError clears the visible last error.
func (m *Manager) DismissError() {
	m.events.ForceSend(event{kind: cmdDismissError})
}

// ----------------------------
// Observable state
// ----------------------------

// State returns the current session state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Devices returns the discovered peripherals from the current registry
// state.
func (m *Manager) Devices() []registry.Peripheral {
	return m.registry.List()
}

// Snapshot returns a copy of the observable session state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := Snapshot{
		State:    m.state,
		Readings: m.readings.Snapshot(),
		Devices:  m.registry.List(),
	}
	if m.peripheral != nil {
		p := *m.peripheral
		snap.Peripheral = &p
	}
	if m.heartRate != nil {
		hr := *m.heartRate
		snap.HeartRate = &hr
	}
	if m.contact != nil {
		c := *m.contact
		snap.SensorContact = &c
	}
	if m.battery != nil {
		b := *m.battery
		snap.BatteryLevel = &b
	}
	if m.lastErr != nil {
		f := *m.lastErr
		snap.LastError = &f
	}
	return snap
}

// EventMetrics exposes the inbound ring counters for diagnostics.
func (m *Manager) EventMetrics() RingMetrics {
	return m.events.Metrics()
}

// ----------------------------
// Event loop
// ----------------------------

func (m *Manager) handle(ctx context.Context, ev event) {
	switch ev.kind {
	case cmdScan:
		m.handleScanCommand(ctx)
	case cmdConnect:
		m.handleConnectCommand(ctx, ev.id)
	case cmdDisconnect:
		m.handleDisconnectCommand()
	case cmdDismissError:
		m.setFailure(nil)
	case evScanResult:
		if m.state == StateScanning && ev.scanGen == m.scanGen {
			m.registry.Observe(ev.peripheral)
		}
	case evScanTimeout:
		if m.state == StateScanning && ev.scanGen == m.scanGen {
			m.logger.WithField("window", m.opts.ScanWindow).Info("Scan window elapsed")
			m.stopScan()
			m.setState(StateIdle)
		}
	case evScanEnded:
		m.handleScanEnded(ev)
	case evNotification:
		m.handleNotification(ev)
	case evLinkLost:
		m.handleLinkLost(ctx, ev)
	}
}

func (m *Manager) handleScanCommand(ctx context.Context) {
	// Re-validate on the loop: the synchronous precheck in StartScan can
	// race a transition that happened after it.
	if m.state != StateIdle {
		m.logger.WithField("state", m.state.String()).Warn("Ignoring scan request outside idle state")
		return
	}

	if err := m.gate.Check(); err != nil {
		m.logger.WithError(err).Warn("Scan permission denied")
		m.setFailure(failure(PermissionDenied, err))
		return
	}

	m.registry.Reset()
	m.scanGen++
	gen := m.scanGen

	scanCtx, cancel := context.WithCancel(ctx)
	m.scanCancel = cancel
	m.scanTimer = time.AfterFunc(m.opts.ScanWindow, func() {
		m.events.ForceSend(event{kind: evScanTimeout, scanGen: gen})
	})

	m.setState(StateScanning)
	m.logger.WithField("window", m.opts.ScanWindow).Info("Starting BLE scan")

	go func() {
		err := m.transport.Scan(scanCtx, func(p registry.Peripheral) {
			m.events.ForceSend(event{kind: evScanResult, scanGen: gen, peripheral: p})
		})
		m.events.ForceSend(event{kind: evScanEnded, scanGen: gen, err: err})
	}()
}

func (m *Manager) handleScanEnded(ev event) {
	if ev.scanGen != m.scanGen || m.state != StateScanning {
		return
	}
	if ev.err != nil && !errors.Is(ev.err, context.Canceled) && !errors.Is(ev.err, context.DeadlineExceeded) {
		m.logger.WithError(ev.err).Error("Scan failed")
		m.stopScan()
		m.setState(StateIdle)
		m.setFailure(failure(ScanFailure, ev.err))
	}
	// A clean early return keeps the session scanning until the window
	// elapses; results already delivered stay in the registry.
}

func (m *Manager) handleConnectCommand(ctx context.Context, id string) {
	switch m.state {
	case StateScanning:
		// Connecting while scanning is disallowed by the transport; the
		// radio scan is stopped before dialing.
		m.stopScan()
	case StateIdle:
	default:
		m.logger.WithFields(logrus.Fields{
			"state": m.state.String(),
			"id":    id,
		}).Warn("Ignoring connect request in current state")
		return
	}

	p, ok := m.registry.Get(id)
	if !ok {
		// Direct connect by identifier, e.g. an address passed on the
		// command line without a preceding scan.
		p = registry.Peripheral{ID: id}
	}
	m.connect(ctx, p)
}

// connect runs the full connect chain inline on the event loop:
// dial, discover, subscribe, best-effort battery read. Any failure
// lands the session back in idle with lastError set; there is no
// automatic retry here.
func (m *Manager) connect(ctx context.Context, p registry.Peripheral) {
	m.connGen++
	gen := m.connGen

	m.setPeripheral(&p)
	m.setState(StateConnecting)
	m.logger.WithFields(logrus.Fields{
		"id":   p.ID,
		"name": p.Name,
	}).Info("Connecting to peripheral")

	opCtx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()

	conn, err := m.transport.Connect(opCtx, p.ID)
	if err != nil {
		m.logger.WithError(err).Error("Connect failed")
		m.failToIdle(failure(ConnectFailure, err))
		return
	}

	m.setState(StateDiscovering)
	if err := conn.DiscoverServices(opCtx); err != nil {
		m.logger.WithError(err).Error("Service discovery failed")
		_ = conn.Close()
		m.failToIdle(failure(DiscoveryFailure, err))
		return
	}

	err = conn.Subscribe(gatt.HeartRateService, gatt.HeartRateMeasurementChar, func(data []byte) {
		// The transport owns the slice only for the duration of the
		// callback; copy before crossing into the event stream.
		buf := append([]byte(nil), data...)
		m.events.ForceSend(event{kind: evNotification, connGen: gen, data: buf})
	})
	if err != nil {
		m.logger.WithError(err).Error("Heart rate subscription failed")
		_ = conn.Close()
		m.failToIdle(failure(DiscoveryFailure, err))
		return
	}

	// Battery service is optional per device; a failed read is not a
	// connection failure.
	if data, err := conn.Read(opCtx, gatt.BatteryService, gatt.BatteryLevelChar); err != nil {
		m.logger.WithError(err).Debug("Battery level read failed")
	} else if level, err := gatt.DecodeBatteryLevel(data); err != nil {
		m.logger.WithError(err).Debug("Battery level undecodable")
	} else {
		m.setBattery(&level)
	}

	m.conn = conn
	m.setState(StateSubscribed)
	m.logger.WithField("id", p.ID).Info("Subscribed to heart rate notifications")

	go m.watchLink(ctx, conn, gen)
}

// watchLink posts a link-loss event when the transport reports the
// connection gone. A user disconnect bumps connGen first, so the event
// arrives stale and is dropped.
func (m *Manager) watchLink(ctx context.Context, conn Conn, gen uint64) {
	select {
	case <-conn.Disconnected():
		m.events.ForceSend(event{kind: evLinkLost, connGen: gen})
	case <-ctx.Done():
	}
}

func (m *Manager) handleNotification(ev event) {
	if ev.connGen != m.connGen || m.state != StateSubscribed {
		return
	}

	meas, err := gatt.DecodeHeartRate(ev.data)
	if err != nil {
		// Per-frame failure: log and keep the stream alive. Never
		// surfaced to the user and never a state transition.
		m.logger.WithError(err).Warn("Dropping undecodable notification frame")
		return
	}

	m.mu.Lock()
	bpm := meas.BPM
	m.heartRate = &bpm
	if meas.SensorContactSupported {
		detected := meas.SensorContactDetected
		m.contact = &detected
	} else {
		m.contact = nil
	}
	m.readings.Push(Reading{At: time.Now(), BPM: bpm})
	m.mu.Unlock()
}

func (m *Manager) handleLinkLost(ctx context.Context, ev event) {
	if ev.connGen != m.connGen || m.state != StateSubscribed {
		return
	}

	m.logger.Warn("Connection lost unexpectedly; attempting reconnect")
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}

	m.mu.RLock()
	p := m.peripheral
	m.mu.RUnlock()
	if p == nil {
		m.setState(StateIdle)
		return
	}

	// Exactly one reconnect attempt per unsolicited disconnect. A
	// failure inside connect lands in idle with lastError set and no
	// further attempts; a later successful session that drops again gets
	// its own single attempt.
	m.setState(StateReconnecting)
	m.connect(ctx, *p)
}

func (m *Manager) handleDisconnectCommand() {
	if m.state != StateSubscribed {
		m.logger.WithField("state", m.state.String()).Warn("Ignoring disconnect request without active subscription")
		return
	}

	m.setState(StateDisconnecting)

	// Invalidate the link watcher before closing: the transport will
	// fire its disconnected signal for this handle, and it must not be
	// mistaken for an unsolicited drop.
	m.connGen++
	conn := m.conn
	m.conn = nil

	if err := conn.Close(); err != nil {
		m.logger.WithError(err).Warn("Disconnect reported an error")
		m.setFailure(failure(DisconnectFailure, err))
	} else {
		m.logger.Info("Disconnected")
	}

	m.clearSessionData()
	m.setState(StateIdle)
}

// ----------------------------
// Loop-internal helpers
// ----------------------------

func (m *Manager) stopScan() {
	if m.scanTimer != nil {
		m.scanTimer.Stop()
		m.scanTimer = nil
	}
	if m.scanCancel != nil {
		m.scanCancel()
		m.scanCancel = nil
	}
	if err := m.transport.StopScan(); err != nil {
		m.logger.WithError(err).Debug("StopScan reported an error")
	}
}

// failToIdle records the failure and resets the connection-scoped
// fields. The readings log is preserved; only a user disconnect clears
// it.
func (m *Manager) failToIdle(f *Failure) {
	m.mu.Lock()
	m.peripheral = nil
	m.heartRate = nil
	m.contact = nil
	m.battery = nil
	m.lastErr = f
	m.mu.Unlock()
	m.setState(StateIdle)
}

func (m *Manager) clearSessionData() {
	m.mu.Lock()
	m.peripheral = nil
	m.heartRate = nil
	m.contact = nil
	m.battery = nil
	m.readings.Clear()
	m.mu.Unlock()
}

func (m *Manager) teardown() {
	m.stopScan()
	m.connGen++
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	m.mu.Unlock()

	if prev != s {
		m.logger.WithFields(logrus.Fields{
			"from": prev.String(),
			"to":   s.String(),
		}).Debug("Session state changed")
	}
}

// setFailure records f as the visible error (nil clears). Single slot,
// most-recent-wins: a new failure overwrites an undismissed one.
func (m *Manager) setFailure(f *Failure) {
	m.mu.Lock()
	m.lastErr = f
	m.mu.Unlock()
}

func (m *Manager) setPeripheral(p *registry.Peripheral) {
	m.mu.Lock()
	m.peripheral = p
	m.mu.Unlock()
}

func (m *Manager) setBattery(level *uint8) {
	m.mu.Lock()
	m.battery = level
	m.mu.Unlock()
}
