package session_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/srg/hrmon/internal/registry"
	"github.com/srg/hrmon/internal/session"
	"github.com/srg/hrmon/internal/testutils"
	"github.com/stretchr/testify/require"
	suitelib "github.com/stretchr/testify/suite"
)

const (
	eventuallyTimeout = 2 * time.Second
	eventuallyTick    = 5 * time.Millisecond
)

var allowAll = session.GateFunc(func() error { return nil })

type SessionTestSuite struct {
	suitelib.Suite

	helper *testutils.TestHelper
	cancel context.CancelFunc
	done   chan struct{}
}

func (suite *SessionTestSuite) SetupTest() {
	suite.helper = testutils.NewTestHelper(suite.T())
}

func (suite *SessionTestSuite) TearDownTest() {
	if suite.cancel != nil {
		suite.cancel()
		<-suite.done
		suite.cancel = nil
	}
}

// startManager creates a manager with short timings and runs its event
// loop until test teardown.
func (suite *SessionTestSuite) startManager(transport session.Transport, gate session.PermissionGate) *session.Manager {
	opts := &session.Options{
		ScanWindow:       100 * time.Millisecond,
		ConnectTimeout:   time.Second,
		ReadingsCapacity: 10,
		EventBuffer:      128,
	}
	mgr := session.NewManager(transport, gate, suite.helper.Logger, opts)

	ctx, cancel := context.WithCancel(context.Background())
	suite.cancel = cancel
	suite.done = make(chan struct{})
	go func() {
		defer close(suite.done)
		mgr.Run(ctx)
	}()
	return mgr
}

func (suite *SessionTestSuite) eventuallyState(mgr *session.Manager, want session.State) {
	suite.T().Helper()
	require.Eventually(suite.T(), func() bool {
		return mgr.State() == want
	}, eventuallyTimeout, eventuallyTick, "expected state %s, still %s", want, mgr.State())
}

func (suite *SessionTestSuite) eventuallyFailure(mgr *session.Manager, sentinel *session.Failure) {
	suite.T().Helper()
	require.Eventually(suite.T(), func() bool {
		snap := mgr.Snapshot()
		return snap.LastError != nil && errors.Is(snap.LastError, sentinel)
	}, eventuallyTimeout, eventuallyTick)
}

// subscribe drives the manager into the subscribed state against conn.
func (suite *SessionTestSuite) subscribe(mgr *session.Manager, conn *testutils.FakeConn) {
	suite.T().Helper()
	require.NoError(suite.T(), mgr.ConnectTo("aa:bb"))
	suite.eventuallyState(mgr, session.StateSubscribed)
	require.Eventually(suite.T(), conn.Subscribed, eventuallyTimeout, eventuallyTick)
}

func (suite *SessionTestSuite) TestScanPermissionDenied() {
	transport := testutils.NewFakeTransport()
	gate := session.GateFunc(func() error { return errors.New("bluetooth is turned off") })
	mgr := suite.startManager(transport, gate)

	suite.NoError(mgr.StartScan())

	suite.eventuallyFailure(mgr, session.ErrPermissionDenied)
	suite.Equal(session.StateIdle, mgr.State())
	suite.Empty(mgr.Devices())
}

func (suite *SessionTestSuite) TestScanDiscoversAndTimesOut() {
	transport := testutils.NewFakeTransport().WithAdvertisements(
		registry.Peripheral{ID: "aa:bb", Name: "Polar H10", RSSI: -50},
		registry.Peripheral{ID: "cc:dd", Name: "Wahoo TICKR", RSSI: -70},
		registry.Peripheral{ID: "ee:ff", RSSI: -90}, // unnamed, filtered
	)
	mgr := suite.startManager(transport, allowAll)

	suite.NoError(mgr.StartScan())

	require.Eventually(suite.T(), func() bool {
		return len(mgr.Devices()) == 2
	}, eventuallyTimeout, eventuallyTick)

	// The scan window elapses and the session returns to idle; results
	// stay visible for selection.
	suite.eventuallyState(mgr, session.StateIdle)
	devices := mgr.Devices()
	suite.Require().Len(devices, 2)
	suite.Equal("Polar H10", devices[0].Name)
	suite.Equal("Wahoo TICKR", devices[1].Name)
	suite.Nil(mgr.Snapshot().LastError)
}

func (suite *SessionTestSuite) TestScanTransportFailure() {
	transport := testutils.NewFakeTransport().WithScanError(errors.New("radio unavailable"))
	mgr := suite.startManager(transport, allowAll)

	suite.NoError(mgr.StartScan())

	suite.eventuallyFailure(mgr, session.ErrScanFailed)
	suite.Equal(session.StateIdle, mgr.State())
}

func (suite *SessionTestSuite) TestRescanResetsRegistry() {
	transport := testutils.NewFakeTransport().WithAdvertisements(
		registry.Peripheral{ID: "aa:bb", Name: "Polar H10"},
	)
	mgr := suite.startManager(transport, allowAll)

	suite.NoError(mgr.StartScan())
	suite.eventuallyState(mgr, session.StateScanning)
	suite.eventuallyState(mgr, session.StateIdle)
	suite.Require().Len(mgr.Devices(), 1)

	// The second scan starts from an empty registry and repopulates it.
	suite.NoError(mgr.StartScan())
	suite.eventuallyState(mgr, session.StateScanning)
	suite.eventuallyState(mgr, session.StateIdle)
	suite.Len(mgr.Devices(), 1)
}

func (suite *SessionTestSuite) TestConnectHappyPath() {
	conn := testutils.NewFakeConn().WithBattery([]byte{87})
	transport := testutils.NewFakeTransport().WithConnect(conn)
	mgr := suite.startManager(transport, allowAll)

	suite.subscribe(mgr, conn)

	snap := mgr.Snapshot()
	suite.Require().NotNil(snap.Peripheral)
	suite.Equal("aa:bb", snap.Peripheral.ID)
	suite.Require().NotNil(snap.BatteryLevel)
	suite.Equal(uint8(87), *snap.BatteryLevel)
	suite.Nil(snap.LastError)
	suite.Equal(1, conn.ReadCalls())
}

func (suite *SessionTestSuite) TestConnectWhileScanningStopsScan() {
	conn := testutils.NewFakeConn()
	transport := testutils.NewFakeTransport().
		WithAdvertisements(registry.Peripheral{ID: "aa:bb", Name: "Polar H10"}).
		WithConnect(conn)
	mgr := suite.startManager(transport, allowAll)

	suite.NoError(mgr.StartScan())
	require.Eventually(suite.T(), func() bool {
		return len(mgr.Devices()) == 1
	}, eventuallyTimeout, eventuallyTick)

	suite.NoError(mgr.ConnectTo("aa:bb"))

	suite.eventuallyState(mgr, session.StateSubscribed)
	suite.GreaterOrEqual(transport.StopScanCalls(), 1)

	// The peripheral was resolved from the registry, name included.
	snap := mgr.Snapshot()
	suite.Require().NotNil(snap.Peripheral)
	suite.Equal("Polar H10", snap.Peripheral.Name)
}

func (suite *SessionTestSuite) TestConnectFailure() {
	transport := testutils.NewFakeTransport().WithConnectError(errors.New("dial timed out"))
	mgr := suite.startManager(transport, allowAll)

	suite.NoError(mgr.ConnectTo("aa:bb"))

	suite.eventuallyFailure(mgr, session.ErrConnectFailed)
	snap := mgr.Snapshot()
	suite.Equal(session.StateIdle, snap.State)
	suite.Nil(snap.Peripheral)
	suite.Nil(snap.HeartRate)
}

func (suite *SessionTestSuite) TestDiscoveryFailureClosesConnection() {
	conn := testutils.NewFakeConn().WithDiscoverError(errors.New("gatt error"))
	transport := testutils.NewFakeTransport().WithConnect(conn)
	mgr := suite.startManager(transport, allowAll)

	suite.NoError(mgr.ConnectTo("aa:bb"))

	suite.eventuallyFailure(mgr, session.ErrDiscoveryFailed)
	suite.Equal(session.StateIdle, mgr.State())
	suite.True(conn.IsClosed())
}

func (suite *SessionTestSuite) TestSubscribeFailureClosesConnection() {
	conn := testutils.NewFakeConn().WithSubscribeError(errors.New("characteristic not found"))
	transport := testutils.NewFakeTransport().WithConnect(conn)
	mgr := suite.startManager(transport, allowAll)

	suite.NoError(mgr.ConnectTo("aa:bb"))

	suite.eventuallyFailure(mgr, session.ErrDiscoveryFailed)
	suite.True(conn.IsClosed())
}

func (suite *SessionTestSuite) TestBatteryReadFailureIsNotFatal() {
	conn := testutils.NewFakeConn().WithBatteryError(errors.New("battery service absent"))
	transport := testutils.NewFakeTransport().WithConnect(conn)
	mgr := suite.startManager(transport, allowAll)

	suite.subscribe(mgr, conn)

	snap := mgr.Snapshot()
	suite.Nil(snap.BatteryLevel)
	suite.Nil(snap.LastError)
}

func (suite *SessionTestSuite) TestNotificationsUpdateHeartRateAndLog() {
	conn := testutils.NewFakeConn()
	transport := testutils.NewFakeTransport().WithConnect(conn)
	mgr := suite.startManager(transport, allowAll)
	suite.subscribe(mgr, conn)

	conn.Notify([]byte{0x00, 72})
	conn.Notify([]byte{0x06, 75}) // contact supported and detected

	require.Eventually(suite.T(), func() bool {
		snap := mgr.Snapshot()
		return snap.HeartRate != nil && *snap.HeartRate == 75
	}, eventuallyTimeout, eventuallyTick)

	snap := mgr.Snapshot()
	suite.Require().Len(snap.Readings, 2)
	suite.Equal(uint16(75), snap.Readings[0].BPM) // most recent first
	suite.Equal(uint16(72), snap.Readings[1].BPM)
	suite.Require().NotNil(snap.SensorContact)
	suite.True(*snap.SensorContact)
}

func (suite *SessionTestSuite) TestUndecodableNotificationIsDropped() {
	conn := testutils.NewFakeConn()
	transport := testutils.NewFakeTransport().WithConnect(conn)
	mgr := suite.startManager(transport, allowAll)
	suite.subscribe(mgr, conn)

	conn.Notify([]byte{0x00, 72})
	require.Eventually(suite.T(), func() bool {
		return mgr.Snapshot().HeartRate != nil
	}, eventuallyTimeout, eventuallyTick)

	// A malformed frame is logged and skipped; the stream stays alive.
	conn.Notify([]byte{0x01, 72})
	conn.Notify([]byte{0x00, 80})

	require.Eventually(suite.T(), func() bool {
		snap := mgr.Snapshot()
		return snap.HeartRate != nil && *snap.HeartRate == 80
	}, eventuallyTimeout, eventuallyTick)

	snap := mgr.Snapshot()
	suite.Equal(session.StateSubscribed, snap.State)
	suite.Nil(snap.LastError)
	suite.Len(snap.Readings, 2)
}

func (suite *SessionTestSuite) TestUnsolicitedDisconnectReconnects() {
	conn1 := testutils.NewFakeConn()
	conn2 := testutils.NewFakeConn().WithBattery([]byte{60})
	transport := testutils.NewFakeTransport().WithConnect(conn1).WithConnect(conn2)
	mgr := suite.startManager(transport, allowAll)
	suite.subscribe(mgr, conn1)

	conn1.DropLink()

	suite.eventuallyState(mgr, session.StateSubscribed)
	require.Eventually(suite.T(), conn2.Subscribed, eventuallyTimeout, eventuallyTick)
	suite.Equal(2, transport.ConnectCalls())

	snap := mgr.Snapshot()
	suite.Require().NotNil(snap.BatteryLevel)
	suite.Equal(uint8(60), *snap.BatteryLevel)
}

func (suite *SessionTestSuite) TestReconnectFailureLandsInIdle() {
	conn := testutils.NewFakeConn()
	transport := testutils.NewFakeTransport().
		WithConnect(conn).
		WithConnectError(errors.New("device went away"))
	mgr := suite.startManager(transport, allowAll)
	suite.subscribe(mgr, conn)

	conn.DropLink()

	// Exactly one reconnect attempt, then idle with the failure visible.
	suite.eventuallyFailure(mgr, session.ErrConnectFailed)
	suite.Equal(session.StateIdle, mgr.State())
	suite.Equal(2, transport.ConnectCalls())

	// No retry loop kicks in afterwards.
	time.Sleep(50 * time.Millisecond)
	suite.Equal(2, transport.ConnectCalls())
	suite.Equal(session.StateIdle, mgr.State())
}

func (suite *SessionTestSuite) TestUserDisconnectClearsSession() {
	conn := testutils.NewFakeConn()
	transport := testutils.NewFakeTransport().WithConnect(conn)
	mgr := suite.startManager(transport, allowAll)
	suite.subscribe(mgr, conn)

	conn.Notify([]byte{0x00, 72})
	require.Eventually(suite.T(), func() bool {
		return mgr.Snapshot().HeartRate != nil
	}, eventuallyTimeout, eventuallyTick)

	suite.NoError(mgr.Disconnect())

	suite.eventuallyState(mgr, session.StateIdle)
	suite.True(conn.IsClosed())

	snap := mgr.Snapshot()
	suite.Nil(snap.Peripheral)
	suite.Nil(snap.HeartRate)
	suite.Nil(snap.BatteryLevel)
	suite.Empty(snap.Readings)
	suite.Nil(snap.LastError)

	// Closing the connection fires the transport's disconnected signal;
	// it must not be mistaken for an unsolicited drop and trigger a
	// reconnect.
	time.Sleep(50 * time.Millisecond)
	suite.Equal(1, transport.ConnectCalls())
	suite.Equal(session.StateIdle, mgr.State())
}

func (suite *SessionTestSuite) TestDisconnectErrorIsSurfaced() {
	conn := testutils.NewFakeConn().WithCloseError(errors.New("link already gone"))
	transport := testutils.NewFakeTransport().WithConnect(conn)
	mgr := suite.startManager(transport, allowAll)
	suite.subscribe(mgr, conn)

	suite.NoError(mgr.Disconnect())

	suite.eventuallyFailure(mgr, session.ErrDisconnectFailed)
	suite.Equal(session.StateIdle, mgr.State())
	suite.Empty(mgr.Snapshot().Readings)
}

func (suite *SessionTestSuite) TestCommandsRejectedOutsideValidStates() {
	conn := testutils.NewFakeConn()
	transport := testutils.NewFakeTransport().WithConnect(conn)
	mgr := suite.startManager(transport, allowAll)

	suite.ErrorIs(mgr.Disconnect(), session.ErrNotSubscribed)
	suite.Error(mgr.ConnectTo(""))

	suite.subscribe(mgr, conn)

	suite.ErrorIs(mgr.StartScan(), session.ErrScanUnavailable)
	suite.ErrorIs(mgr.ConnectTo("cc:dd"), session.ErrConnectUnavailable)

	// Rejected commands leave the session untouched.
	suite.Equal(session.StateSubscribed, mgr.State())
	suite.Equal(1, transport.ConnectCalls())
}

func (suite *SessionTestSuite) TestDismissError() {
	transport := testutils.NewFakeTransport().WithConnectError(errors.New("dial failed"))
	mgr := suite.startManager(transport, allowAll)

	suite.NoError(mgr.ConnectTo("aa:bb"))
	suite.eventuallyFailure(mgr, session.ErrConnectFailed)

	mgr.DismissError()

	require.Eventually(suite.T(), func() bool {
		return mgr.Snapshot().LastError == nil
	}, eventuallyTimeout, eventuallyTick)
}

func (suite *SessionTestSuite) TestNewFailureOverwritesUndismissed() {
	transport := testutils.NewFakeTransport().WithScanError(errors.New("radio unavailable"))
	gate := session.GateFunc(func() error { return nil })
	mgr := suite.startManager(transport, gate)

	suite.NoError(mgr.StartScan())
	suite.eventuallyFailure(mgr, session.ErrScanFailed)

	// A later failure replaces the visible one; single slot, most recent
	// wins.
	suite.NoError(mgr.ConnectTo("aa:bb"))
	suite.eventuallyFailure(mgr, session.ErrConnectFailed)
}

func TestSessionTestSuite(t *testing.T) {
	suitelib.Run(t, new(SessionTestSuite))
}
