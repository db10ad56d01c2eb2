package agent

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/qorix-group/inc-feo/activity"
	"github.com/qorix-group/inc-feo/signalling"
	"github.com/qorix-group/inc-feo/timebase"
	"github.com/qorix-group/inc-feo/workerpool"
)

// freeAddr reserves a loopback address for a test listener.
func freeAddr(t *testing.T) string {
	t.Helper()
	listener, err := net.Listen(`tcp`, `127.0.0.1:0`)
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())
	return addr
}

func testConnector(addr string, secondaries, recorders []signalling.AgentID) *connector {
	readySender, readyReceiver := signalling.Channel(64)
	recordersReady := make(map[signalling.AgentID]bool, len(recorders))
	for _, id := range recorders {
		recordersReady[id] = false
	}
	return &connector{
		localID:        100,
		bind:           addr,
		secondaries:    secondaries,
		recorders:      recorders,
		recordersReady: recordersReady,
		readySender:    readySender,
		readyReceiver:  readyReceiver,
	}
}

func TestConnector_gathersLateSecondary(t *testing.T) {
	initTimebase(t)
	addr := freeAddr(t)
	conn := testConnector(addr, []signalling.AgentID{101}, nil)

	type result struct {
		trigger, ready *net.TCPConn
		err            error
	}
	dialed := make(chan result, 1)
	go func() {
		// The secondary shows up late; the primary must keep waiting.
		time.Sleep(150 * time.Millisecond)
		trigger, ready, err := ConnectToPrimary(101, addr)
		dialed <- result{trigger, ready, err}
	}()

	start := time.Now()
	require.NoError(t, conn.connectRemotes())
	require.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	peer := <-dialed
	require.NoError(t, peer.err)
	defer peer.trigger.Close()
	defer peer.ready.Close()

	// Time sync reaches the secondary on its trigger stream.
	require.NoError(t, conn.syncRemotes())
	signal, err := signalling.NewStreamReceiver(peer.trigger).Recv()
	require.NoError(t, err)
	require.Equal(t, signalling.KindStartupSync, signal.Kind())
	info, ok := signal.SyncInfo()
	require.True(t, ok)
	require.Equal(t, timebase.Sync().Nanos(), info.Nanos())

	// Signals sent on the secondary's ready stream surface on the
	// scheduler's channel via the relay.
	require.NoError(t, signalling.NewStreamSender(peer.ready).Send(signalling.Ready(7, timebase.Now())))
	got, err := conn.readyReceiver.Recv()
	require.NoError(t, err)
	require.Equal(t, signalling.KindReady, got.Kind())
	id, _ := got.ActivityID()
	require.EqualValues(t, 7, id)
}

func TestConnector_dropsUnexpectedHellos(t *testing.T) {
	initTimebase(t)
	addr := freeAddr(t)
	conn := testConnector(addr, []signalling.AgentID{101}, nil)

	done := make(chan error, 1)
	go func() { done <- conn.connectRemotes() }()

	// An impostor with an unexpected ID; both its streams are dropped.
	impostorTrigger, impostorReady, err := ConnectToPrimary(999, addr)
	require.NoError(t, err)
	defer impostorTrigger.Close()
	defer impostorReady.Close()

	// A stream opening with a non-hello signal is dropped too.
	garbage, err := net.Dial(`tcp`, addr)
	require.NoError(t, err)
	defer garbage.Close()
	require.NoError(t, signalling.NewStreamSender(garbage).Send(signalling.Ready(1, 0)))

	// The expected secondary completes the set.
	trigger, ready, err := ConnectToPrimary(101, addr)
	require.NoError(t, err)
	defer trigger.Close()
	defer ready.Close()

	require.NoError(t, <-done)

	// The impostor's streams were closed by the primary.
	_ = impostorTrigger.SetReadDeadline(time.Now().Add(2 * time.Second))
	var buf [1]byte
	_, err = impostorTrigger.Read(buf[:])
	require.Error(t, err)
}

func TestConnector_noRemotes(t *testing.T) {
	initTimebase(t)
	conn := testConnector(freeAddr(t), nil, nil)
	require.NoError(t, conn.connectRemotes())
	require.NoError(t, conn.syncRemotes())
}

func TestConnector_bindFailure(t *testing.T) {
	listener, err := net.Listen(`tcp`, `127.0.0.1:0`)
	require.NoError(t, err)
	defer listener.Close()

	conn := testConnector(listener.Addr().String(), nil, nil)
	require.Error(t, conn.connectRemotes())
}

func TestSecondary_relayAndReady(t *testing.T) {
	initTimebase(t)
	addr := freeAddr(t)

	listener, err := net.Listen(`tcp`, addr)
	require.NoError(t, err)
	defer listener.Close()

	var log callLog
	readySender, readyReceiver := signalling.Channel(16)
	pool := workerpool.New([]workerpool.Assignment{
		{Worker: 42, Activities: []activity.IDAndBuilder{{ID: 2, Builder: logged(&log, 0)}}},
	}, readySender)

	secondary := NewSecondary(SecondaryConfig{
		ID:            101,
		Primary:       addr,
		Pool:          pool,
		ReadyReceiver: readyReceiver,
	})
	// The process-wide time base is shared with the rest of the test
	// binary; capture instead of re-initializing.
	syncedCh := make(chan timebase.SyncInfo, 1)
	secondary.initializeFrom = func(info timebase.SyncInfo) { syncedCh <- info }

	go func() { _ = secondary.Run() }()

	// Fake primary: accept the two handshake streams.
	acceptHello := func() (*net.TCPConn, signalling.Signal) {
		conn, err := listener.Accept()
		require.NoError(t, err)
		signal, err := signalling.NewStreamReceiver(conn).Recv()
		require.NoError(t, err)
		return conn.(*net.TCPConn), signal
	}
	trigger, hello := acceptHello()
	require.Equal(t, signalling.KindHelloTrigger, hello.Kind())
	ready, hello := acceptHello()
	require.Equal(t, signalling.KindHelloReady, hello.Kind())
	defer trigger.Close()
	defer ready.Close()

	// Time sync, then a full startup+step round trip.
	triggerSender := signalling.NewStreamSender(trigger)
	require.NoError(t, triggerSender.Send(signalling.StartupSync(timebase.Sync())))
	require.NoError(t, triggerSender.Send(signalling.Startup(2, timebase.Now())))

	readyReceiverStream := signalling.NewStreamReceiver(ready)
	signal, err := readyReceiverStream.Recv()
	require.NoError(t, err)
	require.Equal(t, signalling.KindReady, signal.Kind())
	id, _ := signal.ActivityID()
	require.EqualValues(t, 2, id)

	require.NoError(t, triggerSender.Send(signalling.Step(2, timebase.Now())))
	signal, err = readyReceiverStream.Recv()
	require.NoError(t, err)
	require.Equal(t, signalling.KindReady, signal.Kind())

	require.Equal(t, []string{`T2:startup`, `T2:step`}, log.snapshot())
	require.Equal(t, timebase.Sync(), <-syncedCh)
}

func TestNewSecondary_configurationErrorsPanic(t *testing.T) {
	readySender, readyReceiver := signalling.Channel(1)
	var log callLog
	pool := workerpool.New([]workerpool.Assignment{
		{Worker: 40, Activities: []activity.IDAndBuilder{{ID: 0, Builder: logged(&log, 0)}}},
	}, readySender)

	require.Panics(t, func() {
		NewSecondary(SecondaryConfig{Pool: pool, ReadyReceiver: readyReceiver})
	})
	require.Panics(t, func() {
		NewSecondary(SecondaryConfig{ID: 101, Primary: `127.0.0.1:1`, ReadyReceiver: readyReceiver})
	})
	require.Panics(t, func() {
		NewSecondary(SecondaryConfig{ID: 101, Primary: `127.0.0.1:1`, Pool: pool})
	})
}
