package signalling

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/qorix-group/inc-feo/timebase"
)

// dialPair returns both ends of a loopback TCP connection.
func dialPair(t *testing.T) (client net.Conn, server *net.TCPConn) {
	t.Helper()
	listener, err := net.Listen(`tcp`, `127.0.0.1:0`)
	require.NoError(t, err)
	defer listener.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	client, err = net.Dial(`tcp`, listener.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	conn := <-accepted
	t.Cleanup(func() { conn.Close() })
	return client, conn.(*net.TCPConn)
}

func TestMultiReceiver_multiplexes(t *testing.T) {
	clientA, serverA := dialPair(t)
	clientB, serverB := dialPair(t)

	receiver, err := NewMultiReceiver([]AgentStream{
		{Agent: 101, Conn: serverA},
		{Agent: 102, Conn: serverB},
	})
	require.NoError(t, err)
	defer receiver.Close()

	require.NoError(t, NewStreamSender(clientA).Send(Ready(1, timebase.TimestampFromNanos(10))))
	require.NoError(t, NewStreamSender(clientB).Send(Ready(2, timebase.TimestampFromNanos(20))))

	got := map[AgentID]Signal{}
	for i := 0; i < 2; i++ {
		agent, signal, err := receiver.Recv()
		require.NoError(t, err)
		got[agent] = signal
	}
	require.Equal(t, Ready(1, timebase.TimestampFromNanos(10)), got[101])
	require.Equal(t, Ready(2, timebase.TimestampFromNanos(20)), got[102])
}

func TestMultiReceiver_peerDisconnect(t *testing.T) {
	client, server := dialPair(t)

	receiver, err := NewMultiReceiver([]AgentStream{{Agent: 101, Conn: server}})
	require.NoError(t, err)
	defer receiver.Close()

	require.NoError(t, client.Close())

	_, _, err = receiver.Recv()
	require.Error(t, err)
}

func TestMultiReceiver_backToBackFrames(t *testing.T) {
	client, server := dialPair(t)

	receiver, err := NewMultiReceiver([]AgentStream{{Agent: 101, Conn: server}})
	require.NoError(t, err)
	defer receiver.Close()

	sender := NewStreamSender(client)
	const n = 8
	for i := 0; i < n; i++ {
		require.NoError(t, sender.Send(Ready(3, timebase.TimestampFromNanos(uint64(i)))))
	}
	for i := 0; i < n; i++ {
		_, signal, err := receiver.Recv()
		require.NoError(t, err)
		ts, _ := signal.Timestamp()
		require.EqualValues(t, i, ts.Nanos())
	}
}
