package signalling

import (
	"fmt"
	"io"
	"net"
)

type (
	// StreamSender writes framed signals to a single stream. The stream
	// is exclusively owned by the sender; no concurrent writers.
	StreamSender struct {
		w io.Writer
	}

	// StreamReceiver reads framed signals from a single stream,
	// blocking until each frame is complete.
	StreamReceiver struct {
		r io.Reader
	}

	// MultiSender routes framed signals to one of several streams keyed
	// by agent ID. Used by the primary to address secondaries and
	// recorders on their trigger streams.
	MultiSender struct {
		streams map[AgentID]io.Writer
	}
)

// NewStreamSender wraps the given stream. If the stream is a TCP
// connection, Nagle's algorithm is disabled; the frames are tiny and
// latency-critical.
func NewStreamSender(conn io.Writer) *StreamSender {
	setNoDelay(conn)
	return &StreamSender{w: conn}
}

// Send implements Sender.
func (x *StreamSender) Send(s Signal) error {
	return WriteSignal(x.w, s)
}

// NewStreamReceiver wraps the given stream.
func NewStreamReceiver(conn io.Reader) *StreamReceiver {
	return &StreamReceiver{r: conn}
}

// Recv implements Receiver. It blocks until a complete frame has been
// read; EOF indicates peer disconnect and is returned as-is.
func (x *StreamReceiver) Recv() (Signal, error) {
	return ReadSignal(x.r)
}

// NewMultiSender builds a sender over the given per-agent streams,
// disabling Nagle's algorithm on each.
func NewMultiSender(streams map[AgentID]io.Writer) *MultiSender {
	m := make(map[AgentID]io.Writer, len(streams))
	for id, conn := range streams {
		setNoDelay(conn)
		m[id] = conn
	}
	return &MultiSender{streams: m}
}

// SendTo writes the signal to the stream registered for the given
// agent.
func (x *MultiSender) SendTo(id AgentID, s Signal) error {
	w, ok := x.streams[id]
	if !ok {
		return fmt.Errorf(`signalling: no stream for agent %s`, id)
	}
	return WriteSignal(w, s)
}

// Remove drops the stream registered for the given agent, if any.
// Subsequent SendTo calls for that agent fail.
func (x *MultiSender) Remove(id AgentID) {
	delete(x.streams, id)
}

func setNoDelay(conn any) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
}
