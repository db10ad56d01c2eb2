package signalling

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

type (
	// MultiReceiver multiplexes framed signal reception over several TCP
	// streams from a single goroutine, using poll(2) readiness
	// notification. The primary agent runs one of these over all ready
	// streams, forwarding decoded signals into the scheduler's channel.
	MultiReceiver struct {
		agents  []AgentID
		files   []*os.File
		pollfds []unix.PollFd
		// next is the index to resume scanning revents at, so a chatty
		// peer cannot starve the others.
		next int
	}

	// AgentStream couples an agent ID with its inbound stream, in
	// registration order.
	AgentStream struct {
		Agent AgentID
		Conn  *net.TCPConn
	}
)

// NewMultiReceiver takes ownership of the given streams. The original
// connections are duplicated onto blocking descriptors and closed.
func NewMultiReceiver(streams []AgentStream) (*MultiReceiver, error) {
	x := MultiReceiver{
		agents:  make([]AgentID, 0, len(streams)),
		files:   make([]*os.File, 0, len(streams)),
		pollfds: make([]unix.PollFd, 0, len(streams)),
	}
	for _, s := range streams {
		f, err := s.Conn.File()
		if err != nil {
			_ = x.Close()
			return nil, fmt.Errorf(`signalling: failed to obtain descriptor for agent %s: %w`, s.Agent, err)
		}
		_ = s.Conn.Close()
		x.agents = append(x.agents, s.Agent)
		x.files = append(x.files, f)
		x.pollfds = append(x.pollfds, unix.PollFd{Fd: int32(f.Fd()), Events: unix.POLLIN})
	}
	return &x, nil
}

// Recv blocks until any stream has a complete frame available, then
// decodes and returns it together with the sending agent's ID. An EOF
// on any stream is a peer disconnect and is returned as an error.
func (x *MultiReceiver) Recv() (AgentID, Signal, error) {
	for {
		for range x.pollfds {
			i := x.next % len(x.pollfds)
			x.next++
			if x.pollfds[i].Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) == 0 {
				continue
			}
			x.pollfds[i].Revents = 0
			signal, err := ReadSignal(x.files[i])
			if err != nil {
				return x.agents[i], Signal{}, fmt.Errorf(`signalling: receive from agent %s failed: %w`, x.agents[i], err)
			}
			return x.agents[i], signal, nil
		}
		if _, err := unix.Poll(x.pollfds, -1); err != nil && err != unix.EINTR {
			return 0, Signal{}, fmt.Errorf(`signalling: poll failed: %w`, err)
		}
	}
}

// Close releases all descriptors.
func (x *MultiReceiver) Close() error {
	var err error
	for _, f := range x.files {
		if e := f.Close(); e != nil && err == nil {
			err = e
		}
	}
	return err
}
