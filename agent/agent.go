// Package agent implements the FEO control plane: the primary agent,
// which runs the deterministic task-chain scheduler, and the secondary
// agent, which relays triggers from the primary into its local worker
// pool and readies back.
//
// One process per deployment is the primary; it binds a TCP listener,
// collects a pair of streams (trigger and ready) from every expected
// secondary and recorder, distributes the time base, and then drives
// the dependency graph cycle by cycle. All control flow uses the
// signalling vocabulary, whether it crosses a socket or stays within
// the process.
package agent

import (
	"fmt"
	"net"
	"time"

	"github.com/qorix-group/inc-feo/signalling"
)

// ConnectToPrimary dials the primary agent twice, sending the trigger
// handshake on the first connection and the ready handshake on the
// second. The first dial is retried indefinitely with a fixed backoff,
// covering the case where the primary has not been started yet.
//
// Used by secondary agents and recorders.
func ConnectToPrimary(id signalling.AgentID, addr string) (trigger, ready *net.TCPConn, err error) {
	for {
		conn, err := net.Dial(`tcp`, addr)
		if err == nil {
			trigger = conn.(*net.TCPConn)
			break
		}
		time.Sleep(dialRetryInterval)
	}
	_ = trigger.SetNoDelay(true)
	if err := signalling.NewStreamSender(trigger).Send(signalling.HelloTrigger(id)); err != nil {
		_ = trigger.Close()
		return nil, nil, fmt.Errorf(`agent: failed to send hello on trigger stream: %w`, err)
	}

	conn, err := net.Dial(`tcp`, addr)
	if err != nil {
		_ = trigger.Close()
		return nil, nil, fmt.Errorf(`agent: failed to connect ready stream to primary at %s: %w`, addr, err)
	}
	ready = conn.(*net.TCPConn)
	_ = ready.SetNoDelay(true)
	if err := signalling.NewStreamSender(ready).Send(signalling.HelloReady(id)); err != nil {
		_ = trigger.Close()
		_ = ready.Close()
		return nil, nil, fmt.Errorf(`agent: failed to send hello on ready stream: %w`, err)
	}

	return trigger, ready, nil
}

// dialRetryInterval paces the secondary's initial dial loop.
const dialRetryInterval = 100 * time.Millisecond
