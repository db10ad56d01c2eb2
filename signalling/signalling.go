// Package signalling defines the control vocabulary of the FEO runtime
// and its transports.
//
// A single Signal type is shared by every synchronization path in the
// system: the intra-process channel between a scheduler and its worker
// pool, and the framed TCP streams between the primary agent and its
// secondaries and recorders. The wire codec is a pure transform of the
// same vocabulary, not a second model.
package signalling

import (
	"strconv"

	"github.com/qorix-group/inc-feo/activity"
	"github.com/qorix-group/inc-feo/timebase"
)

type (
	// AgentID identifies an agent (an OS process) in the deployment.
	// Agent, worker and activity IDs are three disjoint namespaces.
	AgentID uint64

	// Kind discriminates the Signal union. The numeric values are the
	// wire tags.
	Kind uint8

	// Signal is the tagged union of control frames. Values are small and
	// copied freely; construct them with the package-level constructors.
	Signal struct {
		kind  Kind
		agent AgentID
		act   activity.ID
		ts    timebase.Timestamp
		sync  timebase.SyncInfo
	}

	// Sender transmits signals. Implementations are not safe for
	// concurrent use unless documented otherwise.
	Sender interface {
		Send(Signal) error
	}

	// Receiver produces signals, blocking until one is available.
	Receiver interface {
		Recv() (Signal, error)
	}
)

const (
	// KindHelloTrigger is sent by a secondary agent or recorder on the
	// connection that will carry trigger signals towards it.
	KindHelloTrigger Kind = iota

	// KindHelloReady is sent by a secondary agent or recorder on the
	// connection that will carry its ready signals back to the primary.
	KindHelloReady

	// KindStartupSync distributes the primary's startup instant.
	KindStartupSync

	// KindTaskChainStart marks the start of a task chain cycle, sent to
	// recorders only.
	KindTaskChainStart

	// KindTaskChainEnd marks the end of a task chain cycle, sent to
	// recorders only.
	KindTaskChainEnd

	// KindStartup triggers an activity's startup method.
	KindStartup

	// KindStep triggers an activity's step method.
	KindStep

	// KindShutdown triggers an activity's shutdown method. Defined in
	// the vocabulary, currently never issued by the scheduler.
	KindShutdown

	// KindReady acknowledges a previously triggered activity method.
	KindReady

	// KindRecorderReady acknowledges that a recorder has flushed the
	// cycle's records.
	KindRecorderReady

	numKinds
)

// HelloTrigger returns the handshake signal for a trigger stream.
func HelloTrigger(id AgentID) Signal { return Signal{kind: KindHelloTrigger, agent: id} }

// HelloReady returns the handshake signal for a ready stream.
func HelloReady(id AgentID) Signal { return Signal{kind: KindHelloReady, agent: id} }

// StartupSync returns the time synchronization signal.
func StartupSync(info timebase.SyncInfo) Signal { return Signal{kind: KindStartupSync, sync: info} }

// TaskChainStart returns the cycle start marker.
func TaskChainStart(ts timebase.Timestamp) Signal {
	return Signal{kind: KindTaskChainStart, ts: ts}
}

// TaskChainEnd returns the cycle end marker.
func TaskChainEnd(ts timebase.Timestamp) Signal { return Signal{kind: KindTaskChainEnd, ts: ts} }

// Startup returns the startup trigger for the given activity.
func Startup(id activity.ID, ts timebase.Timestamp) Signal {
	return Signal{kind: KindStartup, act: id, ts: ts}
}

// Step returns the step trigger for the given activity.
func Step(id activity.ID, ts timebase.Timestamp) Signal {
	return Signal{kind: KindStep, act: id, ts: ts}
}

// Shutdown returns the shutdown trigger for the given activity.
func Shutdown(id activity.ID, ts timebase.Timestamp) Signal {
	return Signal{kind: KindShutdown, act: id, ts: ts}
}

// Ready returns the acknowledgement for a triggered activity.
func Ready(id activity.ID, ts timebase.Timestamp) Signal {
	return Signal{kind: KindReady, act: id, ts: ts}
}

// RecorderReady returns the acknowledgement sent by a recorder after
// flushing a cycle.
func RecorderReady(id AgentID, ts timebase.Timestamp) Signal {
	return Signal{kind: KindRecorderReady, agent: id, ts: ts}
}

// Kind returns the variant of the signal.
func (x Signal) Kind() Kind { return x.kind }

// ActivityID returns the wrapped activity ID, if the variant carries
// one.
func (x Signal) ActivityID() (activity.ID, bool) {
	switch x.kind {
	case KindStartup, KindStep, KindShutdown, KindReady:
		return x.act, true
	}
	return 0, false
}

// AgentID returns the wrapped agent ID, if the variant carries one.
func (x Signal) AgentID() (AgentID, bool) {
	switch x.kind {
	case KindHelloTrigger, KindHelloReady, KindRecorderReady:
		return x.agent, true
	}
	return 0, false
}

// Timestamp returns the wrapped timestamp, if the variant carries one.
func (x Signal) Timestamp() (timebase.Timestamp, bool) {
	switch x.kind {
	case KindTaskChainStart, KindTaskChainEnd, KindStartup, KindStep, KindShutdown, KindReady, KindRecorderReady:
		return x.ts, true
	}
	return 0, false
}

// SyncInfo returns the wrapped synchronization info, if the variant
// carries one.
func (x Signal) SyncInfo() (timebase.SyncInfo, bool) {
	if x.kind == KindStartupSync {
		return x.sync, true
	}
	return 0, false
}

// String implements fmt.Stringer, e.g. "Step(T3, 1.5s)".
func (x Signal) String() string {
	switch x.kind {
	case KindHelloTrigger, KindHelloReady:
		return x.kind.String() + `(` + x.agent.String() + `)`
	case KindStartupSync:
		return x.kind.String() + `(` + strconv.FormatUint(x.sync.Nanos(), 10) + `)`
	case KindTaskChainStart, KindTaskChainEnd:
		return x.kind.String() + `(` + x.ts.String() + `)`
	case KindRecorderReady:
		return x.kind.String() + `(` + x.agent.String() + `, ` + x.ts.String() + `)`
	default:
		return x.kind.String() + `(` + x.act.String() + `, ` + x.ts.String() + `)`
	}
}

// String implements fmt.Stringer, e.g. "A100".
func (x AgentID) String() string { return `A` + strconv.FormatUint(uint64(x), 10) }

// String implements fmt.Stringer.
func (x Kind) String() string {
	switch x {
	case KindHelloTrigger:
		return `HelloTrigger`
	case KindHelloReady:
		return `HelloReady`
	case KindStartupSync:
		return `StartupSync`
	case KindTaskChainStart:
		return `TaskChainStart`
	case KindTaskChainEnd:
		return `TaskChainEnd`
	case KindStartup:
		return `Startup`
	case KindStep:
		return `Step`
	case KindShutdown:
		return `Shutdown`
	case KindReady:
		return `Ready`
	case KindRecorderReady:
		return `RecorderReady`
	default:
		return `Kind(` + strconv.FormatUint(uint64(x), 10) + `)`
	}
}
