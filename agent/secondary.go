package agent

import (
	"fmt"
	"net"

	"github.com/qorix-group/inc-feo/feolog"
	"github.com/qorix-group/inc-feo/signalling"
	"github.com/qorix-group/inc-feo/timebase"
	"github.com/qorix-group/inc-feo/workerpool"
)

type (
	// SecondaryConfig models the secondary agent configuration, for
	// NewSecondary.
	SecondaryConfig struct {
		// ID is this agent's ID.
		ID signalling.AgentID

		// Primary is the TCP address of the primary agent's listener.
		Primary string

		// Pool is the local worker pool executing this agent's
		// activities.
		Pool *workerpool.Pool

		// ReadyReceiver is the receiving end of the channel the pool's
		// ready sender feeds.
		ReadyReceiver signalling.Receiver
	}

	// Secondary is a secondary FEO agent: it relays trigger signals from
	// the primary into its local worker pool, and ready signals back.
	// Create with NewSecondary; Run loops indefinitely, returning only
	// on a fatal error. There is no shutdown protocol.
	Secondary struct {
		id       signalling.AgentID
		primary  string
		pool     *workerpool.Pool
		listener *workerpool.Listener

		// initializeFrom is swapped out by tests, which cannot
		// re-initialize the process-wide time base.
		initializeFrom func(timebase.SyncInfo)
	}
)

// NewSecondary validates the configuration and creates the secondary
// agent. Configuration errors panic.
func NewSecondary(config SecondaryConfig) *Secondary {
	if config.Primary == `` {
		panic(`agent: missing primary address`)
	}
	if config.Pool == nil {
		panic(`agent: missing worker pool`)
	}
	if config.ReadyReceiver == nil {
		panic(`agent: missing intra-process ready receiver`)
	}
	return &Secondary{
		id:             config.ID,
		primary:        config.Primary,
		pool:           config.Pool,
		listener:       config.Pool.Listener(config.ReadyReceiver),
		initializeFrom: timebase.InitializeFrom,
	}
}

// Run connects to the primary, synchronizes the time base, then relays
// triggers and readies until the process is terminated or the primary
// disconnects (fatal).
func (x *Secondary) Run() error {
	feolog.L().Info().Str(`primary`, x.primary).Log(`connecting to primary agent`)
	trigger, ready, err := ConnectToPrimary(x.id, x.primary)
	if err != nil {
		return err
	}

	if err := x.syncTime(trigger); err != nil {
		return err
	}
	feolog.L().Info().Log(`time synchronization with primary agent done`)

	// Relay incoming trigger signals into the local worker pool. The
	// stream receiver is exclusively owned by this goroutine from here
	// on. A broken trigger stream aborts the process.
	go relayTriggerSignals(signalling.NewStreamReceiver(trigger), x.pool)

	sender := signalling.NewStreamSender(ready)
	for {
		x.listener.ClearReady()
		id, err := x.listener.WaitNextReady()
		if err != nil {
			return err
		}
		if err := sender.Send(signalling.Ready(id, timebase.Now())); err != nil {
			feolog.L().Err().Err(err).Stringer(`activity`, id).Log(`failed to transmit ready signal`)
		}
	}
}

// syncTime blocks on the trigger stream for the startup
// synchronization frame and initializes the local time base from it.
func (x *Secondary) syncTime(trigger *net.TCPConn) error {
	feolog.L().Debug().Log(`waiting for startup synchronization pdu`)
	signal, err := signalling.NewStreamReceiver(trigger).Recv()
	if err != nil {
		return fmt.Errorf(`agent: failed to receive startup sync: %w`, err)
	}
	info, ok := signal.SyncInfo()
	if !ok {
		return fmt.Errorf(`agent: received unexpected signal %s while waiting for startup sync`, signal)
	}
	x.initializeFrom(info)
	return nil
}

// relayTriggerSignals forwards trigger signals from the primary into
// the worker pool, forever. Loss of the trigger stream is fatal for a
// secondary agent.
func relayTriggerSignals(receiver *signalling.StreamReceiver, pool *workerpool.Pool) {
	for {
		signal, err := receiver.Recv()
		if err != nil {
			panic(fmt.Sprintf(`agent: lost connection to primary agent: %v`, err))
		}
		feolog.L().Trace().Stringer(`signal`, signal).Log(`received trigger pdu`)
		pool.Trigger(signal)
	}
}
