package agent

import (
	"fmt"
	"io"
	"net"
	"slices"

	"github.com/qorix-group/inc-feo/activity"
	"github.com/qorix-group/inc-feo/feolog"
	"github.com/qorix-group/inc-feo/signalling"
	"github.com/qorix-group/inc-feo/timebase"
	"github.com/qorix-group/inc-feo/workerpool"
)

// connector handles signalling from and to all activities for the
// primary agent: routing triggers to the local pool or across sockets,
// mirroring every trigger and ready to the recorders, and draining the
// shared ready channel.
type connector struct {
	localID        signalling.AgentID
	bind           string
	assigned       map[activity.ID]ActivityAssignment
	secondaries    []signalling.AgentID
	recorders      []signalling.AgentID
	recordersReady map[signalling.AgentID]bool
	pool           *workerpool.Pool
	readySender    signalling.Sender
	readyReceiver  signalling.Receiver
	triggers       *signalling.MultiSender
}

// connectRemotes binds the configured listener and accepts connections
// until every expected secondary agent and recorder has delivered both
// its trigger and its ready hello. Unexpected or duplicate hellos are
// logged and their streams dropped. Once the full set is gathered, a
// relay goroutine starts forwarding decoded signals from all ready
// streams into the scheduler's channel.
func (x *connector) connectRemotes() error {
	expected := make([]signalling.AgentID, 0, len(x.secondaries)+len(x.recorders))
	expected = append(expected, x.secondaries...)
	expected = append(expected, x.recorders...)

	listener, err := net.Listen(`tcp`, x.bind)
	if err != nil {
		return fmt.Errorf(`agent: failed to bind local socket %s: %w`, x.bind, err)
	}
	defer listener.Close()

	triggerStreams := make(map[signalling.AgentID]*net.TCPConn)
	readyStreams := make([]signalling.AgentStream, 0, len(expected))
	haveReady := func(id signalling.AgentID) bool {
		return slices.ContainsFunc(readyStreams, func(s signalling.AgentStream) bool { return s.Agent == id })
	}

	for {
		complete := true
		for _, id := range expected {
			if _, ok := triggerStreams[id]; !ok || !haveReady(id) {
				complete = false
				break
			}
		}
		if complete {
			break
		}

		conn, err := listener.Accept()
		if err != nil {
			return fmt.Errorf(`agent: listener accept failed: %w`, err)
		}
		stream := conn.(*net.TCPConn)
		_ = stream.SetNoDelay(true)
		feolog.L().Info().Str(`remote`, stream.RemoteAddr().String()).Log(`incoming connection`)

		signal, err := signalling.NewStreamReceiver(stream).Recv()
		if err != nil {
			feolog.L().Warning().Err(err).Log(`dropping stream with invalid signal`)
			_ = stream.Close()
			continue
		}

		switch id, _ := signal.AgentID(); signal.Kind() {
		case signalling.KindHelloTrigger:
			if !slices.Contains(expected, id) {
				feolog.L().Warning().Stringer(`agent`, id).Log(`ignoring hello_trigger from unexpected id`)
				_ = stream.Close()
			} else if _, ok := triggerStreams[id]; ok {
				feolog.L().Warning().Stringer(`agent`, id).Log(`ignoring new hello_trigger from already encountered id`)
				_ = stream.Close()
			} else {
				triggerStreams[id] = stream
				feolog.L().Info().Stringer(`agent`, id).Log(`received hello_trigger from expected id`)
			}
		case signalling.KindHelloReady:
			if !slices.Contains(expected, id) {
				feolog.L().Warning().Stringer(`agent`, id).Log(`ignoring hello_ready from unexpected id`)
				_ = stream.Close()
			} else if haveReady(id) {
				feolog.L().Warning().Stringer(`agent`, id).Log(`ignoring new hello_ready from already encountered id`)
				_ = stream.Close()
			} else {
				readyStreams = append(readyStreams, signalling.AgentStream{Agent: id, Conn: stream})
				feolog.L().Info().Stringer(`agent`, id).Log(`received hello_ready from expected id`)
			}
		default:
			feolog.L().Warning().Stringer(`signal`, signal).Log(`dropping stream with unexpected signal`)
			_ = stream.Close()
		}
	}

	if len(readyStreams) > 0 {
		receiver, err := signalling.NewMultiReceiver(readyStreams)
		if err != nil {
			return err
		}
		go relayReadySignals(receiver, x.readySender)
	}

	streams := make(map[signalling.AgentID]io.Writer, len(triggerStreams))
	for id, stream := range triggerStreams {
		streams[id] = stream
	}
	x.triggers = signalling.NewMultiSender(streams)
	return nil
}

// relayReadySignals forwards every decoded signal from the remote ready
// streams into the scheduler's channel. A receive failure means a peer
// disconnected or sent garbage; both are fatal for the primary.
func relayReadySignals(receiver *signalling.MultiReceiver, sender signalling.Sender) {
	for {
		agent, signal, err := receiver.Recv()
		if err != nil {
			panic(fmt.Sprintf(`agent: lost connection to agent %s: %v`, agent, err))
		}
		if err := sender.Send(signal); err != nil {
			panic(fmt.Sprintf(`agent: failed to forward signal %s: %v`, signal, err))
		}
	}
}

// syncRemotes distributes the primary's startup instant to every
// secondary agent and recorder. No acknowledgement is awaited.
func (x *connector) syncRemotes() error {
	signal := signalling.StartupSync(timebase.Sync())
	for _, id := range append(slices.Clone(x.secondaries), x.recorders...) {
		if err := x.triggers.SendTo(id, signal); err != nil {
			return fmt.Errorf(`agent: failed to send %s to agent %s: %w`, signal, id, err)
		}
	}
	return nil
}

// startupActivity sends the startup trigger for the given activity.
func (x *connector) startupActivity(id activity.ID) error {
	feolog.L().Debug().Stringer(`activity`, id).Log(`triggering startup`)
	return x.triggerActivity(signalling.Startup(id, timebase.Now()))
}

// stepActivity sends the step trigger for the given activity.
func (x *connector) stepActivity(id activity.ID) error {
	feolog.L().Debug().Stringer(`activity`, id).Log(`triggering step`)
	return x.triggerActivity(signalling.Step(id, timebase.Now()))
}

// shutdownActivity sends the shutdown trigger for the given activity.
// System shutdown is not yet specified, so nothing calls this.
func (x *connector) shutdownActivity(id activity.ID) error {
	feolog.L().Debug().Stringer(`activity`, id).Log(`triggering shutdown`)
	return x.triggerActivity(signalling.Shutdown(id, timebase.Now()))
}

// triggerActivity routes the signal to the agent owning the target
// activity, either via the local worker pool or across the agent's
// trigger stream, then mirrors it to the recorders.
func (x *connector) triggerActivity(signal signalling.Signal) error {
	id, ok := signal.ActivityID()
	if !ok {
		panic(fmt.Sprintf(`agent: an activity cannot be triggered by the given signal %s`, signal))
	}
	assignment, ok := x.assigned[id]
	if !ok {
		panic(fmt.Sprintf(`agent: missing agent entry for target activity %s`, id))
	}

	feolog.L().Trace().
		Stringer(`signal`, signal).
		Stringer(`worker`, assignment.Worker).
		Stringer(`agent`, assignment.Agent).
		Log(`routing signal`)

	if assignment.Agent == x.localID {
		x.pool.Trigger(signal)
	} else if err := x.triggers.SendTo(assignment.Agent, signal); err != nil {
		return fmt.Errorf(`agent: failed to send signal %s to agent %s: %w`, signal, assignment.Agent, err)
	}

	x.recordSignal(signal)
	return nil
}

// recordTaskChainStart mirrors the cycle start marker to all recorders.
func (x *connector) recordTaskChainStart() {
	x.recordSignal(signalling.TaskChainStart(timebase.Now()))
}

// recordTaskChainEnd mirrors the cycle end marker to all recorders.
func (x *connector) recordTaskChainEnd() {
	x.recordSignal(signalling.TaskChainEnd(timebase.Now()))
}

// recordSignal transmits the signal to every registered recorder. A
// recorder whose stream fails is logged and disconnected; recording
// loss must not take the task chain down.
func (x *connector) recordSignal(signal signalling.Signal) {
	for i := 0; i < len(x.recorders); i++ {
		id := x.recorders[i]
		if err := x.triggers.SendTo(id, signal); err != nil {
			feolog.L().Err().Err(err).Stringer(`recorder`, id).Stringer(`signal`, signal).
				Log(`failed to send signal to recorder, disconnecting it`)
			x.triggers.Remove(id)
			delete(x.recordersReady, id)
			x.recorders = slices.Delete(x.recorders, i, i+1)
			i--
		}
	}
}

// waitRecordersReady blocks until every registered recorder has sent
// RecorderReady for the current cycle. Returns immediately if there are
// no recorders. This is deliberate backpressure: a slow recorder delays
// the next cycle rather than losing records.
func (x *connector) waitRecordersReady() error {
	if len(x.recorders) == 0 {
		return nil
	}

	for id := range x.recordersReady {
		x.recordersReady[id] = false
	}

	remaining := len(x.recordersReady)
	for remaining > 0 {
		signal, err := x.readyReceiver.Recv()
		if err != nil {
			return fmt.Errorf(`agent: failed while waiting for recorder ready signal: %w`, err)
		}
		if signal.Kind() != signalling.KindRecorderReady {
			feolog.L().Err().Stringer(`signal`, signal).Log(`received unexpected signal while waiting for recorder ready signal`)
			continue
		}
		id, _ := signal.AgentID()
		done, ok := x.recordersReady[id]
		if !ok {
			feolog.L().Err().Stringer(`agent`, id).Log(`received unexpected id in recorder ready signal`)
			continue
		}
		if !done {
			x.recordersReady[id] = true
			remaining--
		}
	}
	return nil
}
