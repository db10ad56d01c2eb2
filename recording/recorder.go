package recording

import (
	"bufio"
	"errors"
	"fmt"
	"os"

	"github.com/qorix-group/inc-feo/agent"
	"github.com/qorix-group/inc-feo/feolog"
	"github.com/qorix-group/inc-feo/signalling"
	"github.com/qorix-group/inc-feo/timebase"
)

type (
	// RecorderConfig models the recorder configuration, for NewRecorder.
	RecorderConfig struct {
		// ID is the recorder's agent ID. It must be listed in the
		// primary's recorder set.
		ID signalling.AgentID

		// Primary is the TCP address of the primary agent's listener.
		Primary string

		// Path is the recording file to create.
		Path string

		// Sources lists the topics to snapshot on every step and cycle
		// end, possibly empty.
		Sources []Source
	}

	// Recorder mirrors the scheduler's signal stream into a recording
	// file. Create with NewRecorder; Run loops until the primary
	// disconnects.
	Recorder struct {
		id      signalling.AgentID
		primary string
		path    string
		sources []Source

		// initializeFrom is swapped out by tests.
		initializeFrom func(timebase.SyncInfo)
	}
)

// NewRecorder validates the configuration and creates the recorder.
// Configuration errors panic.
func NewRecorder(config RecorderConfig) *Recorder {
	if config.Primary == `` {
		panic(`recording: missing primary address`)
	}
	if config.Path == `` {
		panic(`recording: missing recording file path`)
	}
	return &Recorder{
		id:             config.ID,
		primary:        config.Primary,
		path:           config.Path,
		sources:        config.Sources,
		initializeFrom: timebase.InitializeFrom,
	}
}

// Run connects to the primary with the standard handshake,
// synchronizes the time base, then records mirrored signals and topic
// snapshots until the stream ends. Every TaskChainEnd flushes the file
// and acknowledges with RecorderReady, fencing the scheduler's next
// cycle.
func (x *Recorder) Run() error {
	trigger, ready, err := agent.ConnectToPrimary(x.id, x.primary)
	if err != nil {
		return err
	}
	defer trigger.Close()
	defer ready.Close()

	receiver := signalling.NewStreamReceiver(trigger)
	signal, err := receiver.Recv()
	if err != nil {
		return fmt.Errorf(`recording: failed to receive startup sync: %w`, err)
	}
	info, ok := signal.SyncInfo()
	if !ok {
		return fmt.Errorf(`recording: received unexpected signal %s while waiting for startup sync`, signal)
	}
	x.initializeFrom(info)
	feolog.L().Info().Log(`time synchronization with primary agent done`)

	file, err := os.Create(x.path)
	if err != nil {
		return fmt.Errorf(`recording: failed to create recording file: %w`, err)
	}
	defer file.Close()
	writer := bufio.NewWriter(file)
	defer writer.Flush()

	readySender := signalling.NewStreamSender(ready)
	var buf []byte

	for {
		signal, err := receiver.Recv()
		if errors.Is(err, signalling.ErrInvalidData) {
			feolog.L().Err().Err(err).Log(`failed to decode signal pdu, trying to continue`)
			if err := writer.Flush(); err != nil {
				feolog.L().Err().Err(err).Log(`failed to flush recording, trying to continue`)
			}
			continue
		} else if err != nil {
			return fmt.Errorf(`recording: lost connection to primary agent: %w`, err)
		}
		feolog.L().Trace().Stringer(`signal`, signal).Log(`recording signal`)

		switch signal.Kind() {
		case signalling.KindStep:
			buf = x.appendSnapshots(buf[:0])
			buf = AppendSignalRecord(buf, timebase.Now(), signal)
		case signalling.KindTaskChainEnd:
			buf = x.appendSnapshots(buf[:0])
			buf = AppendSignalRecord(buf, timebase.Now(), signal)
			if _, err := writer.Write(buf); err != nil {
				feolog.L().Err().Err(err).Log(`failed to write records`)
			}
			buf = buf[:0]
			if err := writer.Flush(); err != nil {
				return fmt.Errorf(`recording: failed to flush recording file: %w`, err)
			}
			if err := readySender.Send(signalling.RecorderReady(x.id, timebase.Now())); err != nil {
				return fmt.Errorf(`recording: failed to send recorder ready: %w`, err)
			}
			continue
		default:
			buf = AppendSignalRecord(buf[:0], timebase.Now(), signal)
		}

		if _, err := writer.Write(buf); err != nil {
			feolog.L().Err().Err(err).Log(`failed to write records`)
		}
		buf = buf[:0]
	}
}

// appendSnapshots appends a data record for every source with a
// current value.
func (x *Recorder) appendSnapshots(buf []byte) []byte {
	for _, source := range x.sources {
		data, ok := source.Snapshot()
		if !ok {
			continue
		}
		next, err := AppendDataRecord(buf, timebase.Now(), source.Topic(), source.TypeName(), data)
		if err != nil {
			feolog.L().Err().Err(err).Str(`topic`, source.Topic()).Log(`failed to encode data record`)
			continue
		}
		buf = next
	}
	return buf
}
