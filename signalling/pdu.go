package signalling

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/qorix-group/inc-feo/activity"
	"github.com/qorix-group/inc-feo/timebase"
)

// Wire format: tag:u8 | len:u16_be | payload:len bytes. All payload
// integers are fixed-width big-endian; IDs and timestamps are 8 bytes.
const (
	// MaxPayload is the maximum PDU payload size in bytes.
	MaxPayload = 16

	headerSize   = 3
	maxFrameSize = headerSize + MaxPayload
)

// ErrInvalidData is returned (wrapped) when a frame cannot be decoded:
// unknown tag, declared length exceeding the maximum, or a payload too
// short for the variant.
var ErrInvalidData = errors.New(`signalling: invalid data`)

// AppendFrame appends the wire frame for the signal to buf.
func AppendFrame(buf []byte, s Signal) []byte {
	var payload [MaxPayload]byte
	n := 0
	put := func(v uint64) {
		binary.BigEndian.PutUint64(payload[n:], v)
		n += 8
	}
	switch s.kind {
	case KindHelloTrigger, KindHelloReady:
		put(uint64(s.agent))
	case KindStartupSync:
		put(s.sync.Nanos())
	case KindTaskChainStart, KindTaskChainEnd:
		put(s.ts.Nanos())
	case KindStartup, KindStep, KindShutdown, KindReady:
		put(uint64(s.act))
		put(s.ts.Nanos())
	case KindRecorderReady:
		put(uint64(s.agent))
		put(s.ts.Nanos())
	default:
		panic(fmt.Sprintf(`signalling: cannot encode signal kind %d`, s.kind))
	}
	buf = append(buf, byte(s.kind))
	buf = binary.BigEndian.AppendUint16(buf, uint16(n))
	return append(buf, payload[:n]...)
}

// DecodeFrame decodes one signal from a complete frame payload, given
// its already parsed tag and payload bytes.
func DecodeFrame(tag byte, payload []byte) (Signal, error) {
	if Kind(tag) >= numKinds {
		return Signal{}, fmt.Errorf(`%w: unknown signal tag %d`, ErrInvalidData, tag)
	}
	n := 0
	take := func() (uint64, error) {
		if len(payload) < n+8 {
			return 0, fmt.Errorf(`%w: truncated payload for %s`, ErrInvalidData, Kind(tag))
		}
		v := binary.BigEndian.Uint64(payload[n:])
		n += 8
		return v, nil
	}
	switch kind := Kind(tag); kind {
	case KindHelloTrigger, KindHelloReady:
		id, err := take()
		if err != nil {
			return Signal{}, err
		}
		return Signal{kind: kind, agent: AgentID(id)}, nil
	case KindStartupSync:
		ns, err := take()
		if err != nil {
			return Signal{}, err
		}
		return StartupSync(timebase.SyncInfoFromNanos(ns)), nil
	case KindTaskChainStart, KindTaskChainEnd:
		ns, err := take()
		if err != nil {
			return Signal{}, err
		}
		return Signal{kind: kind, ts: timebase.TimestampFromNanos(ns)}, nil
	case KindRecorderReady:
		id, err := take()
		if err != nil {
			return Signal{}, err
		}
		ns, err := take()
		if err != nil {
			return Signal{}, err
		}
		return RecorderReady(AgentID(id), timebase.TimestampFromNanos(ns)), nil
	default: // Startup, Step, Shutdown, Ready
		id, err := take()
		if err != nil {
			return Signal{}, err
		}
		ns, err := take()
		if err != nil {
			return Signal{}, err
		}
		return Signal{kind: kind, act: activity.ID(id), ts: timebase.TimestampFromNanos(ns)}, nil
	}
}

// WriteSignal writes the signal's wire frame to w, in a single write.
func WriteSignal(w io.Writer, s Signal) error {
	buf := make([]byte, 0, maxFrameSize)
	if _, err := w.Write(AppendFrame(buf, s)); err != nil {
		return fmt.Errorf(`signalling: failed to write pdu: %w`, err)
	}
	return nil
}

// ReadSignal reads exactly one framed signal from r, blocking until the
// frame is complete. A partial frame at stream end is an error.
func ReadSignal(r io.Reader) (Signal, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			err = fmt.Errorf(`%w: partial pdu header`, ErrInvalidData)
		}
		return Signal{}, err
	}
	length := binary.BigEndian.Uint16(header[1:])
	if length > MaxPayload {
		return Signal{}, fmt.Errorf(`%w: declared payload length %d exceeds maximum %d`, ErrInvalidData, length, MaxPayload)
	}
	var payload [MaxPayload]byte
	if _, err := io.ReadFull(r, payload[:length]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			err = fmt.Errorf(`%w: partial pdu payload`, ErrInvalidData)
		}
		return Signal{}, err
	}
	return DecodeFrame(header[0], payload[:length])
}
