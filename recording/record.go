// Package recording implements the FEO data recorder: a process that
// mirrors the scheduler's control signals, snapshots topic data, and
// appends both to a recording file, acknowledging every cycle so the
// scheduler's recorder fence can hold the task chain back until the
// records are durable.
package recording

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unsafe"

	"github.com/qorix-group/inc-feo/com"
	"github.com/qorix-group/inc-feo/signalling"
	"github.com/qorix-group/inc-feo/timebase"
)

// Recording file framing: kind:u8 | ts:u64_be | len:u16_be | payload.
// A signal record's payload is the signal's wire frame; a data
// record's payload is topic_len:u16_be | topic | type_len:u16_be |
// type_name | data.
type (
	// Kind discriminates record types in a recording file.
	Kind uint8

	// Record is one decoded entry of a recording file.
	Record struct {
		Kind      Kind
		Timestamp timebase.Timestamp

		// Signal is set for KindSignal records.
		Signal signalling.Signal

		// Topic, TypeName and Data are set for KindData records. Data
		// is the raw payload bytes as captured from the topic.
		Topic    string
		TypeName string
		Data     []byte
	}

	// Reader iterates a recording stream.
	Reader struct {
		r *bufio.Reader
	}
)

const (
	// KindSignal records a mirrored control signal.
	KindSignal Kind = iota

	// KindData records a topic snapshot.
	KindData
)

// MaxNameSize bounds topic and type names in a recording.
const MaxNameSize = 256

// ErrCorrupt is wrapped by all decode failures.
var ErrCorrupt = errors.New(`recording: corrupt record`)

// AppendSignalRecord appends a signal record to buf.
func AppendSignalRecord(buf []byte, ts timebase.Timestamp, signal signalling.Signal) []byte {
	payload := signalling.AppendFrame(nil, signal)
	buf = append(buf, byte(KindSignal))
	buf = binary.BigEndian.AppendUint64(buf, ts.Nanos())
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(payload)))
	return append(buf, payload...)
}

// AppendDataRecord appends a topic snapshot record to buf. Names are
// bounded by MaxNameSize; the data must fit the 16-bit record length
// together with the names.
func AppendDataRecord(buf []byte, ts timebase.Timestamp, topic, typeName string, data []byte) ([]byte, error) {
	if len(topic) > MaxNameSize || len(typeName) > MaxNameSize {
		return nil, fmt.Errorf(`recording: topic or type name exceeds maximal size of %d`, MaxNameSize)
	}
	total := 2 + len(topic) + 2 + len(typeName) + len(data)
	if total > 0xffff {
		return nil, fmt.Errorf(`recording: data record of %d bytes exceeds the record size limit`, total)
	}
	buf = append(buf, byte(KindData))
	buf = binary.BigEndian.AppendUint64(buf, ts.Nanos())
	buf = binary.BigEndian.AppendUint16(buf, uint16(total))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(topic)))
	buf = append(buf, topic...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(typeName)))
	buf = append(buf, typeName...)
	return append(buf, data...), nil
}

// NewReader wraps a recording stream for iteration.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Next decodes the next record. It returns io.EOF at a clean end of
// the recording, and an error wrapping ErrCorrupt on a truncated or
// malformed record.
func (x *Reader) Next() (Record, error) {
	var header [11]byte
	if _, err := io.ReadFull(x.r, header[:1]); err != nil {
		return Record{}, err // io.EOF: clean end
	}
	if _, err := io.ReadFull(x.r, header[1:]); err != nil {
		return Record{}, fmt.Errorf(`%w: truncated header: %v`, ErrCorrupt, err)
	}

	record := Record{
		Kind:      Kind(header[0]),
		Timestamp: timebase.TimestampFromNanos(binary.BigEndian.Uint64(header[1:9])),
	}
	payload := make([]byte, binary.BigEndian.Uint16(header[9:11]))
	if _, err := io.ReadFull(x.r, payload); err != nil {
		return Record{}, fmt.Errorf(`%w: truncated payload: %v`, ErrCorrupt, err)
	}

	switch record.Kind {
	case KindSignal:
		if len(payload) < 3 {
			return Record{}, fmt.Errorf(`%w: signal record too short`, ErrCorrupt)
		}
		signal, err := signalling.DecodeFrame(payload[0], payload[3:])
		if err != nil {
			return Record{}, fmt.Errorf(`%w: %v`, ErrCorrupt, err)
		}
		record.Signal = signal
	case KindData:
		rest := payload
		take := func(what string) (string, error) {
			if len(rest) < 2 {
				return ``, fmt.Errorf(`%w: truncated %s length`, ErrCorrupt, what)
			}
			n := int(binary.BigEndian.Uint16(rest))
			rest = rest[2:]
			if len(rest) < n {
				return ``, fmt.Errorf(`%w: truncated %s`, ErrCorrupt, what)
			}
			s := string(rest[:n])
			rest = rest[n:]
			return s, nil
		}
		var err error
		if record.Topic, err = take(`topic`); err != nil {
			return Record{}, err
		}
		if record.TypeName, err = take(`type name`); err != nil {
			return Record{}, err
		}
		record.Data = rest
	default:
		return Record{}, fmt.Errorf(`%w: unknown record kind %d`, ErrCorrupt, record.Kind)
	}
	return record, nil
}

// Source captures snapshots of one topic for recording.
type Source interface {
	// Topic is the topic name the source reads.
	Topic() string

	// TypeName is the stable name of the payload type.
	TypeName() string

	// Snapshot returns the latest payload bytes, or false if the topic
	// has not been written yet.
	Snapshot() ([]byte, bool)
}

type topicSource[T any] struct {
	topic    string
	typeName string
	input    *com.Input[T]
}

// TopicSource attaches a recording source to a topic with payload type
// T, named typeName in the recording.
func TopicSource[T any](topic, typeName string) (Source, error) {
	input, err := com.OpenInput[T](topic)
	if err != nil {
		return nil, err
	}
	return &topicSource[T]{topic: topic, typeName: typeName, input: input}, nil
}

func (x *topicSource[T]) Topic() string    { return x.topic }
func (x *topicSource[T]) TypeName() string { return x.typeName }

func (x *topicSource[T]) Snapshot() ([]byte, bool) {
	v, ok := x.input.Read()
	if !ok {
		return nil, false
	}
	data := make([]byte, unsafe.Sizeof(v))
	copy(data, unsafe.Slice((*byte)(unsafe.Pointer(&v)), len(data)))
	return data, true
}

// DecodeData reinterprets a data record's payload as type T, matching
// on the record's type name. Returns false if the name or size does
// not match.
func DecodeData[T any](record Record, typeName string) (T, bool) {
	var v T
	if record.Kind != KindData || record.TypeName != typeName || len(record.Data) != int(unsafe.Sizeof(v)) {
		return v, false
	}
	copy(unsafe.Slice((*byte)(unsafe.Pointer(&v)), len(record.Data)), record.Data)
	return v, true
}
