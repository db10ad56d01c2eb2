package recording

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/qorix-group/inc-feo/com"
	"github.com/qorix-group/inc-feo/signalling"
	"github.com/qorix-group/inc-feo/timebase"
)

func TestRecord_roundTrip(t *testing.T) {
	var buf []byte
	buf = AppendSignalRecord(buf, timebase.TimestampFromNanos(1), signalling.TaskChainStart(timebase.TimestampFromNanos(10)))
	var err error
	buf, err = AppendDataRecord(buf, timebase.TimestampFromNanos(2), `vehicle/camera/front`, `miniadas.CameraImage`, []byte{1, 2, 3, 4})
	require.NoError(t, err)
	buf = AppendSignalRecord(buf, timebase.TimestampFromNanos(3), signalling.TaskChainEnd(timebase.TimestampFromNanos(11)))

	reader := NewReader(bytes.NewReader(buf))

	record, err := reader.Next()
	require.NoError(t, err)
	require.Equal(t, KindSignal, record.Kind)
	require.EqualValues(t, 1, record.Timestamp.Nanos())
	require.Equal(t, signalling.KindTaskChainStart, record.Signal.Kind())

	record, err = reader.Next()
	require.NoError(t, err)
	require.Equal(t, KindData, record.Kind)
	require.Equal(t, `vehicle/camera/front`, record.Topic)
	require.Equal(t, `miniadas.CameraImage`, record.TypeName)
	require.Equal(t, []byte{1, 2, 3, 4}, record.Data)

	record, err = reader.Next()
	require.NoError(t, err)
	require.Equal(t, signalling.KindTaskChainEnd, record.Signal.Kind())

	_, err = reader.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestRecord_truncated(t *testing.T) {
	buf := AppendSignalRecord(nil, 0, signalling.Ready(1, 0))
	_, err := NewReader(bytes.NewReader(buf[:len(buf)-2])).Next()
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestRecord_nameLimits(t *testing.T) {
	long := string(bytes.Repeat([]byte{'a'}, MaxNameSize+1))
	_, err := AppendDataRecord(nil, 0, long, `t`, nil)
	require.Error(t, err)
	_, err = AppendDataRecord(nil, 0, `t`, long, nil)
	require.Error(t, err)

	ok := string(bytes.Repeat([]byte{'a'}, MaxNameSize))
	_, err = AppendDataRecord(nil, 0, ok, ok, []byte{1})
	require.NoError(t, err)
}

type scanSample struct {
	Distance float64
	Margin   float64
}

func TestTopicSource_snapshotAndDecode(t *testing.T) {
	topic := fmt.Sprintf(`test/%s/%d`, t.Name(), os.Getpid())
	handle, err := com.InitTopic[scanSample](topic, 1, 1)
	require.NoError(t, err)
	defer handle.Close()

	source, err := TopicSource[scanSample](topic, `test.scanSample`)
	require.NoError(t, err)
	require.Equal(t, topic, source.Topic())
	require.Equal(t, `test.scanSample`, source.TypeName())

	_, ok := source.Snapshot()
	require.False(t, ok)

	out, err := com.OpenOutput[scanSample](topic)
	require.NoError(t, err)
	want := scanSample{Distance: 41.5, Margin: 0.25}
	out.Write(want)

	data, ok := source.Snapshot()
	require.True(t, ok)

	record, err := func() (Record, error) {
		buf, err := AppendDataRecord(nil, 7, topic, `test.scanSample`, data)
		require.NoError(t, err)
		return NewReader(bytes.NewReader(buf)).Next()
	}()
	require.NoError(t, err)

	got, ok := DecodeData[scanSample](record, `test.scanSample`)
	require.True(t, ok)
	require.Equal(t, want, got)

	_, ok = DecodeData[scanSample](record, `other`)
	require.False(t, ok)
	_, ok = DecodeData[int64](record, `test.scanSample`)
	require.False(t, ok)
}
