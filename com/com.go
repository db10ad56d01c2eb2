// Package com provides topic-based data exchange between activities:
// named, single-writer, latest-value topics backed by shared memory,
// readable across the processes of one deployment.
//
// The backend guarantees exactly what the scheduler's dependency
// visibility rule requires: a payload written before the producing
// activity emits its ready signal is observable by any reader whose
// activity is triggered after that ready. Writes publish through a
// seqlock, so readers never observe a torn payload.
//
// Payload types must be fixed-size value types (no pointers, slices,
// maps or strings); they are copied byte-for-byte through the shared
// segment.
package com

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

type (
	// Handle keeps a topic's shared segment alive. Closing the handle
	// tears the topic down; existing mappings stay usable but the name
	// is gone.
	Handle struct {
		path string
		seg  *segment
	}

	// Input reads the latest value of a topic.
	Input[T any] struct {
		seg *segment
	}

	// Output writes a topic. Each topic has exactly one writer in a
	// correct deployment; concurrent writers are not detected.
	Output[T any] struct {
		seg *segment
	}

	// segment is a mapped topic file: a small header followed by the
	// payload. The sequence field implements the seqlock; zero means
	// never written, odd means write in progress.
	segment struct {
		file *os.File
		data []byte
		size int
	}
)

const (
	segmentMagic   = 0x0fe0c0a1
	headerSize     = 16
	offsetMagic    = 0
	offsetSize     = 4
	offsetSequence = 8
)

// ErrTopic is wrapped by all topic setup failures.
var ErrTopic = errors.New(`com: topic error`)

// InitTopic creates (or attaches to) the shared segment for the given
// topic, sized for payload type T. The writer and reader counts
// document the topology; the backend itself does not restrict
// attachment. Initialization is idempotent across the processes of a
// deployment, so startup order does not matter.
//
// The returned handle should be held for the lifetime of the topic and
// closed on teardown.
func InitTopic[T any](name string, writers, readers int) (*Handle, error) {
	if writers > 1 {
		return nil, fmt.Errorf(`%w: topic %q declares %d writers, at most one supported`, ErrTopic, name, writers)
	}
	_ = readers
	seg, path, err := openSegment(name, int(unsafe.Sizeof(*new(T))))
	if err != nil {
		return nil, err
	}
	return &Handle{path: path, seg: seg}, nil
}

// Close unmaps the segment and removes the topic's name.
func (x *Handle) Close() error {
	err := x.seg.close()
	if e := os.Remove(x.path); e != nil && !os.IsNotExist(e) && err == nil {
		err = e
	}
	return err
}

// OpenInput attaches a reader to the given topic. The topic need not
// have been initialized yet by another process; attachment creates the
// segment if necessary.
func OpenInput[T any](name string) (*Input[T], error) {
	seg, _, err := openSegment(name, int(unsafe.Sizeof(*new(T))))
	if err != nil {
		return nil, err
	}
	return &Input[T]{seg: seg}, nil
}

// MustInput is OpenInput, panicking on error. Activities attach their
// topics at build time, where failure is a configuration error.
func MustInput[T any](name string) *Input[T] {
	in, err := OpenInput[T](name)
	if err != nil {
		panic(err)
	}
	return in
}

// Read returns a copy of the latest value, or false if the topic has
// never been written.
func (x *Input[T]) Read() (T, bool) {
	var v T
	seq := x.seg.sequence()
	for {
		s1 := seq.Load()
		if s1 == 0 {
			return v, false
		}
		if s1&1 == 0 {
			copyOut(unsafe.Pointer(&v), x.seg)
			if seq.Load() == s1 {
				return v, true
			}
		}
		// Torn read or write in progress; retry.
		runtime.Gosched()
	}
}

// OpenOutput attaches the writer to the given topic.
func OpenOutput[T any](name string) (*Output[T], error) {
	seg, _, err := openSegment(name, int(unsafe.Sizeof(*new(T))))
	if err != nil {
		return nil, err
	}
	return &Output[T]{seg: seg}, nil
}

// MustOutput is OpenOutput, panicking on error.
func MustOutput[T any](name string) *Output[T] {
	out, err := OpenOutput[T](name)
	if err != nil {
		panic(err)
	}
	return out
}

// Write publishes a new value, replacing the previous one.
func (x *Output[T]) Write(v T) {
	seq := x.seg.sequence()
	seq.Add(1) // odd: write in progress
	copyIn(x.seg, unsafe.Pointer(&v))
	seq.Add(1) // even: published
}

// Dir returns the directory holding topic segments: FEO_COM_DIR if
// set, /dev/shm where available, the default temp directory otherwise.
func Dir() string {
	if dir := os.Getenv(`FEO_COM_DIR`); dir != `` {
		return dir
	}
	if info, err := os.Stat(`/dev/shm`); err == nil && info.IsDir() {
		return `/dev/shm`
	}
	return os.TempDir()
}

func openSegment(name string, size int) (*segment, string, error) {
	if size == 0 {
		return nil, ``, fmt.Errorf(`%w: topic %q has a zero-size payload type`, ErrTopic, name)
	}
	path := filepath.Join(Dir(), `feo-com-`+sanitize(name))

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, ``, fmt.Errorf(`%w: failed to open segment for topic %q: %v`, ErrTopic, name, err)
	}
	// Grow the file if needed, never shrink: a size mismatch must be
	// reported against the intact header, not destroy the segment.
	total := headerSize + size
	if info, err := file.Stat(); err != nil {
		_ = file.Close()
		return nil, ``, fmt.Errorf(`%w: failed to stat segment for topic %q: %v`, ErrTopic, name, err)
	} else if info.Size() < int64(total) {
		if err := file.Truncate(int64(total)); err != nil {
			_ = file.Close()
			return nil, ``, fmt.Errorf(`%w: failed to size segment for topic %q: %v`, ErrTopic, name, err)
		}
	}

	data, err := unix.Mmap(int(file.Fd()), 0, total, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = file.Close()
		return nil, ``, fmt.Errorf(`%w: failed to map segment for topic %q: %v`, ErrTopic, name, err)
	}

	seg := segment{file: file, data: data, size: size}

	// Stamp or verify the header. Concurrent stamping is benign: the
	// values are identical.
	magic := (*atomic.Uint32)(unsafe.Pointer(&data[offsetMagic]))
	declared := (*atomic.Uint32)(unsafe.Pointer(&data[offsetSize]))
	if m := magic.Load(); m == 0 {
		declared.Store(uint32(size))
		magic.Store(segmentMagic)
	} else if m != segmentMagic {
		_ = seg.close()
		return nil, ``, fmt.Errorf(`%w: segment for topic %q has bad magic %#x`, ErrTopic, name, m)
	} else if got := declared.Load(); got != uint32(size) {
		_ = seg.close()
		return nil, ``, fmt.Errorf(`%w: segment for topic %q holds %d payload bytes, want %d`, ErrTopic, name, got, size)
	}

	return &seg, path, nil
}

func (x *segment) sequence() *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&x.data[offsetSequence]))
}

func (x *segment) close() error {
	err := unix.Munmap(x.data)
	if e := x.file.Close(); e != nil && err == nil {
		err = e
	}
	return err
}

func copyIn(seg *segment, src unsafe.Pointer) {
	copy(seg.data[headerSize:headerSize+seg.size], unsafe.Slice((*byte)(src), seg.size))
}

func copyOut(dst unsafe.Pointer, seg *segment) {
	copy(unsafe.Slice((*byte)(dst), seg.size), seg.data[headerSize:headerSize+seg.size])
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}
