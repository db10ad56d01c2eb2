// Package timebase provides the process-wide FEO time base: a monotonic
// "time since system startup" clock, shared between agents by
// distributing the primary's startup instant, with optional integer
// speed scaling.
//
// The time base is initialized exactly once per process, either locally
// (on the primary agent, via Initialize) or from synchronization info
// received from the primary (on secondaries and recorders, via
// InitializeFrom). After initialization all reads are lock-free.
package timebase

import (
	"fmt"
	"sync/atomic"
	"time"
)

type (
	// Timestamp is the duration since the primary agent's startup, as
	// measured on the local, optionally scaled, monotonic clock.
	Timestamp time.Duration

	// SyncInfo is the wall-clock instant of the primary agent's startup,
	// expressed as the duration since the Unix epoch. It is distributed
	// to secondary agents so that their Timestamp origin matches the
	// primary's. The scheme assumes wall clocks are synchronized to
	// within cycle-time precision; monotonic clocks are not assumed
	// synchronized.
	SyncInfo time.Duration

	// startupTime anchors the time base. mono carries a monotonic clock
	// reading from which Now measures; wall is the (possibly remote)
	// startup instant on the wall clock, used to derive SyncInfo.
	startupTime struct {
		mono time.Time
		wall time.Time
	}
)

var (
	// startup is written exactly once by Initialize or InitializeFrom.
	startup atomic.Pointer[startupTime]

	// factor is the speed scaling factor, settable once before
	// initialization. Zero means unscaled.
	factor   atomic.Int64
	speedSet atomic.Bool
)

// Initialize captures the local startup instant. It must be called
// exactly once, on the primary agent, before any call to Now or Sync.
//
// Initialize panics if the time base has already been initialized.
func Initialize() {
	now := time.Now()
	set(&startupTime{mono: now, wall: now})
}

// InitializeFrom initializes the time base from synchronization info
// received from the primary agent. The primary's startup instant is
// reconstructed on the local monotonic clock by subtracting the
// wall-clock time elapsed since that instant. This works even if the
// local process started before the primary, because InitializeFrom is
// only ever called after the primary has started.
//
// InitializeFrom panics if the time base has already been initialized,
// or if the local wall clock reads earlier than the received startup
// instant (clocks too far out of sync).
func InitializeFrom(info SyncInfo) {
	now := time.Now()
	wall := time.Unix(0, 0).Add(time.Duration(info))
	elapsed := now.Sub(wall)
	if elapsed < 0 {
		panic(fmt.Sprintf(`timebase: sync info %v is in the local future by %v`, time.Duration(info), -elapsed))
	}
	// now carries a monotonic reading; subtracting elapsed keeps it, so
	// Now() measures from the primary's startup instant.
	set(&startupTime{mono: now.Add(-elapsed), wall: wall})
}

func set(v *startupTime) {
	if !startup.CompareAndSwap(nil, v) {
		panic(`timebase: already initialized`)
	}
}

func get() *startupTime {
	v := startup.Load()
	if v == nil {
		panic(`timebase: not initialized`)
	}
	return v
}

// Now returns the scaled monotonic duration since system startup.
//
// Now panics if the time base has not been initialized.
func Now() Timestamp {
	return Timestamp(scale(time.Since(get().mono)))
}

// Sync returns the synchronization info to distribute to secondary
// agents and recorders.
//
// Sync panics if the time base has not been initialized.
func Sync() SyncInfo {
	return SyncInfo(get().wall.Sub(time.Unix(0, 0)))
}

// SetSpeed sets the time scaling factor. A positive factor speeds the
// FEO clock up by multiplication, a negative factor slows it down by
// division; zero is rejected. The factor can be set at most once, and
// only before initialization.
func SetSpeed(f int) {
	if f == 0 {
		panic(`timebase: speed factor must be nonzero`)
	}
	if startup.Load() != nil {
		panic(`timebase: speed must be set before initialization`)
	}
	if !speedSet.CompareAndSwap(false, true) {
		panic(`timebase: speed can be set only once`)
	}
	factor.Store(int64(f))
}

// Speed returns the scaling factor, or 0 if no scaling is configured.
func Speed() int { return int(factor.Load()) }

// Scaled converts a duration on the FEO clock into the duration that
// must elapse on the unscaled OS clock for the same amount of FEO time
// to pass. Sleeps and deadlines use the OS clock, so cycle pacing
// passes its budget through Scaled.
func Scaled(d time.Duration) time.Duration {
	switch f := factor.Load(); {
	case f > 0:
		return d / time.Duration(f)
	case f < 0:
		return d * time.Duration(-f)
	default:
		return d
	}
}

// scale converts an unscaled OS-clock duration to the FEO clock.
func scale(d time.Duration) time.Duration {
	switch f := factor.Load(); {
	case f > 0:
		return d * time.Duration(f)
	case f < 0:
		return d / time.Duration(-f)
	default:
		return d
	}
}

// Nanos returns the timestamp as nanoseconds, as transmitted on the
// wire.
func (x Timestamp) Nanos() uint64 { return uint64(time.Duration(x)) }

// TimestampFromNanos converts wire nanoseconds to a Timestamp.
func TimestampFromNanos(ns uint64) Timestamp { return Timestamp(ns) }

// Nanos returns the sync info as nanoseconds since the Unix epoch, as
// transmitted on the wire.
func (x SyncInfo) Nanos() uint64 { return uint64(time.Duration(x)) }

// SyncInfoFromNanos converts wire nanoseconds to a SyncInfo.
func SyncInfoFromNanos(ns uint64) SyncInfo { return SyncInfo(ns) }

// String implements fmt.Stringer, using the duration formatting.
func (x Timestamp) String() string { return time.Duration(x).String() }
