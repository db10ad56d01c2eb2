// Package workerpool executes activities on dedicated OS threads,
// strictly driven by trigger signals from a scheduler.
//
// Each worker owns a fixed, ordered set of activities. It blocks on its
// trigger channel, invokes the matching lifecycle method, and emits a
// ready signal after every invocation, regardless of the activity's
// internal outcome.
package workerpool

import (
	"fmt"
	"runtime"
	"strconv"

	"github.com/qorix-group/inc-feo/activity"
	"github.com/qorix-group/inc-feo/feolog"
	"github.com/qorix-group/inc-feo/signalling"
	"github.com/qorix-group/inc-feo/timebase"
)

type (
	// WorkerID identifies a worker thread within its agent.
	WorkerID uint64

	// Worker is a thread executing the activities pinned to it. Workers
	// are created and owned by a Pool.
	Worker struct {
		id   WorkerID
		name string
	}
)

// String implements fmt.Stringer, e.g. "W40".
func (x WorkerID) String() string { return `W` + strconv.FormatUint(uint64(x), 10) }

// ID returns the worker's ID.
func (x *Worker) ID() WorkerID { return x.id }

// newWorker spawns the worker thread. Activities are built on the
// worker's own goroutine, so they never move between goroutines.
func newWorker(id WorkerID, builders []activity.IDAndBuilder, trigger signalling.Receiver, ready signalling.Sender) *Worker {
	w := Worker{id: id, name: `feo-w` + strconv.FormatUint(uint64(id), 10)}
	go w.run(builders, trigger, ready)
	return &w
}

func (x *Worker) run(builders []activity.IDAndBuilder, trigger signalling.Receiver, ready signalling.Sender) {
	// One OS thread per worker; activities run to completion on it.
	runtime.LockOSThread()

	activities := make(map[activity.ID]activity.Activity, len(builders))
	for _, b := range builders {
		activities[b.ID] = b.Builder(b.ID)
	}

	for {
		signal, err := trigger.Recv()
		if err != nil {
			panic(fmt.Sprintf(`workerpool: worker %s failed to receive trigger: %v`, x.id, err))
		}
		id, ok := signal.ActivityID()
		if !ok {
			panic(fmt.Sprintf(`workerpool: worker %s received unexpected signal %s`, x.id, signal))
		}
		act, ok := activities[id]
		if !ok {
			panic(fmt.Sprintf(`workerpool: worker %s received trigger %s for unknown activity %s`, x.id, signal, id))
		}

		switch signal.Kind() {
		case signalling.KindStartup:
			feolog.L().Debug().Stringer(`activity`, id).Str(`worker`, x.name).Log(`starting up activity`)
			act.Startup()
		case signalling.KindStep:
			feolog.L().Debug().Stringer(`activity`, id).Str(`worker`, x.name).Log(`stepping activity`)
			act.Step()
		case signalling.KindShutdown:
			feolog.L().Debug().Stringer(`activity`, id).Str(`worker`, x.name).Log(`shutting down activity`)
			act.Shutdown()
		default:
			panic(fmt.Sprintf(`workerpool: worker %s received unexpected trigger signal %s`, x.id, signal))
		}

		if err := ready.Send(signalling.Ready(id, timebase.Now())); err != nil {
			panic(fmt.Sprintf(`workerpool: worker %s failed to send ready for activity %s: %v`, x.id, id, err))
		}
	}
}
