package workerpool

import (
	"fmt"
	"slices"

	"github.com/qorix-group/inc-feo/activity"
	"github.com/qorix-group/inc-feo/signalling"
)

type (
	// Assignment pins an ordered sequence of activities to one worker.
	Assignment struct {
		Worker     WorkerID
		Activities []activity.IDAndBuilder
	}

	// Pool owns a set of workers and exposes the trigger side keyed by
	// activity ID. The ready side is whatever signalling.Sender the pool
	// was built with; use Listener to consume it.
	Pool struct {
		workers  []*Worker
		triggers map[activity.ID]signalling.ChanSender
		ids      []activity.ID
	}
)

// triggerBuffer bounds the per-worker trigger queue. The scheduler
// triggers each activity at most once per cycle, so the queue never
// holds more signals than the worker has activities; 16 is plenty.
const triggerBuffer = 16

// New creates the pool and spawns one worker thread per assignment.
//
// New panics on an empty assignment list, a worker without activities,
// or a duplicate worker or activity ID; these are configuration errors.
func New(assignments []Assignment, ready signalling.Sender) *Pool {
	if len(assignments) == 0 {
		panic(`workerpool: cannot create worker pool from empty configuration`)
	}

	x := Pool{
		triggers: make(map[activity.ID]signalling.ChanSender),
	}
	seenWorkers := make(map[WorkerID]struct{}, len(assignments))
	for _, a := range assignments {
		if len(a.Activities) == 0 {
			panic(fmt.Sprintf(`workerpool: worker %s has no activities assigned`, a.Worker))
		}
		if _, ok := seenWorkers[a.Worker]; ok {
			panic(fmt.Sprintf(`workerpool: duplicate worker %s in assignment list`, a.Worker))
		}
		seenWorkers[a.Worker] = struct{}{}

		sender, receiver := signalling.Channel(triggerBuffer)
		for _, b := range a.Activities {
			if _, ok := x.triggers[b.ID]; ok {
				panic(fmt.Sprintf(`workerpool: duplicate activity %s in assignment list`, b.ID))
			}
			x.triggers[b.ID] = sender
			x.ids = append(x.ids, b.ID)
		}

		x.workers = append(x.workers, newWorker(a.Worker, a.Activities, receiver, ready))
	}

	slices.Sort(x.ids)
	return &x
}

// Trigger routes the signal to the worker owning the target activity.
// It panics if the signal does not address an activity, or addresses an
// unknown one; both are contract violations by the caller.
func (x *Pool) Trigger(signal signalling.Signal) {
	id, ok := signal.ActivityID()
	if !ok {
		panic(fmt.Sprintf(`workerpool: received unexpected trigger signal %s`, signal))
	}
	sender, ok := x.triggers[id]
	if !ok {
		panic(fmt.Sprintf(`workerpool: failed to trigger unknown activity %s`, id))
	}
	if err := sender.Send(signal); err != nil {
		panic(fmt.Sprintf(`workerpool: failed to transmit %s to worker: %v`, signal, err))
	}
}

// ActivityIDs returns the IDs of all activities in the pool, ascending.
func (x *Pool) ActivityIDs() []activity.ID {
	return slices.Clone(x.ids)
}

// Listener creates a listener consuming the pool's ready signals from
// the given receiver (the receiving end of the channel the pool's ready
// sender feeds).
func (x *Pool) Listener(ready signalling.Receiver) *Listener {
	return newListener(x.ids, ready)
}
