package workerpool

import (
	"fmt"

	"github.com/qorix-group/inc-feo/activity"
	"github.com/qorix-group/inc-feo/signalling"
)

// Listener tracks which activities of a pool have signalled ready in
// the current cycle. It is the consuming counterpart of the pool's
// ready channel, used by secondary agents and by tests.
type Listener struct {
	ready map[activity.ID]bool
	recv  signalling.Receiver
}

func newListener(ids []activity.ID, recv signalling.Receiver) *Listener {
	ready := make(map[activity.ID]bool, len(ids))
	for _, id := range ids {
		ready[id] = false
	}
	return &Listener{ready: ready, recv: recv}
}

// WaitNextReady blocks until the next ready signal arrives, marks the
// activity, and returns its ID. Signals of any other kind are not
// expected on this channel and are skipped.
func (x *Listener) WaitNextReady() (activity.ID, error) {
	for {
		signal, err := x.recv.Recv()
		if err != nil {
			return 0, fmt.Errorf(`workerpool: failed to receive ready signal: %w`, err)
		}
		if signal.Kind() != signalling.KindReady {
			continue
		}
		id, _ := signal.ActivityID()
		x.ready[id] = true
		return id, nil
	}
}

// ClearReady resets all ready flags, between cycles.
func (x *Listener) ClearReady() {
	for id := range x.ready {
		x.ready[id] = false
	}
}

// IsReady reports whether the given activity has signalled ready since
// the last ClearReady.
func (x *Listener) IsReady(id activity.ID) bool { return x.ready[id] }

// AllReady reports whether every one of the given activities has
// signalled ready since the last ClearReady.
func (x *Listener) AllReady(ids []activity.ID) bool {
	for _, id := range ids {
		if !x.ready[id] {
			return false
		}
	}
	return true
}
