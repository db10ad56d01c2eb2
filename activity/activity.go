// Package activity defines the unit of cyclic work executed by the FEO
// runtime: a value with a stable identity and a startup/step/shutdown
// lifecycle, pinned to exactly one worker for its lifetime.
package activity

import "strconv"

type (
	// ID identifies an activity. IDs share a single namespace across the
	// whole deployment, distinct from agent and worker IDs.
	ID uint64

	// Activity is implemented by any unit of work intended to run in a
	// worker pool. Implementations are owned by exactly one worker
	// goroutine and are never called concurrently.
	Activity interface {
		// ID returns the ID of the activity, as provided to the Builder.
		ID() ID

		// Startup is called exactly once, before the first Step.
		Startup()

		// Step is called once per task chain cycle.
		Step()

		// Shutdown is reserved for orderly teardown. It is part of the
		// signal vocabulary but is currently never triggered by the
		// scheduler.
		Shutdown()
	}

	// Builder constructs an activity with the given ID. Builders run on
	// the owning worker's goroutine, so activities need not be safe to
	// move between goroutines after construction.
	Builder func(ID) Activity

	// IDAndBuilder couples an ID with the Builder used to construct the
	// corresponding activity.
	IDAndBuilder struct {
		ID      ID
		Builder Builder
	}
)

// String implements fmt.Stringer, e.g. "T3".
func (x ID) String() string { return `T` + strconv.FormatUint(uint64(x), 10) }
