package agent

import (
	"fmt"
	"slices"
	"time"

	"github.com/qorix-group/inc-feo/activity"
	"github.com/qorix-group/inc-feo/feolog"
	"github.com/qorix-group/inc-feo/signalling"
	"github.com/qorix-group/inc-feo/timebase"
	"github.com/qorix-group/inc-feo/workerpool"
)

type (
	// ActivityAssignment maps one activity to the agent and worker
	// executing it.
	ActivityAssignment struct {
		Activity activity.ID
		Agent    signalling.AgentID
		Worker   workerpool.WorkerID
	}

	// Dependency lists the activities one activity waits for. The order
	// of Dependency values given to the primary is the order activities
	// are evaluated for dispatch in; ties among simultaneously
	// unblocked activities dispatch in that order.
	Dependency struct {
		Activity  activity.ID
		DependsOn []activity.ID
	}

	// PrimaryConfig models the primary agent configuration, for
	// NewPrimary. The static deployment description is usually derived
	// via the configuration package.
	PrimaryConfig struct {
		// ID is this agent's ID.
		ID signalling.AgentID

		// Bind is the TCP address to listen on for connections from
		// secondary agents and recorders.
		Bind string

		// CycleTime is the target duration of one task chain cycle, on
		// the FEO clock.
		// **Defaults to DefaultCycleTime, if 0.**
		CycleTime time.Duration

		// Assignments maps every activity of the deployment to its agent
		// and worker.
		Assignments []ActivityAssignment

		// Dependencies holds, for every activity, the set of activities
		// it depends on, in dispatch evaluation order.
		Dependencies []Dependency

		// Recorders lists the agent IDs of attached recorder processes,
		// possibly empty.
		Recorders []signalling.AgentID

		// Pool is the optional local worker pool.
		Pool *workerpool.Pool

		// ReadySender and ReadyReceiver are the two ends of the
		// intra-process ready channel. The sender is shared by the local
		// worker pool and the remote relay; the receiver is drained
		// exclusively by the scheduler.
		ReadySender   signalling.Sender
		ReadyReceiver signalling.Receiver
	}

	// Primary is the primary FEO agent. Create with NewPrimary; Run
	// never returns except on a fatal error.
	Primary struct {
		scheduler scheduler
	}

	// activityState tracks per-cycle dispatch progress. Both flags are
	// false at cycle start and true for every activity at cycle end;
	// ready implies triggered.
	activityState struct {
		triggered bool
		ready     bool
	}

	// scheduler drives the task chain across all connected agents.
	scheduler struct {
		cycleTime time.Duration
		depends   []Dependency
		states    map[activity.ID]*activityState
		conn      connector
	}
)

// DefaultCycleTime is the task chain cycle duration used when none is
// configured.
const DefaultCycleTime = 5 * time.Second

// NewPrimary validates the configuration and creates the primary
// agent. Configuration errors panic; the process must not reach the
// run loop with an inconsistent deployment.
func NewPrimary(config PrimaryConfig) *Primary {
	if config.Bind == `` {
		panic(`agent: missing bind address`)
	}
	if config.ReadySender == nil || config.ReadyReceiver == nil {
		panic(`agent: missing intra-process ready channel`)
	}
	if len(config.Assignments) == 0 {
		panic(`agent: no activities assigned`)
	}
	if config.CycleTime == 0 {
		config.CycleTime = DefaultCycleTime
	}

	assigned := make(map[activity.ID]ActivityAssignment, len(config.Assignments))
	for _, a := range config.Assignments {
		if _, ok := assigned[a.Activity]; ok {
			panic(fmt.Sprintf(`agent: duplicate activity %s in assignment list`, a.Activity))
		}
		assigned[a.Activity] = a
		if a.Agent == config.ID && config.Pool == nil {
			panic(`agent: local worker pool is missing`)
		}
	}

	states := make(map[activity.ID]*activityState, len(config.Dependencies))
	for _, d := range config.Dependencies {
		if _, ok := assigned[d.Activity]; !ok {
			panic(fmt.Sprintf(`agent: dependency entry for unassigned activity %s`, d.Activity))
		}
		if _, ok := states[d.Activity]; ok {
			panic(fmt.Sprintf(`agent: duplicate dependency entry for activity %s`, d.Activity))
		}
		for _, dep := range d.DependsOn {
			if dep == d.Activity {
				panic(fmt.Sprintf(`agent: activity %s must not depend on itself`, d.Activity))
			}
			if _, ok := assigned[dep]; !ok {
				panic(fmt.Sprintf(`agent: activity %s depends on unassigned activity %s`, d.Activity, dep))
			}
		}
		states[d.Activity] = &activityState{}
	}
	for id := range assigned {
		if _, ok := states[id]; !ok {
			panic(fmt.Sprintf(`agent: activity %s has no dependency entry`, id))
		}
	}

	// IDs of all expected secondary agents, in assignment order.
	var secondaries []signalling.AgentID
	for _, a := range config.Assignments {
		if a.Agent != config.ID && !slices.Contains(secondaries, a.Agent) {
			secondaries = append(secondaries, a.Agent)
		}
	}

	recordersReady := make(map[signalling.AgentID]bool, len(config.Recorders))
	for _, id := range config.Recorders {
		recordersReady[id] = false
	}

	return &Primary{scheduler: scheduler{
		cycleTime: config.CycleTime,
		depends:   config.Dependencies,
		states:    states,
		conn: connector{
			localID:        config.ID,
			bind:           config.Bind,
			assigned:       assigned,
			secondaries:    secondaries,
			recorders:      slices.Clone(config.Recorders),
			recordersReady: recordersReady,
			pool:           config.Pool,
			readySender:    config.ReadySender,
			readyReceiver:  config.ReadyReceiver,
		},
	}}
}

// Run initializes the local time base, gathers all expected remote
// connections, synchronizes time, starts every activity, and then
// cycles the task chain forever. It returns only on a fatal error
// (bind failure, peer handshake failure, or peer disconnect).
func (x *Primary) Run() error {
	timebase.Initialize()

	if err := x.scheduler.conn.connectRemotes(); err != nil {
		return err
	}
	if err := x.scheduler.conn.syncRemotes(); err != nil {
		return err
	}
	feolog.L().Info().Log(`time synchronization of remote agents done`)

	if err := x.scheduler.startupPhase(); err != nil {
		return err
	}

	for {
		if err := x.scheduler.runCycle(); err != nil {
			return err
		}
	}
}

// startupPhase triggers startup on all activities, sorted by ID, and
// blocks until every activity has signalled ready once. Actual startup
// may complete in a different order, depending on worker assignment.
func (x *scheduler) startupPhase() error {
	ids := make([]activity.ID, 0, len(x.states))
	for id := range x.states {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	for _, id := range ids {
		if err := x.conn.startupActivity(id); err != nil {
			return err
		}
	}

	for !x.allReady() {
		if err := x.waitNextReady(); err != nil {
			return err
		}
	}
	feolog.L().Info().Int(`activities`, len(ids)).Log(`startup phase complete`)
	return nil
}

// runCycle executes one task chain: emits the start marker, dispatches
// every activity as its dependencies become ready, emits the end
// marker, waits out the recorder fence, and sleeps the remaining cycle
// budget. Overruns are logged and not slept.
func (x *scheduler) runCycle() error {
	start := time.Now()

	x.conn.recordTaskChainStart()

	for _, state := range x.states {
		state.triggered = false
		state.ready = false
	}

	feolog.L().Debug().Log(`starting task chain`)

	for !x.allReady() {
		if err := x.stepEachUnblocked(); err != nil {
			return err
		}
		if err := x.waitNextReady(); err != nil {
			return err
		}
	}

	flushStart := time.Now()
	x.conn.recordTaskChainEnd()
	if err := x.conn.waitRecordersReady(); err != nil {
		return err
	}
	if len(x.conn.recorders) > 0 {
		feolog.L().Trace().Dur(`duration`, time.Since(flushStart)).Log(`flushed recorders`)
	}

	// Pacing runs on the unscaled OS clock; the logical cycle time is
	// converted once.
	budget := timebase.Scaled(x.cycleTime)
	elapsed := time.Since(start)
	if remaining := budget - elapsed; remaining > 0 {
		feolog.L().Debug().Dur(`elapsed`, elapsed).Dur(`sleep`, remaining).Log(`finished task chain`)
		time.Sleep(remaining)
	} else {
		feolog.L().Err().Dur(`elapsed`, elapsed).Dur(`budget`, budget).Log(`task chain overran its cycle time`)
	}
	return nil
}

// stepEachUnblocked dispatches a step to every untriggered activity
// whose dependencies have all signalled ready, in dependency map
// insertion order. Activities without dependencies dispatch in the
// first pass of every cycle.
func (x *scheduler) stepEachUnblocked() error {
	for _, d := range x.depends {
		if x.states[d.Activity].triggered {
			continue
		}
		unblocked := true
		for _, dep := range d.DependsOn {
			if !x.states[dep].ready {
				unblocked = false
				break
			}
		}
		if unblocked {
			if err := x.conn.stepActivity(d.Activity); err != nil {
				return err
			}
			x.states[d.Activity].triggered = true
		}
	}
	return nil
}

// waitNextReady blocks for the next ready signal, mirrors it to the
// recorders, and marks the activity. Signals of any other kind on the
// ready channel are logged and dropped.
func (x *scheduler) waitNextReady() error {
	for {
		signal, err := x.conn.readyReceiver.Recv()
		if err != nil {
			return fmt.Errorf(`agent: failed while waiting for ready signal: %w`, err)
		}
		if signal.Kind() != signalling.KindReady {
			feolog.L().Err().Stringer(`signal`, signal).Log(`received unexpected signal while waiting for ready signal`)
			continue
		}
		id, _ := signal.ActivityID()
		state, ok := x.states[id]
		if !ok {
			feolog.L().Err().Stringer(`activity`, id).Log(`received ready signal for unknown activity`)
			continue
		}
		x.conn.recordSignal(signal)
		state.ready = true
		return nil
	}
}

func (x *scheduler) allReady() bool {
	for _, state := range x.states {
		if !state.ready {
			return false
		}
	}
	return true
}
