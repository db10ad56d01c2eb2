// Package configuration describes a static FEO deployment: which agent
// and worker executes each activity, the dependency graph driving the
// scheduler, the recorder set, and the cycle pacing. Deployments are
// declared in code or loaded from TOML, validated once at startup, and
// read-only afterwards.
package configuration

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/qorix-group/inc-feo/activity"
	"github.com/qorix-group/inc-feo/agent"
	"github.com/qorix-group/inc-feo/signalling"
	"github.com/qorix-group/inc-feo/workerpool"
)

type (
	// Worker assigns an ordered sequence of activities to one worker of
	// one agent.
	Worker struct {
		ID         workerpool.WorkerID
		Agent      signalling.AgentID
		Activities []activity.ID
	}

	// Dependency lists the activities one activity waits for. The slice
	// order across a Deployment's Dependencies is the scheduler's
	// dispatch evaluation order.
	Dependency struct {
		Activity  activity.ID
		DependsOn []activity.ID
	}

	// Deployment is the static description of a whole FEO system.
	Deployment struct {
		// Bind is the primary agent's listen address.
		Bind string

		// CycleTime is the target task chain cycle duration.
		CycleTime time.Duration

		// Workers assigns every activity of the deployment.
		Workers []Worker

		// Dependencies covers every activity, in dispatch order.
		Dependencies []Dependency

		// Recorders lists attached recorder agents, possibly empty.
		Recorders []signalling.AgentID
	}
)

// ErrInvalidDeployment is wrapped by all Validate failures.
var ErrInvalidDeployment = errors.New(`configuration: invalid deployment`)

// Validate checks the deployment for structural errors: duplicate
// worker or activity IDs, workers without activities, dependency
// entries for (or on) unassigned activities, self-dependencies,
// missing dependency entries, dependency cycles, and recorder IDs
// colliding with agent IDs.
func (x *Deployment) Validate() error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf(`%w: %s`, ErrInvalidDeployment, fmt.Sprintf(format, args...))
	}

	if x.Bind == `` {
		return fail(`missing bind address`)
	}
	if x.CycleTime <= 0 {
		return fail(`cycle time must be positive`)
	}
	if len(x.Workers) == 0 {
		return fail(`no workers declared`)
	}

	assigned := make(map[activity.ID]signalling.AgentID)
	type workerKey struct {
		agent  signalling.AgentID
		worker workerpool.WorkerID
	}
	workers := make(map[workerKey]struct{})
	for _, w := range x.Workers {
		key := workerKey{w.Agent, w.ID}
		if _, ok := workers[key]; ok {
			return fail(`duplicate worker %s on agent %s`, w.ID, w.Agent)
		}
		workers[key] = struct{}{}
		if len(w.Activities) == 0 {
			return fail(`worker %s on agent %s has no activities`, w.ID, w.Agent)
		}
		for _, id := range w.Activities {
			if _, ok := assigned[id]; ok {
				return fail(`duplicate activity %s in assignment list`, id)
			}
			assigned[id] = w.Agent
		}
	}

	agents := x.AgentIDs()
	seenRecorders := make(map[signalling.AgentID]struct{}, len(x.Recorders))
	for _, id := range x.Recorders {
		if slices.Contains(agents, id) {
			return fail(`recorder id %s collides with an agent id`, id)
		}
		if _, ok := seenRecorders[id]; ok {
			return fail(`duplicate recorder id %s`, id)
		}
		seenRecorders[id] = struct{}{}
	}

	depends := make(map[activity.ID][]activity.ID, len(x.Dependencies))
	for _, d := range x.Dependencies {
		if _, ok := assigned[d.Activity]; !ok {
			return fail(`dependency entry for unassigned activity %s`, d.Activity)
		}
		if _, ok := depends[d.Activity]; ok {
			return fail(`duplicate dependency entry for activity %s`, d.Activity)
		}
		for _, dep := range d.DependsOn {
			if dep == d.Activity {
				return fail(`activity %s must not depend on itself`, d.Activity)
			}
			if _, ok := assigned[dep]; !ok {
				return fail(`activity %s depends on unassigned activity %s`, d.Activity, dep)
			}
		}
		depends[d.Activity] = d.DependsOn
	}
	for id := range assigned {
		if _, ok := depends[id]; !ok {
			return fail(`activity %s has no dependency entry`, id)
		}
	}

	if cycle := findCycle(depends); cycle != nil {
		return fail(`dependency cycle involving activity %s`, cycle[0])
	}

	return nil
}

// findCycle returns some activities on a dependency cycle, or nil.
func findCycle(depends map[activity.ID][]activity.ID) []activity.ID {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[activity.ID]int, len(depends))
	var stack []activity.ID

	var visit func(id activity.ID) bool
	visit = func(id activity.ID) bool {
		switch state[id] {
		case visiting:
			stack = append(stack, id)
			return true
		case done:
			return false
		}
		state[id] = visiting
		for _, dep := range depends[id] {
			if visit(dep) {
				stack = append(stack, id)
				return true
			}
		}
		state[id] = done
		return false
	}

	ids := make([]activity.ID, 0, len(depends))
	for id := range depends {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		if visit(id) {
			return stack
		}
	}
	return nil
}

// AgentIDs returns the distinct agent IDs, in declaration order.
func (x *Deployment) AgentIDs() []signalling.AgentID {
	var ids []signalling.AgentID
	for _, w := range x.Workers {
		if !slices.Contains(ids, w.Agent) {
			ids = append(ids, w.Agent)
		}
	}
	return ids
}

// ActivityAssignments derives the activity routing table for the
// primary agent.
func (x *Deployment) ActivityAssignments() []agent.ActivityAssignment {
	var assignments []agent.ActivityAssignment
	for _, w := range x.Workers {
		for _, id := range w.Activities {
			assignments = append(assignments, agent.ActivityAssignment{
				Activity: id,
				Agent:    w.Agent,
				Worker:   w.ID,
			})
		}
	}
	return assignments
}

// AgentDependencies converts the dependency declaration for the
// primary agent, preserving order.
func (x *Deployment) AgentDependencies() []agent.Dependency {
	deps := make([]agent.Dependency, 0, len(x.Dependencies))
	for _, d := range x.Dependencies {
		deps = append(deps, agent.Dependency{Activity: d.Activity, DependsOn: slices.Clone(d.DependsOn)})
	}
	return deps
}

// PoolAssignments builds the worker pool assignment list for one agent,
// resolving each activity through the given builder registry. An error
// is returned if a builder is missing; an agent with no workers yields
// nil.
func (x *Deployment) PoolAssignments(id signalling.AgentID, builders map[activity.ID]activity.Builder) ([]workerpool.Assignment, error) {
	var assignments []workerpool.Assignment
	for _, w := range x.Workers {
		if w.Agent != id {
			continue
		}
		a := workerpool.Assignment{Worker: w.ID}
		for _, actID := range w.Activities {
			builder, ok := builders[actID]
			if !ok {
				return nil, fmt.Errorf(`configuration: no builder registered for activity %s`, actID)
			}
			a.Activities = append(a.Activities, activity.IDAndBuilder{ID: actID, Builder: builder})
		}
		assignments = append(assignments, a)
	}
	return assignments, nil
}

// PrimaryConfig assembles the primary agent's configuration for the
// given deployment. The pool and ready channel ends are created by the
// caller (see also NewReadyChannel).
func (x *Deployment) PrimaryConfig(id signalling.AgentID, pool *workerpool.Pool, readySender signalling.Sender, readyReceiver signalling.Receiver) agent.PrimaryConfig {
	return agent.PrimaryConfig{
		ID:            id,
		Bind:          x.Bind,
		CycleTime:     x.CycleTime,
		Assignments:   x.ActivityAssignments(),
		Dependencies:  x.AgentDependencies(),
		Recorders:     slices.Clone(x.Recorders),
		Pool:          pool,
		ReadySender:   readySender,
		ReadyReceiver: readyReceiver,
	}
}

// NewReadyChannel creates the intra-process ready channel shared by a
// local worker pool and (on the primary) the remote relay.
func NewReadyChannel() (signalling.ChanSender, *signalling.ChanReceiver) {
	return signalling.Channel(readyChannelBuffer)
}

// readyChannelBuffer decouples ready producers from the scheduler. At
// most one ready per activity plus one per recorder is in flight per
// cycle; 1024 covers any plausible deployment.
const readyChannelBuffer = 1024
