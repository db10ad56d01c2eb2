package agent

import (
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/qorix-group/inc-feo/activity"
	"github.com/qorix-group/inc-feo/signalling"
	"github.com/qorix-group/inc-feo/timebase"
	"github.com/qorix-group/inc-feo/workerpool"
)

func initTimebase(t *testing.T) {
	t.Helper()
	defer func() { recover() }() // already initialized by another test
	timebase.Initialize()
}

// callLog records the order of activity lifecycle invocations across
// all workers.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (x *callLog) append(s string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.calls = append(x.calls, s)
}

func (x *callLog) snapshot() []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]string(nil), x.calls...)
}

func (x *callLog) reset() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.calls = nil
}

func (x *callLog) indexOf(s string) int {
	for i, c := range x.snapshot() {
		if c == s {
			return i
		}
	}
	return -1
}

type loggedActivity struct {
	id    activity.ID
	log   *callLog
	delay time.Duration
}

func (x *loggedActivity) ID() activity.ID { return x.id }
func (x *loggedActivity) Startup()        { x.log.append(x.id.String() + `:startup`) }
func (x *loggedActivity) Shutdown()       { x.log.append(x.id.String() + `:shutdown`) }

func (x *loggedActivity) Step() {
	if x.delay > 0 {
		time.Sleep(x.delay)
	}
	x.log.append(x.id.String() + `:step`)
}

func logged(log *callLog, delay time.Duration) activity.Builder {
	return func(id activity.ID) activity.Activity {
		return &loggedActivity{id: id, log: log, delay: delay}
	}
}

// localPrimary builds a primary whose activities all live in a local
// pool on a single worker, connected through real channels, with the
// remote side empty. The scheduler is driven directly via its phases.
func localPrimary(t *testing.T, log *callLog, deps []Dependency, cycleTime, delay time.Duration) *Primary {
	t.Helper()
	initTimebase(t)

	readySender, readyReceiver := signalling.Channel(64)

	var builders []activity.IDAndBuilder
	var assignments []ActivityAssignment
	for _, d := range deps {
		builders = append(builders, activity.IDAndBuilder{ID: d.Activity, Builder: logged(log, delay)})
		assignments = append(assignments, ActivityAssignment{Activity: d.Activity, Agent: 100, Worker: 40})
	}
	pool := workerpool.New([]workerpool.Assignment{{Worker: 40, Activities: builders}}, readySender)

	primary := NewPrimary(PrimaryConfig{
		ID:            100,
		Bind:          `127.0.0.1:0`,
		CycleTime:     cycleTime,
		Assignments:   assignments,
		Dependencies:  deps,
		Pool:          pool,
		ReadySender:   readySender,
		ReadyReceiver: readyReceiver,
	})
	// No remotes: route everything locally.
	primary.scheduler.conn.triggers = signalling.NewMultiSender(nil)
	return primary
}

func TestScheduler_linearChain(t *testing.T) {
	var log callLog
	deps := []Dependency{
		{Activity: 1},
		{Activity: 2, DependsOn: []activity.ID{1}},
		{Activity: 3, DependsOn: []activity.ID{2}},
	}
	primary := localPrimary(t, &log, deps, 50*time.Millisecond, 0)

	require.NoError(t, primary.scheduler.startupPhase())
	require.ElementsMatch(t, []string{`T1:startup`, `T2:startup`, `T3:startup`}, log.snapshot())
	log.reset()

	for cycle := 0; cycle < 3; cycle++ {
		start := time.Now()
		require.NoError(t, primary.scheduler.runCycle())
		elapsed := time.Since(start)

		// Strict order: each step only after its dependency's ready.
		require.Equal(t, []string{`T1:step`, `T2:step`, `T3:step`}, log.snapshot())
		log.reset()

		// All activities ready at cycle end.
		for _, state := range primary.scheduler.states {
			require.True(t, state.ready)
			require.True(t, state.triggered)
		}

		// Cycle pacing, with generous slack for CI timers.
		require.GreaterOrEqual(t, elapsed, 45*time.Millisecond)
		require.Less(t, elapsed, 500*time.Millisecond)
	}
}

func TestScheduler_dispatchInsertionOrder(t *testing.T) {
	var log callLog
	// All roots: dispatch follows dependency map insertion order.
	deps := []Dependency{{Activity: 5}, {Activity: 3}, {Activity: 4}}
	primary := localPrimary(t, &log, deps, 10*time.Millisecond, 0)

	require.NoError(t, primary.scheduler.startupPhase())
	log.reset()
	require.NoError(t, primary.scheduler.runCycle())
	require.Equal(t, []string{`T5:step`, `T3:step`, `T4:step`}, log.snapshot())
}

func TestScheduler_forkJoin(t *testing.T) {
	var log callLog
	deps := []Dependency{
		{Activity: 0},
		{Activity: 1},
		{Activity: 2, DependsOn: []activity.ID{0, 1}},
		{Activity: 3, DependsOn: []activity.ID{2}},
		{Activity: 4, DependsOn: []activity.ID{2}},
	}
	primary := localPrimary(t, &log, deps, 10*time.Millisecond, 0)

	require.NoError(t, primary.scheduler.startupPhase())
	log.reset()
	require.NoError(t, primary.scheduler.runCycle())

	join := log.indexOf(`T2:step`)
	require.Greater(t, join, log.indexOf(`T0:step`))
	require.Greater(t, join, log.indexOf(`T1:step`))
	require.Greater(t, log.indexOf(`T3:step`), join)
	require.Greater(t, log.indexOf(`T4:step`), join)
	require.Len(t, log.snapshot(), 5)
}

func TestScheduler_overrunDoesNotSleep(t *testing.T) {
	var log callLog
	deps := []Dependency{{Activity: 0}}
	// The activity takes ~60ms against a 20ms budget.
	primary := localPrimary(t, &log, deps, 20*time.Millisecond, 60*time.Millisecond)

	require.NoError(t, primary.scheduler.startupPhase())

	start := time.Now()
	require.NoError(t, primary.scheduler.runCycle())
	elapsed := time.Since(start)

	// The cycle takes as long as the stall, with no additional sleep.
	require.GreaterOrEqual(t, elapsed, 60*time.Millisecond)
	require.Less(t, elapsed, 200*time.Millisecond)
}

func TestScheduler_recorderFence(t *testing.T) {
	var log callLog
	deps := []Dependency{{Activity: 0}}
	primary := localPrimary(t, &log, deps, 10*time.Millisecond, 0)

	// Attach a recorder over an in-process pipe.
	const recorderID signalling.AgentID = 900
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	conn := &primary.scheduler.conn
	conn.triggers = signalling.NewMultiSender(map[signalling.AgentID]io.Writer{recorderID: client})
	conn.recorders = []signalling.AgentID{recorderID}
	conn.recordersReady = map[signalling.AgentID]bool{recorderID: false}

	// Drain the recorder's stream, collecting the mirrored sequence.
	var mu sync.Mutex
	var mirrored []signalling.Kind
	go func() {
		receiver := signalling.NewStreamReceiver(server)
		for {
			signal, err := receiver.Recv()
			if err != nil {
				return
			}
			mu.Lock()
			mirrored = append(mirrored, signal.Kind())
			mu.Unlock()
		}
	}()

	require.NoError(t, primary.scheduler.startupPhase())

	const flushDelay = 50 * time.Millisecond
	fenceRelease := make(chan time.Time, 1)
	start := time.Now()
	go func() {
		// Emulate a recorder that flushes for a while after the cycle
		// end marker before acknowledging.
		time.Sleep(flushDelay)
		fenceRelease <- time.Now()
		_ = conn.readySender.Send(signalling.RecorderReady(recorderID, timebase.Now()))
	}()

	require.NoError(t, primary.scheduler.runCycle())
	released := <-fenceRelease
	require.True(t, released.Before(time.Now()))
	require.GreaterOrEqual(t, time.Since(start), flushDelay)

	// The recorder observed a total order: the startup phase's trigger
	// and ready, then start, the cycle's triggers and readies, then end.
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []signalling.Kind{
		signalling.KindStartup,
		signalling.KindReady,
		signalling.KindTaskChainStart,
		signalling.KindStep,
		signalling.KindReady,
		signalling.KindTaskChainEnd,
	}, mirrored)
}

func TestNewPrimary_configurationErrorsPanic(t *testing.T) {
	readySender, readyReceiver := signalling.Channel(1)
	valid := func() PrimaryConfig {
		return PrimaryConfig{
			ID:   100,
			Bind: `127.0.0.1:0`,
			Assignments: []ActivityAssignment{
				{Activity: 0, Agent: 101, Worker: 40},
				{Activity: 1, Agent: 101, Worker: 40},
			},
			Dependencies: []Dependency{
				{Activity: 0},
				{Activity: 1, DependsOn: []activity.ID{0}},
			},
			ReadySender:   readySender,
			ReadyReceiver: readyReceiver,
		}
	}

	require.NotNil(t, NewPrimary(valid()))
	require.Equal(t, DefaultCycleTime, NewPrimary(valid()).scheduler.cycleTime)

	for _, tc := range [...]struct {
		name   string
		mutate func(*PrimaryConfig)
	}{
		{`missing bind`, func(c *PrimaryConfig) { c.Bind = `` }},
		{`missing ready channel`, func(c *PrimaryConfig) { c.ReadySender = nil }},
		{`no activities`, func(c *PrimaryConfig) { c.Assignments = nil }},
		{`duplicate activity`, func(c *PrimaryConfig) {
			c.Assignments = append(c.Assignments, ActivityAssignment{Activity: 0, Agent: 101, Worker: 41})
		}},
		{`dependency on unassigned`, func(c *PrimaryConfig) {
			c.Dependencies[1].DependsOn = []activity.ID{9}
		}},
		{`self dependency`, func(c *PrimaryConfig) {
			c.Dependencies[1].DependsOn = []activity.ID{1}
		}},
		{`unassigned dependency entry`, func(c *PrimaryConfig) {
			c.Dependencies = append(c.Dependencies, Dependency{Activity: 9})
		}},
		{`missing dependency entry`, func(c *PrimaryConfig) {
			c.Dependencies = c.Dependencies[:1]
		}},
		{`local activities without pool`, func(c *PrimaryConfig) {
			c.Assignments[0].Agent = 100
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			config := valid()
			tc.mutate(&config)
			require.Panics(t, func() { NewPrimary(config) })
		})
	}
}
