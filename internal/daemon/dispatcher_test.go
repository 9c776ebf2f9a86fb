package daemon

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/droverhq/drover/internal/engine"
	"github.com/droverhq/drover/internal/events"
	"github.com/droverhq/drover/internal/metrics"
	"github.com/droverhq/drover/internal/model"
	"github.com/droverhq/drover/internal/queue"
	"github.com/droverhq/drover/internal/run"
	"github.com/droverhq/drover/internal/store"
)

// fakeEngine is a scriptable engine client. Dispatch outcomes are keyed by
// machine ID; unlisted machines accept.
type fakeEngine struct {
	depths     map[string]int
	depthErr   map[string]error
	dispatchTo map[string]error
	dispatched []string
}

func (f *fakeEngine) QueueDepth(ctx context.Context, m *model.Machine) (int, error) {
	if err, ok := f.depthErr[m.ID]; ok {
		return 0, err
	}
	return f.depths[m.ID], nil
}

func (f *fakeEngine) Dispatch(ctx context.Context, m *model.Machine, r *model.WorkflowRun) error {
	if err, ok := f.dispatchTo[m.ID]; ok {
		return err
	}
	f.dispatched = append(f.dispatched, m.ID)
	return nil
}

type dispatchEnv struct {
	store      *store.BadgerStore
	counter    *queue.Counter
	engine     *fakeEngine
	runs       *run.Manager
	dispatcher *Dispatcher
}

func newDispatchEnv(t *testing.T, maxAttempts int) *dispatchEnv {
	t.Helper()
	st, err := store.NewInMemoryStore()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	log := zap.NewNop().Sugar()
	m := metrics.New()
	bus := events.NewBus(100)
	t.Cleanup(bus.Close)

	counter := queue.NewCounter(st, m, log)
	eng := &fakeEngine{
		depths:     map[string]int{},
		depthErr:   map[string]error{},
		dispatchTo: map[string]error{},
	}
	runs := run.NewManager(st, counter, bus, m, log)
	d := NewDispatcher(
		st, counter, eng, runs, bus, m,
		func() time.Duration { return time.Second },
		func() int { return maxAttempts },
		log,
	)
	return &dispatchEnv{store: st, counter: counter, engine: eng, runs: runs, dispatcher: d}
}

func (e *dispatchEnv) saveMachine(t *testing.T, id string, count, max int) {
	t.Helper()
	err := e.store.SaveMachine(context.Background(), &model.Machine{
		ID:           id,
		Name:         id,
		Scope:        model.UserScope("u1"),
		MaxQueueSize: max,
		QueueCount:   count,
		CreatedAt:    time.Now().UTC(),
	})
	require.NoError(t, err)
}

func (e *dispatchEnv) createRun(t *testing.T, target model.Target) *model.WorkflowRun {
	t.Helper()
	r, err := e.runs.Create(context.Background(), model.Identity{UserID: "u1"}, "wfv_1", target)
	require.NoError(t, err)
	return r
}

func (e *dispatchEnv) getRun(t *testing.T, id string) *model.WorkflowRun {
	t.Helper()
	r, err := e.store.GetRun(context.Background(), id)
	require.NoError(t, err)
	return r
}

func (e *dispatchEnv) queueCount(t *testing.T, machineID string) int {
	t.Helper()
	m, err := e.store.GetMachine(context.Background(), machineID)
	require.NoError(t, err)
	return m.QueueCount
}

func TestDispatchToMachine(t *testing.T) {
	e := newDispatchEnv(t, 3)
	e.saveMachine(t, "mach_a", 0, 0)
	r := e.createRun(t, model.Target{MachineID: "mach_a"})

	n := e.dispatcher.DispatchPending(context.Background())
	assert.Equal(t, 1, n)

	got := e.getRun(t, r.ID)
	assert.Equal(t, "mach_a", got.MachineID)
	assert.Equal(t, 1, e.queueCount(t, "mach_a"))
	assert.Equal(t, []string{"mach_a"}, e.engine.dispatched)
}

func TestDispatchPicksLeastLoaded(t *testing.T) {
	e := newDispatchEnv(t, 3)
	e.saveMachine(t, "mach_a", 5, 0)
	e.saveMachine(t, "mach_b", 2, 0)
	e.saveMachine(t, "mach_c", 7, 0)
	ctx := context.Background()

	g := &model.MachineGroup{ID: "grp_1", Name: "pool", Scope: model.UserScope("u1"), CreatedAt: time.Now().UTC()}
	require.NoError(t, e.store.SaveGroup(ctx, g))
	for _, id := range []string{"mach_a", "mach_b", "mach_c"} {
		_, err := e.store.AddGroupMember(ctx, "grp_1", id)
		require.NoError(t, err)
	}

	r := e.createRun(t, model.Target{GroupID: "grp_1"})
	n := e.dispatcher.DispatchPending(ctx)
	assert.Equal(t, 1, n)

	got := e.getRun(t, r.ID)
	assert.Equal(t, "mach_b", got.MachineID)
	assert.Equal(t, 3, e.queueCount(t, "mach_b"))
}

func TestDispatchSkipsFullMachine(t *testing.T) {
	e := newDispatchEnv(t, 3)
	e.saveMachine(t, "mach_a", 2, 2) // at capacity
	e.saveMachine(t, "mach_b", 3, 0)
	ctx := context.Background()

	g := &model.MachineGroup{ID: "grp_1", Name: "pool", Scope: model.UserScope("u1"), CreatedAt: time.Now().UTC()}
	require.NoError(t, e.store.SaveGroup(ctx, g))
	for _, id := range []string{"mach_a", "mach_b"} {
		_, err := e.store.AddGroupMember(ctx, "grp_1", id)
		require.NoError(t, err)
	}

	r := e.createRun(t, model.Target{GroupID: "grp_1"})
	n := e.dispatcher.DispatchPending(ctx)
	assert.Equal(t, 1, n)

	got := e.getRun(t, r.ID)
	assert.Equal(t, "mach_b", got.MachineID)
	assert.Equal(t, 2, e.queueCount(t, "mach_a"))
	assert.Equal(t, 4, e.queueCount(t, "mach_b"))
}

func TestDispatchFailureCompensatesCounter(t *testing.T) {
	e := newDispatchEnv(t, 3)
	e.saveMachine(t, "mach_a", 0, 0)
	e.engine.dispatchTo["mach_a"] = errors.New("connection refused")

	r := e.createRun(t, model.Target{MachineID: "mach_a"})
	n := e.dispatcher.DispatchPending(context.Background())
	assert.Equal(t, 0, n)

	got := e.getRun(t, r.ID)
	assert.Empty(t, got.MachineID, "failed delivery must unassign the run")
	assert.Equal(t, 1, got.DispatchAttempts)
	assert.Contains(t, got.LastDispatchError, "connection refused")
	assert.Equal(t, 0, e.queueCount(t, "mach_a"), "counter must be compensated")
	assert.Equal(t, model.RunStatusNotStarted, got.Status)
}

func TestDispatchExhaustionFailsRun(t *testing.T) {
	e := newDispatchEnv(t, 2)
	e.saveMachine(t, "mach_a", 0, 0)
	e.engine.dispatchTo["mach_a"] = errors.New("connection refused")

	r := e.createRun(t, model.Target{MachineID: "mach_a"})
	ctx := context.Background()

	e.dispatcher.DispatchPending(ctx)
	assert.Equal(t, model.RunStatusNotStarted, e.getRun(t, r.ID).Status)

	e.dispatcher.DispatchPending(ctx)
	got := e.getRun(t, r.ID)
	assert.Equal(t, model.RunStatusFailed, got.Status)
	assert.Equal(t, 2, got.DispatchAttempts)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, 0, e.queueCount(t, "mach_a"))
}

func TestDispatchFallsBackToNextCandidate(t *testing.T) {
	e := newDispatchEnv(t, 5)
	e.saveMachine(t, "mach_a", 0, 0)
	e.saveMachine(t, "mach_b", 1, 0)
	e.engine.dispatchTo["mach_a"] = errors.New("connection refused")
	ctx := context.Background()

	g := &model.MachineGroup{ID: "grp_1", Name: "pool", Scope: model.UserScope("u1"), CreatedAt: time.Now().UTC()}
	require.NoError(t, e.store.SaveGroup(ctx, g))
	for _, id := range []string{"mach_a", "mach_b"} {
		_, err := e.store.AddGroupMember(ctx, "grp_1", id)
		require.NoError(t, err)
	}

	r := e.createRun(t, model.Target{GroupID: "grp_1"})
	n := e.dispatcher.DispatchPending(ctx)
	assert.Equal(t, 1, n)

	got := e.getRun(t, r.ID)
	assert.Equal(t, "mach_b", got.MachineID)
	assert.Equal(t, 1, got.DispatchAttempts)
	assert.Equal(t, 0, e.queueCount(t, "mach_a"))
	assert.Equal(t, 2, e.queueCount(t, "mach_b"))
}

func TestDispatchIgnoresForeignScopeMachines(t *testing.T) {
	e := newDispatchEnv(t, 3)
	ctx := context.Background()
	require.NoError(t, e.store.SaveMachine(ctx, &model.Machine{
		ID:        "mach_other",
		Name:      "other",
		Scope:     model.UserScope("u2"),
		CreatedAt: time.Now().UTC(),
	}))

	r := e.createRun(t, model.Target{MachineID: "mach_other"})
	n := e.dispatcher.DispatchPending(ctx)
	assert.Equal(t, 0, n)

	got := e.getRun(t, r.ID)
	assert.Empty(t, got.MachineID)
	assert.Equal(t, model.RunStatusNotStarted, got.Status)
}

func TestDispatchOrderIsOldestFirst(t *testing.T) {
	e := newDispatchEnv(t, 3)
	ctx := context.Background()
	e.saveMachine(t, "mach_a", 0, 1) // room for exactly one

	first := &model.WorkflowRun{
		ID:                "run_0000000001_aaaaaaaa",
		WorkflowVersionID: "wfv_1",
		Scope:             model.UserScope("u1"),
		Target:            model.Target{MachineID: "mach_a"},
		Status:            model.RunStatusNotStarted,
		CreatedAt:         time.Now().UTC().Add(-time.Hour),
	}
	require.NoError(t, e.store.SaveRun(ctx, first))
	second := e.createRun(t, model.Target{MachineID: "mach_a"})

	n := e.dispatcher.DispatchPending(ctx)
	assert.Equal(t, 1, n)
	assert.Equal(t, "mach_a", e.getRun(t, first.ID).MachineID)
	assert.Empty(t, e.getRun(t, second.ID).MachineID)
}

var _ engine.Client = (*fakeEngine)(nil)
