package run

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/droverhq/drover/internal/events"
	"github.com/droverhq/drover/internal/metrics"
	"github.com/droverhq/drover/internal/model"
	"github.com/droverhq/drover/internal/queue"
	"github.com/droverhq/drover/internal/store"
)

type testEnv struct {
	manager *Manager
	counter *queue.Counter
	store   *store.BadgerStore
	bus     *events.Bus
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.NewInMemoryStore()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	log := zap.NewNop().Sugar()
	m := metrics.New()
	counter := queue.NewCounter(st, m, log)
	bus := events.NewBus(100)
	t.Cleanup(bus.Close)

	return &testEnv{
		manager: NewManager(st, counter, bus, m, log),
		counter: counter,
		store:   st,
		bus:     bus,
	}
}

func (e *testEnv) saveMachine(t *testing.T, id string, count int) {
	t.Helper()
	err := e.store.SaveMachine(context.Background(), &model.Machine{
		ID:         id,
		Name:       id,
		Scope:      model.UserScope("u1"),
		QueueCount: count,
		CreatedAt:  time.Now().UTC(),
	})
	require.NoError(t, err)
}

func (e *testEnv) queueCount(t *testing.T, machineID string) int {
	t.Helper()
	m, err := e.store.GetMachine(context.Background(), machineID)
	require.NoError(t, err)
	return m.QueueCount
}

func statusPtr(s model.RunStatus) *model.RunStatus { return &s }

func TestCreate(t *testing.T) {
	e := newTestEnv(t)
	identity := model.Identity{UserID: "u1"}

	r, err := e.manager.Create(context.Background(), identity, "wfv_1", model.Target{MachineID: "mach_1"})
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusNotStarted, r.Status)
	assert.Empty(t, r.MachineID)
	assert.Nil(t, r.CompletedAt)
	assert.Equal(t, model.UserScope("u1"), r.Scope)
}

func TestCreate_Validation(t *testing.T) {
	e := newTestEnv(t)
	identity := model.Identity{UserID: "u1"}
	ctx := context.Background()

	_, err := e.manager.Create(ctx, identity, "", model.Target{MachineID: "mach_1"})
	assert.Error(t, err, "missing workflow version")

	_, err = e.manager.Create(ctx, identity, "wfv_1", model.Target{})
	assert.Error(t, err, "missing target")

	_, err = e.manager.Create(ctx, identity, "wfv_1", model.Target{MachineID: "m", GroupID: "g"})
	assert.Error(t, err, "ambiguous target")
}

// The spec's core scenario: status walk with exactly-once decrement.
func TestUpdate_CompletionDecrementsExactlyOnce(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	identity := model.Identity{UserID: "u1"}

	e.saveMachine(t, "mach_1", 0)
	r, err := e.manager.Create(ctx, identity, "wfv_1", model.Target{MachineID: "mach_1"})
	require.NoError(t, err)

	// Dispatch accounting happens outside the lifecycle manager.
	_, err = e.counter.Increment(ctx, "mach_1")
	require.NoError(t, err)
	r.MachineID = "mach_1"
	require.NoError(t, e.store.SaveRun(ctx, r))

	// Non-terminal transition leaves the counter alone.
	require.NoError(t, e.manager.Update(ctx, r.ID, UpdateRequest{Status: statusPtr(model.RunStatusRunning)}))
	assert.Equal(t, 1, e.queueCount(t, "mach_1"))

	got, err := e.store.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, got.Status)
	assert.Nil(t, got.CompletedAt)

	// First terminal transition decrements and stamps completion.
	require.NoError(t, e.manager.Update(ctx, r.ID, UpdateRequest{Status: statusPtr(model.RunStatusSuccess)}))
	assert.Equal(t, 0, e.queueCount(t, "mach_1"))

	got, err = e.store.GetRun(ctx, r.ID)
	require.NoError(t, err)
	require.NotNil(t, got.CompletedAt)
	completedAt := *got.CompletedAt

	// Duplicate terminal callback: counter stays at 0, timestamp untouched.
	require.NoError(t, e.manager.Update(ctx, r.ID, UpdateRequest{Status: statusPtr(model.RunStatusSuccess)}))
	assert.Equal(t, 0, e.queueCount(t, "mach_1"))

	got, err = e.store.GetRun(ctx, r.ID)
	require.NoError(t, err)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.CompletedAt.Equal(completedAt), "completion timestamp must not be overwritten")
}

func TestUpdate_CompletionWithoutMachine(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	identity := model.Identity{UserID: "u1"}

	r, err := e.manager.Create(ctx, identity, "wfv_1", model.Target{MachineID: "mach_1"})
	require.NoError(t, err)

	// Failing an unassigned run must not touch any counter.
	require.NoError(t, e.manager.Update(ctx, r.ID, UpdateRequest{Status: statusPtr(model.RunStatusFailed)}))

	got, err := e.store.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, got.Status)
	assert.NotNil(t, got.CompletedAt)
}

func TestUpdate_OutputOnly(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	identity := model.Identity{UserID: "u1"}

	r, err := e.manager.Create(ctx, identity, "wfv_1", model.Target{MachineID: "mach_1"})
	require.NoError(t, err)

	require.NoError(t, e.manager.Update(ctx, r.ID, UpdateRequest{Output: json.RawMessage(`{"x":1}`)}))

	got, err := e.store.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusNotStarted, got.Status, "status unchanged by output-only update")

	outputs, err := e.manager.Outputs(ctx, identity, r.ID)
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	assert.JSONEq(t, `{"x":1}`, string(outputs[0].Data))
}

func TestUpdate_OutputAndStatusIndependent(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	identity := model.Identity{UserID: "u1"}

	r, err := e.manager.Create(ctx, identity, "wfv_1", model.Target{MachineID: "mach_1"})
	require.NoError(t, err)

	req := UpdateRequest{
		Status: statusPtr(model.RunStatusUploading),
		Output: json.RawMessage(`{"artifact":"a.tar"}`),
	}
	require.NoError(t, e.manager.Update(ctx, r.ID, req))

	got, err := e.store.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusUploading, got.Status)

	outputs, err := e.manager.Outputs(ctx, identity, r.ID)
	require.NoError(t, err)
	assert.Len(t, outputs, 1)
}

func TestUpdate_UnknownRun(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	err := e.manager.Update(ctx, "run_0000000001_ffffffff", UpdateRequest{Status: statusPtr(model.RunStatusRunning)})
	assert.ErrorIs(t, err, store.ErrNotFound)

	err = e.manager.Update(ctx, "run_0000000001_ffffffff", UpdateRequest{Output: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, store.ErrNotFound)

	err = e.manager.Update(ctx, "run_0000000001_ffffffff", UpdateRequest{})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdate_PublishesCompletionOnce(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	identity := model.Identity{UserID: "u1"}

	completed := make(chan events.Event, 8)
	e.bus.Subscribe(events.EventRunCompleted, func(ev events.Event) {
		completed <- ev
	})

	r, err := e.manager.Create(ctx, identity, "wfv_1", model.Target{MachineID: "mach_1"})
	require.NoError(t, err)

	require.NoError(t, e.manager.Update(ctx, r.ID, UpdateRequest{Status: statusPtr(model.RunStatusSuccess)}))
	require.NoError(t, e.manager.Update(ctx, r.ID, UpdateRequest{Status: statusPtr(model.RunStatusSuccess)}))

	select {
	case <-completed:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a run_completed event")
	}
	select {
	case ev := <-completed:
		t.Fatalf("duplicate run_completed event: %v", ev.Data)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestGet_ScopeMismatchReadsAsNotFound(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	owner := model.Identity{UserID: "u1"}
	stranger := model.Identity{UserID: "u2"}

	r, err := e.manager.Create(ctx, owner, "wfv_1", model.Target{MachineID: "mach_1"})
	require.NoError(t, err)

	_, err = e.manager.Get(ctx, stranger, r.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	err = e.manager.Delete(ctx, stranger, r.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	runs, err := e.manager.List(ctx, stranger)
	require.NoError(t, err)
	assert.Empty(t, runs)

	runs, err = e.manager.List(ctx, owner)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestDelete_CascadesOutputs(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	identity := model.Identity{UserID: "u1"}

	r, err := e.manager.Create(ctx, identity, "wfv_1", model.Target{MachineID: "mach_1"})
	require.NoError(t, err)
	require.NoError(t, e.manager.Update(ctx, r.ID, UpdateRequest{Output: json.RawMessage(`{"x":1}`)}))

	require.NoError(t, e.manager.Delete(ctx, identity, r.ID))

	_, err = e.manager.Get(ctx, identity, r.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
