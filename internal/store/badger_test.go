package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/droverhq/drover/internal/model"
)

func newTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	s, err := NewInMemoryStore()
	if err != nil {
		t.Fatalf("NewInMemoryStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func saveTestMachine(t *testing.T, s *BadgerStore, id string, maxQueue, count int) {
	t.Helper()
	err := s.SaveMachine(context.Background(), &model.Machine{
		ID:           id,
		Name:         id,
		Scope:        model.UserScope("u1"),
		MaxQueueSize: maxQueue,
		QueueCount:   count,
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("SaveMachine(%s) failed: %v", id, err)
	}
}

func TestMachineCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	saveTestMachine(t, s, "mach_0000000001_aaaaaaaa", 5, 0)

	m, err := s.GetMachine(ctx, "mach_0000000001_aaaaaaaa")
	if err != nil {
		t.Fatalf("GetMachine failed: %v", err)
	}
	if m.MaxQueueSize != 5 {
		t.Errorf("MaxQueueSize = %d, want 5", m.MaxQueueSize)
	}

	machines, err := s.ListMachines(ctx)
	if err != nil {
		t.Fatalf("ListMachines failed: %v", err)
	}
	if len(machines) != 1 {
		t.Fatalf("expected 1 machine, got %d", len(machines))
	}

	if err := s.DeleteMachine(ctx, m.ID); err != nil {
		t.Fatalf("DeleteMachine failed: %v", err)
	}
	if _, err := s.GetMachine(ctx, m.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetMachine after delete: got %v, want ErrNotFound", err)
	}
}

func TestGetMachine_NotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetMachine(context.Background(), "mach_0000000001_ffffffff"); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestAddGroupMember_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	added, err := s.AddGroupMember(ctx, "grp_1", "mach_1")
	if err != nil {
		t.Fatalf("first AddGroupMember failed: %v", err)
	}
	if !added {
		t.Error("first add should report added=true")
	}

	added, err = s.AddGroupMember(ctx, "grp_1", "mach_1")
	if err != nil {
		t.Fatalf("second AddGroupMember failed: %v", err)
	}
	if added {
		t.Error("second add should report added=false")
	}

	members, err := s.ListGroupMembers(ctx, "grp_1")
	if err != nil {
		t.Fatalf("ListGroupMembers failed: %v", err)
	}
	if len(members) != 1 {
		t.Errorf("expected exactly 1 membership, got %d", len(members))
	}
}

func TestDeleteGroup_CascadesMemberships(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	g := &model.MachineGroup{ID: "grp_1", Name: "pool", Scope: model.UserScope("u1"), CreatedAt: time.Now()}
	if err := s.SaveGroup(ctx, g); err != nil {
		t.Fatalf("SaveGroup failed: %v", err)
	}
	saveTestMachine(t, s, "mach_1", 0, 0)
	if _, err := s.AddGroupMember(ctx, "grp_1", "mach_1"); err != nil {
		t.Fatalf("AddGroupMember failed: %v", err)
	}

	if err := s.DeleteGroup(ctx, "grp_1"); err != nil {
		t.Fatalf("DeleteGroup failed: %v", err)
	}

	members, err := s.ListGroupMembers(ctx, "grp_1")
	if err != nil {
		t.Fatalf("ListGroupMembers failed: %v", err)
	}
	if len(members) != 0 {
		t.Errorf("memberships should cascade on group delete, got %d", len(members))
	}

	// Referenced machine survives
	if _, err := s.GetMachine(ctx, "mach_1"); err != nil {
		t.Errorf("machine should survive group delete: %v", err)
	}
}

func TestDeleteRun_CascadesOutputs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := &model.WorkflowRun{ID: "run_1", Status: model.RunStatusNotStarted, CreatedAt: time.Now()}
	if err := s.SaveRun(ctx, r); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}
	for i, oid := range []string{"out_1", "out_2"} {
		o := &model.RunOutput{ID: oid, RunID: "run_1", Data: json.RawMessage(`{"x":1}`), CreatedAt: time.Now().Add(time.Duration(i) * time.Second)}
		if err := s.AppendOutput(ctx, o); err != nil {
			t.Fatalf("AppendOutput failed: %v", err)
		}
	}

	if err := s.DeleteRun(ctx, "run_1"); err != nil {
		t.Fatalf("DeleteRun failed: %v", err)
	}
	outputs, err := s.ListOutputs(ctx, "run_1")
	if err != nil {
		t.Fatalf("ListOutputs failed: %v", err)
	}
	if len(outputs) != 0 {
		t.Errorf("outputs should cascade on run delete, got %d", len(outputs))
	}
}

func TestListOutputs_OrderedByCreation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := &model.WorkflowRun{ID: "run_1", Status: model.RunStatusNotStarted, CreatedAt: time.Now()}
	if err := s.SaveRun(ctx, r); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	// IDs generated within the same second share a timestamp component, so
	// their lexical order is random. The later output here sorts first by ID.
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	appended := []struct {
		id string
		at time.Time
	}{
		{"out_1756555200_ffffffff", base},
		{"out_1756555200_aaaaaaaa", base.Add(50 * time.Millisecond)},
		{"out_1756555200_bbbbbbbb", base.Add(100 * time.Millisecond)},
	}
	for _, a := range appended {
		o := &model.RunOutput{ID: a.id, RunID: "run_1", Data: json.RawMessage(`{}`), CreatedAt: a.at}
		if err := s.AppendOutput(ctx, o); err != nil {
			t.Fatalf("AppendOutput(%s) failed: %v", a.id, err)
		}
	}

	outputs, err := s.ListOutputs(ctx, "run_1")
	if err != nil {
		t.Fatalf("ListOutputs failed: %v", err)
	}
	if len(outputs) != 3 {
		t.Fatalf("got %d outputs, want 3", len(outputs))
	}
	for i, a := range appended {
		if outputs[i].ID != a.id {
			t.Errorf("outputs[%d] = %s, want %s (append order)", i, outputs[i].ID, a.id)
		}
	}
}

func TestAppendOutput_UnknownRun(t *testing.T) {
	s := newTestStore(t)
	o := &model.RunOutput{ID: "out_1", RunID: "run_missing", Data: json.RawMessage(`{}`)}
	if err := s.AppendOutput(context.Background(), o); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestTransitionRun_CompletionExactlyOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := &model.WorkflowRun{ID: "run_1", Status: model.RunStatusNotStarted, CreatedAt: time.Now()}
	if err := s.SaveRun(ctx, r); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	updated, completing, err := s.TransitionRun(ctx, "run_1", model.RunStatusRunning, time.Now())
	if err != nil {
		t.Fatalf("TransitionRun to running failed: %v", err)
	}
	if completing {
		t.Error("non-terminal transition should not complete")
	}
	if updated.CompletedAt != nil {
		t.Error("CompletedAt should be nil for non-terminal status")
	}

	updated, completing, err = s.TransitionRun(ctx, "run_1", model.RunStatusSuccess, time.Now())
	if err != nil {
		t.Fatalf("TransitionRun to success failed: %v", err)
	}
	if !completing {
		t.Error("first terminal transition should complete")
	}
	if updated.CompletedAt == nil {
		t.Fatal("CompletedAt should be set on first terminal transition")
	}
	firstCompleted := *updated.CompletedAt

	// Repeat the same terminal status: no completion, timestamp untouched.
	updated, completing, err = s.TransitionRun(ctx, "run_1", model.RunStatusSuccess, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("repeated TransitionRun failed: %v", err)
	}
	if completing {
		t.Error("repeated terminal transition should not complete again")
	}
	if updated.CompletedAt == nil || !updated.CompletedAt.Equal(firstCompleted) {
		t.Errorf("CompletedAt overwritten: got %v, want %v", updated.CompletedAt, firstCompleted)
	}
}

func TestTransitionRun_NotFound(t *testing.T) {
	s := newTestStore(t)
	if _, _, err := s.TransitionRun(context.Background(), "run_missing", model.RunStatusRunning, time.Now()); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestTransitionRun_ConcurrentTerminalWrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := &model.WorkflowRun{ID: "run_1", Status: model.RunStatusRunning, CreatedAt: time.Now()}
	if err := s.SaveRun(ctx, r); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	const writers = 16
	var completions int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status := model.RunStatusSuccess
			if i%2 == 0 {
				status = model.RunStatusFailed
			}
			_, completing, err := s.TransitionRun(ctx, "run_1", status, time.Now())
			if err != nil {
				t.Errorf("TransitionRun failed: %v", err)
				return
			}
			if completing {
				mu.Lock()
				completions++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if completions != 1 {
		t.Errorf("expected exactly 1 completing transition, got %d", completions)
	}
}

func TestIncrementQueue_Admission(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	saveTestMachine(t, s, "mach_1", 2, 0)

	for want := 1; want <= 2; want++ {
		n, err := s.IncrementQueue(ctx, "mach_1")
		if err != nil {
			t.Fatalf("IncrementQueue failed: %v", err)
		}
		if n != want {
			t.Errorf("count = %d, want %d", n, want)
		}
	}

	if _, err := s.IncrementQueue(ctx, "mach_1"); !errors.Is(err, ErrQueueFull) {
		t.Errorf("got %v, want ErrQueueFull", err)
	}
}

func TestIncrementQueue_UnboundedWhenZeroMax(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	saveTestMachine(t, s, "mach_1", 0, 0)

	for i := 0; i < 10; i++ {
		if _, err := s.IncrementQueue(ctx, "mach_1"); err != nil {
			t.Fatalf("IncrementQueue failed at %d: %v", i, err)
		}
	}
}

func TestDecrementQueue_FloorsAtZero(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	saveTestMachine(t, s, "mach_1", 5, 1)

	n, err := s.DecrementQueue(ctx, "mach_1")
	if err != nil {
		t.Fatalf("DecrementQueue failed: %v", err)
	}
	if n != 0 {
		t.Errorf("count = %d, want 0", n)
	}

	// Decrement below zero clamps, never errors.
	n, err = s.DecrementQueue(ctx, "mach_1")
	if err != nil {
		t.Fatalf("DecrementQueue at zero failed: %v", err)
	}
	if n != 0 {
		t.Errorf("count = %d, want 0 (clamped)", n)
	}
}

func TestDecrementQueue_MissingMachineNoop(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.DecrementQueue(context.Background(), "mach_gone"); err != nil {
		t.Errorf("decrement on missing machine should be a no-op, got %v", err)
	}
}

func TestDecrementQueue_ConcurrentNotLost(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	saveTestMachine(t, s, "mach_1", 0, 25)

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.DecrementQueue(ctx, "mach_1"); err != nil {
				t.Errorf("DecrementQueue failed: %v", err)
			}
		}()
	}
	wg.Wait()

	m, err := s.GetMachine(ctx, "mach_1")
	if err != nil {
		t.Fatalf("GetMachine failed: %v", err)
	}
	if m.QueueCount != 0 {
		t.Errorf("QueueCount = %d, want 0 (no decrement lost)", m.QueueCount)
	}
}

func TestSetQueue_ClampsNegative(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	saveTestMachine(t, s, "mach_1", 5, 3)

	n, err := s.SetQueue(ctx, "mach_1", -7)
	if err != nil {
		t.Fatalf("SetQueue failed: %v", err)
	}
	if n != 0 {
		t.Errorf("count = %d, want 0 (clamped)", n)
	}

	n, err = s.SetQueue(ctx, "mach_1", 4)
	if err != nil {
		t.Fatalf("SetQueue failed: %v", err)
	}
	if n != 4 {
		t.Errorf("count = %d, want 4", n)
	}
}
