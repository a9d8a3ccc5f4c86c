package mediator

import (
	"context"
	"fmt"
	"testing"

	"github.com/forgeworks/foundry/internal/config"
	"github.com/forgeworks/foundry/internal/llm"
	"github.com/forgeworks/foundry/internal/model"
	"github.com/forgeworks/foundry/internal/notify"
	"github.com/forgeworks/foundry/internal/sandbox"
	"github.com/forgeworks/foundry/internal/store"
	"github.com/forgeworks/foundry/internal/testutil/testlog"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func warRoomTask(t *testing.T, st *store.Store) model.Task {
	t.Helper()
	ctx := context.Background()
	agent, err := st.CreateAgent(ctx, model.Agent{Name: "dev", Role: model.RoleMid})
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	task, err := st.CreateTask(ctx, model.Task{
		RequiredRole:    model.RoleMid,
		ComplexityScore: 50,
		ContextPacket:   "fix the formatter",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := st.AssignTask(ctx, task.ID, agent.ID); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := st.TransitionTask(ctx, task.ID, model.TaskStatusAssigned, model.TaskStatusInProgress, store.TaskMutation{}); err != nil {
		t.Fatalf("to IN_PROGRESS: %v", err)
	}
	feedback := "formatter still drops the sign"
	if err := st.TransitionTask(ctx, task.ID, model.TaskStatusInProgress, model.TaskStatusNeedsRevision, store.TaskMutation{
		RetryCountDelta: 3, ReviewFeedback: &feedback, ClearAssignee: true,
	}); err != nil {
		t.Fatalf("to NEEDS_REVISION: %v", err)
	}
	deadlocked := true
	reason := "review/fix loop exhausted"
	if err := st.TransitionTask(ctx, task.ID, model.TaskStatusNeedsRevision, model.TaskStatusWarRoom, store.TaskMutation{
		SetDeadlocked: &deadlocked, BlockedReason: &reason,
	}); err != nil {
		t.Fatalf("to WAR_ROOM: %v", err)
	}

	got, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	return got
}

func patchClient(patch string) llm.Client {
	stub := llm.NewStubClient()
	stub.Respond = func(req llm.ChatRequest) (llm.ChatResponse, error) {
		return llm.ChatResponse{
			Content: fmt.Sprintf("The sign was dropped by the truncation.\n```javascript\n%s\n```", patch),
		}, nil
	}
	return stub
}

func newMediator(t *testing.T, st *store.Store, client llm.Client, runner sandbox.Runner) *Mediator {
	t.Helper()
	bus := notify.NewBus(testlog.Logger(t))
	t.Cleanup(bus.Close)
	return New(config.MediatorConfig{IntervalSeconds: 1}, st, client, runner, bus, testlog.Logger(t))
}

func TestValidatedPatchResolvesDeadlock(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	task := warRoomTask(t, st)

	m := newMediator(t, st, patchClient(`console.log("fixed");`), &sandbox.StubRunner{})
	if err := m.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}

	got, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != model.TaskStatusInQA {
		t.Fatalf("status = %s, want IN_QA", got.Status)
	}
	if got.RetryCount != 0 {
		t.Fatalf("retry count = %d, want reset to 0", got.RetryCount)
	}
	if got.IsDeadlocked {
		t.Fatal("deadlock flag not cleared")
	}
	if got.BlockedReason != "" {
		t.Fatalf("blocked reason = %q, want cleared", got.BlockedReason)
	}
	if got.OutputArtifact == "" {
		t.Fatal("patch not applied to the task")
	}

	events, err := st.TraceForTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("trace: %v", err)
	}
	found := false
	for _, e := range events {
		if e.Event == model.TraceEventDeadlockResolved {
			found = true
		}
	}
	if !found {
		t.Fatal("deadlock_resolved trace missing")
	}
}

func TestFailedValidationLeavesTaskInWarRoom(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	task := warRoomTask(t, st)

	// The stub runner fails artifacts containing a top-level throw.
	m := newMediator(t, st, patchClient(`throw new Error("still broken");`), &sandbox.StubRunner{})
	if err := m.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}

	got, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != model.TaskStatusWarRoom {
		t.Fatalf("status = %s, unvalidated patch must never leave WAR_ROOM", got.Status)
	}
	if !got.IsDeadlocked {
		t.Fatal("deadlock flag cleared without resolution")
	}
	if got.RetryCount == 0 {
		t.Fatal("retry count reset without resolution")
	}

	events, err := st.TraceForTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("trace: %v", err)
	}
	found := false
	for _, e := range events {
		if e.Event == model.TraceEventMediationFailed {
			found = true
		}
	}
	if !found {
		t.Fatal("mediation_failed trace missing")
	}
}

func TestSynthesisBackendErrorKeepsWarRoom(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	task := warRoomTask(t, st)

	broken := llm.NewStubClient()
	broken.Respond = func(req llm.ChatRequest) (llm.ChatResponse, error) {
		return llm.ChatResponse{}, fmt.Errorf("backend down")
	}
	m := newMediator(t, st, broken, &sandbox.StubRunner{})
	if err := m.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}

	got, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != model.TaskStatusWarRoom {
		t.Fatalf("status = %s, want WAR_ROOM", got.Status)
	}
}

func TestEmptyPatchRejected(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	task := warRoomTask(t, st)

	prose := llm.NewStubClient()
	prose.Respond = func(req llm.ChatRequest) (llm.ChatResponse, error) {
		return llm.ChatResponse{Content: "I think the problem is the truncation, good luck!"}, nil
	}
	m := newMediator(t, st, prose, &sandbox.StubRunner{})
	if err := m.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}

	got, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != model.TaskStatusWarRoom {
		t.Fatalf("status = %s, want WAR_ROOM", got.Status)
	}
}
