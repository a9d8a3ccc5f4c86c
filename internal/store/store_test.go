package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/forgeworks/foundry/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustCreateAgent(t *testing.T, s *Store, role model.Role) model.Agent {
	t.Helper()
	agent, err := s.CreateAgent(context.Background(), model.Agent{
		Name: "agent-" + string(role),
		Role: role,
	})
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	return agent
}

func mustCreateTask(t *testing.T, s *Store, role model.Role, complexity int) model.Task {
	t.Helper()
	task, err := s.CreateTask(context.Background(), model.Task{
		RequiredRole:    role,
		ComplexityScore: complexity,
		ContextPacket:   "implement the thing",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func TestCreateTaskDefaults(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	task := mustCreateTask(t, s, model.RoleMid, 40)
	if task.Status != model.TaskStatusQueued {
		t.Fatalf("new task status = %s, want QUEUED", task.Status)
	}
	if task.Language != "javascript" {
		t.Fatalf("new task language = %q, want javascript", task.Language)
	}
	if task.ID == "" {
		t.Fatal("new task has no id")
	}
}

func TestTransitionTaskCAS(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	task := mustCreateTask(t, s, model.RoleSenior, 60)
	agent := mustCreateAgent(t, s, model.RoleSenior)

	if err := s.AssignTask(ctx, task.ID, agent.ID); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := s.TransitionTask(ctx, task.ID, model.TaskStatusAssigned, model.TaskStatusInProgress, TaskMutation{}); err != nil {
		t.Fatalf("ASSIGNED -> IN_PROGRESS: %v", err)
	}

	// A second mover sees the stale status and must get a conflict.
	err := s.TransitionTask(ctx, task.ID, model.TaskStatusAssigned, model.TaskStatusInProgress, TaskMutation{})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("stale transition err = %v, want ErrConflict", err)
	}

	// Transitions the state machine forbids are rejected before touching the row.
	err = s.TransitionTask(ctx, task.ID, model.TaskStatusInProgress, model.TaskStatusCompleted, TaskMutation{})
	if err == nil {
		t.Fatal("IN_PROGRESS -> COMPLETED accepted, want state machine rejection")
	}
}

func TestTransitionTaskMutations(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	task := mustCreateTask(t, s, model.RoleMid, 50)
	agent := mustCreateAgent(t, s, model.RoleMid)
	if err := s.AssignTask(ctx, task.ID, agent.ID); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := s.TransitionTask(ctx, task.ID, model.TaskStatusAssigned, model.TaskStatusInProgress, TaskMutation{}); err != nil {
		t.Fatalf("to IN_PROGRESS: %v", err)
	}
	if err := s.TransitionTask(ctx, task.ID, model.TaskStatusInProgress, model.TaskStatusInReview, TaskMutation{
		OutputArtifact: strPtr("const x = 1;"),
	}); err != nil {
		t.Fatalf("to IN_REVIEW: %v", err)
	}
	feedback := "missing error handling"
	if err := s.TransitionTask(ctx, task.ID, model.TaskStatusInReview, model.TaskStatusNeedsRevision, TaskMutation{
		RetryCountDelta: 1,
		ReviewFeedback:  &feedback,
		ClearAssignee:   true,
	}); err != nil {
		t.Fatalf("to NEEDS_REVISION: %v", err)
	}

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.RetryCount != 1 {
		t.Fatalf("retry count = %d, want 1", got.RetryCount)
	}
	if got.ReviewFeedback != feedback {
		t.Fatalf("review feedback = %q, want %q", got.ReviewFeedback, feedback)
	}
	if got.AssignedAgentID != "" {
		t.Fatalf("assignee = %q, want cleared", got.AssignedAgentID)
	}
	if got.OwnerAgentID != agent.ID {
		t.Fatalf("owner = %q, want preserved %q", got.OwnerAgentID, agent.ID)
	}
}

func TestAssignTaskConflicts(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	task := mustCreateTask(t, s, model.RoleJunior, 10)
	first := mustCreateAgent(t, s, model.RoleJunior)
	second := mustCreateAgent(t, s, model.RoleJunior)

	if err := s.AssignTask(ctx, task.ID, first.ID); err != nil {
		t.Fatalf("first assign: %v", err)
	}
	if err := s.AssignTask(ctx, task.ID, second.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("double assign err = %v, want ErrConflict", err)
	}

	// The losing branch must not have marked the second agent busy.
	got, err := s.GetAgent(ctx, second.ID)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if got.Status != model.AgentStatusIdle {
		t.Fatalf("second agent status = %s, want IDLE", got.Status)
	}

	other := mustCreateTask(t, s, model.RoleJunior, 10)
	if err := s.AssignTask(ctx, other.ID, first.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("assign to busy agent err = %v, want ErrConflict", err)
	}
}

func TestOwnerPreservedAcrossRequeue(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	task := mustCreateTask(t, s, model.RoleMid, 50)
	owner := mustCreateAgent(t, s, model.RoleMid)
	stranger := mustCreateAgent(t, s, model.RoleMid)

	if err := s.AssignTask(ctx, task.ID, owner.ID); err != nil {
		t.Fatalf("assign: %v", err)
	}
	walkTask(t, s, task.ID, model.TaskStatusAssigned, model.TaskStatusInProgress, model.TaskStatusInReview)
	if err := s.TransitionTask(ctx, task.ID, model.TaskStatusInReview, model.TaskStatusNeedsRevision, TaskMutation{
		RetryCountDelta: 1, ClearAssignee: true,
	}); err != nil {
		t.Fatalf("to NEEDS_REVISION: %v", err)
	}
	if err := s.ReleaseAgent(ctx, owner.ID, task.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := s.RequeueRevision(ctx, task.ID, model.TaskStatusNeedsRevision); err != nil {
		t.Fatalf("requeue: %v", err)
	}

	// Even if a different agent picks the revision up, ownership sticks.
	if err := s.AssignTask(ctx, task.ID, stranger.ID); err != nil {
		t.Fatalf("reassign: %v", err)
	}
	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.OwnerAgentID != owner.ID {
		t.Fatalf("owner = %q, want %q", got.OwnerAgentID, owner.ID)
	}
	if got.AssignedAgentID != stranger.ID {
		t.Fatalf("assignee = %q, want %q", got.AssignedAgentID, stranger.ID)
	}
}

func TestIdleAgentSelection(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.IdleAgentByRole(ctx, model.RoleQA); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty pool err = %v, want ErrNotFound", err)
	}

	low := mustCreateAgent(t, s, model.RoleQA)
	high := mustCreateAgent(t, s, model.RoleQA)
	if err := s.RecordAgentOutcome(ctx, high.ID, true, 5); err != nil {
		t.Fatalf("record outcome: %v", err)
	}
	if err := s.RecordAgentOutcome(ctx, low.ID, false, -1); err != nil {
		t.Fatalf("record outcome: %v", err)
	}

	picked, err := s.IdleAgentByRole(ctx, model.RoleQA)
	if err != nil {
		t.Fatalf("idle by role: %v", err)
	}
	if picked.ID != high.ID {
		t.Fatalf("picked %s, want highest-score %s", picked.ID, high.ID)
	}

	// Negative-score agents are out of the pool entirely.
	if err := s.RecordAgentOutcome(ctx, high.ID, false, -10); err != nil {
		t.Fatalf("record outcome: %v", err)
	}
	if _, err := s.IdleAgentByRole(ctx, model.RoleQA); !errors.Is(err, ErrNotFound) {
		t.Fatalf("flagged pool err = %v, want ErrNotFound", err)
	}
}

func TestCountInProgressByRole(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		agent := mustCreateAgent(t, s, model.RoleLead)
		task := mustCreateTask(t, s, model.RoleLead, 70)
		if err := s.AssignTask(ctx, task.ID, agent.ID); err != nil {
			t.Fatalf("assign: %v", err)
		}
	}
	n, err := s.CountInProgressByRole(ctx, model.RoleLead)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 3 {
		t.Fatalf("in-progress count = %d, want 3", n)
	}
	n, err = s.CountInProgressByRole(ctx, model.RoleArchitect)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("architect count = %d, want 0", n)
	}
}

func TestUpdateContextPacket(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	task := mustCreateTask(t, s, model.RoleMid, 40)
	if err := s.UpdateContextPacket(ctx, task.ID, "new context"); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.ContextPacket != "new context" {
		t.Fatalf("context packet = %q", got.ContextPacket)
	}

	if err := s.UpdateContextPacket(ctx, task.ID, "   "); err == nil {
		t.Fatal("blank packet must be rejected")
	}
	if err := s.UpdateContextPacket(ctx, "missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing task err = %v, want ErrNotFound", err)
	}
}

func TestStaleInProgressWindow(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	agent := mustCreateAgent(t, s, model.RoleMid)
	old := mustCreateTask(t, s, model.RoleMid, 40)
	fresh := mustCreateTask(t, s, model.RoleMid, 40)
	for _, task := range []model.Task{old, fresh} {
		if err := s.AssignTask(ctx, task.ID, agent.ID); err != nil {
			t.Fatalf("assign: %v", err)
		}
		if err := s.TransitionTask(ctx, task.ID, model.TaskStatusAssigned, model.TaskStatusInProgress, TaskMutation{}); err != nil {
			t.Fatalf("to IN_PROGRESS: %v", err)
		}
		if err := s.ReleaseAgent(ctx, agent.ID, task.ID); err != nil {
			t.Fatalf("release: %v", err)
		}
	}
	if _, err := s.DB().ExecContext(ctx,
		`UPDATE tasks SET updated_at = datetime('now', '-10 minutes') WHERE id = ?;`, old.ID); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	stale, err := s.StaleInProgress(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("stale query: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != old.ID {
		t.Fatalf("stale = %d tasks, want only the backdated one", len(stale))
	}

	if _, err := s.StaleInProgress(ctx, 0); err == nil {
		t.Fatal("zero window must be rejected")
	}
}

func TestTraceRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	task := mustCreateTask(t, s, model.RoleMid, 50)
	if err := s.AppendTrace(ctx, model.TraceEvent{
		TaskID: task.ID,
		Event:  model.TraceEventTaskAssigned,
		Metadata: map[string]string{
			"effective_role": "junior_dev",
		},
	}); err != nil {
		t.Fatalf("append trace: %v", err)
	}
	if err := s.AppendTrace(ctx, model.TraceEvent{
		TaskID: task.ID,
		Event:  model.TraceEventTaskCompleted,
	}); err != nil {
		t.Fatalf("append trace: %v", err)
	}

	events, err := s.TraceForTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("trace for task: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Event != model.TraceEventTaskAssigned {
		t.Fatalf("first event = %s, want task_assigned", events[0].Event)
	}
	if events[0].Metadata["effective_role"] != "junior_dev" {
		t.Fatalf("metadata lost: %v", events[0].Metadata)
	}
}

func TestLedgerBlocksAndStatements(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	genesis, err := s.OpenBlock(ctx)
	if err != nil {
		t.Fatalf("open block: %v", err)
	}
	if genesis.Index != 0 {
		t.Fatalf("genesis index = %d, want 0", genesis.Index)
	}
	if genesis.PreviousHash != strings.Repeat("0", 64) {
		t.Fatalf("genesis previous hash = %q", genesis.PreviousHash)
	}

	var count int
	for i := 0; i < 3; i++ {
		var n int
		_, n, err = s.AppendStatement(ctx, model.LedgerStatement{
			ContentHash: "c-hash",
			ProofHash:   "p-hash",
		})
		if err != nil {
			t.Fatalf("append statement: %v", err)
		}
		count = n
	}
	if count != 3 {
		t.Fatalf("block statement count = %d, want 3", count)
	}

	if err := s.SealBlock(ctx, genesis.Index, "000abc", 42); err != nil {
		t.Fatalf("seal: %v", err)
	}
	if err := s.SealBlock(ctx, genesis.Index, "000abc", 42); !errors.Is(err, ErrConflict) {
		t.Fatalf("double seal err = %v, want ErrConflict", err)
	}

	next, err := s.OpenBlock(ctx)
	if err != nil {
		t.Fatalf("open successor: %v", err)
	}
	if next.Index != 1 {
		t.Fatalf("successor index = %d, want 1", next.Index)
	}
	if next.PreviousHash != "000abc" {
		t.Fatalf("successor previous hash = %q, want sealed hash", next.PreviousHash)
	}

	stmts, err := s.StatementsForBlock(ctx, genesis.Index)
	if err != nil {
		t.Fatalf("statements: %v", err)
	}
	if len(stmts) != 3 {
		t.Fatalf("got %d statements, want 3", len(stmts))
	}
	for i, stmt := range stmts {
		if stmt.Seq != int64(i) {
			t.Fatalf("statement %d seq = %d", i, stmt.Seq)
		}
	}
}

func walkTask(t *testing.T, s *Store, id string, path ...model.TaskStatus) {
	t.Helper()
	for i := 0; i+1 < len(path); i++ {
		if err := s.TransitionTask(context.Background(), id, path[i], path[i+1], TaskMutation{}); err != nil {
			t.Fatalf("%s -> %s: %v", path[i], path[i+1], err)
		}
	}
}

func strPtr(s string) *string { return &s }
