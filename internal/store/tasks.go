package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/forgeworks/foundry/internal/model"
)

const taskColumns = `id, status, required_role, complexity_score, retry_count, is_deadlocked,
	owner_agent_id, assigned_agent_id, language, context_packet, output_artifact, result,
	review_feedback, blocked_reason, error_message, created_at, updated_at`

// CreateTask inserts a new task in QUEUED state and returns it with its
// generated identifier.
func (s *Store) CreateTask(ctx context.Context, task model.Task) (model.Task, error) {
	if strings.TrimSpace(task.ID) == "" {
		task.ID = uuid.NewString()
	}
	if task.Status == "" {
		task.Status = model.TaskStatusQueued
	}
	if task.Language == "" {
		task.Language = "javascript"
	}
	if err := model.ValidateTask(task); err != nil {
		return model.Task{}, err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, status, required_role, complexity_score, retry_count,
			is_deadlocked, owner_agent_id, assigned_agent_id, language, context_packet)
		VALUES (?, ?, ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?);
	`, task.ID, task.Status, task.RequiredRole, task.ComplexityScore, task.RetryCount,
		boolToInt(task.IsDeadlocked), task.OwnerAgentID, task.AssignedAgentID,
		task.Language, task.ContextPacket)
	if err != nil {
		return model.Task{}, fmt.Errorf("insert task: %w", err)
	}
	return s.GetTask(ctx, task.ID)
}

func (s *Store) GetTask(ctx context.Context, id string) (model.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, id)
	task, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Task{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Task{}, fmt.Errorf("get task %s: %w", id, err)
	}
	return task, nil
}

// QueuedBatch returns up to limit QUEUED tasks in creation order. Bounding
// the batch keeps one burst of new work from starving a dispatch cycle.
func (s *Store) QueuedBatch(ctx context.Context, limit int) ([]model.Task, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("batch limit must be > 0")
	}
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = ? ORDER BY created_at, id LIMIT ?;
	`, model.TaskStatusQueued, limit)
}

func (s *Store) TasksByStatus(ctx context.Context, status model.TaskStatus) ([]model.Task, error) {
	if err := model.ValidateTaskStatus(status); err != nil {
		return nil, err
	}
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY created_at, id;
	`, status)
}

func (s *Store) ListTasks(ctx context.Context) ([]model.Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at, id;`)
}

// StaleInProgress returns IN_PROGRESS tasks whose last write is older than
// the window. A task only lingers there when its worker crashed or errored
// out between the claim and the result write.
func (s *Store) StaleInProgress(ctx context.Context, olderThan time.Duration) ([]model.Task, error) {
	if olderThan <= 0 {
		return nil, fmt.Errorf("stale window must be > 0")
	}
	modifier := fmt.Sprintf("-%d seconds", int(olderThan.Seconds()))
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = ? AND updated_at <= datetime('now', ?)
		ORDER BY created_at, id;
	`, model.TaskStatusInProgress, modifier)
}

// CountInProgressByRole measures current load on a role: tasks held by
// agents of that role that are actively being worked.
func (s *Store) CountInProgressByRole(ctx context.Context, role model.Role) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM tasks t
		JOIN agents a ON a.id = t.assigned_agent_id
		WHERE t.status IN (?, ?) AND a.role = ?;
	`, model.TaskStatusAssigned, model.TaskStatusInProgress, role).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count in-progress for %s: %w", role, err)
	}
	return n, nil
}

// TaskMutation carries the optional field writes applied together with a
// status transition.
type TaskMutation struct {
	RetryCountDelta int
	ResetRetryCount bool
	SetDeadlocked   *bool
	BlockedReason   *string
	ReviewFeedback  *string
	OutputArtifact  *string
	Result          *string
	ErrorMessage    *string
	ClearAssignee   bool
}

// TransitionTask moves a task from its current status to `to` if and only if
// the current status still equals `from` (compare-and-swap). Returns
// ErrConflict when the row moved on concurrently, and a validation error for
// transitions the state machine forbids.
func (s *Store) TransitionTask(ctx context.Context, id string, from, to model.TaskStatus, mut TaskMutation) error {
	if err := model.ValidateTransition(from, to); err != nil {
		return err
	}
	set := []string{"status = ?", "updated_at = CURRENT_TIMESTAMP"}
	args := []any{to}
	if mut.ResetRetryCount {
		set = append(set, "retry_count = 0")
	} else if mut.RetryCountDelta != 0 {
		set = append(set, "retry_count = retry_count + ?")
		args = append(args, mut.RetryCountDelta)
	}
	if mut.SetDeadlocked != nil {
		set = append(set, "is_deadlocked = ?")
		args = append(args, boolToInt(*mut.SetDeadlocked))
	}
	if mut.BlockedReason != nil {
		set = append(set, "blocked_reason = ?")
		args = append(args, *mut.BlockedReason)
	}
	if mut.ReviewFeedback != nil {
		set = append(set, "review_feedback = ?")
		args = append(args, *mut.ReviewFeedback)
	}
	if mut.OutputArtifact != nil {
		set = append(set, "output_artifact = ?")
		args = append(args, *mut.OutputArtifact)
	}
	if mut.Result != nil {
		set = append(set, "result = ?")
		args = append(args, *mut.Result)
	}
	if mut.ErrorMessage != nil {
		set = append(set, "error_message = ?")
		args = append(args, *mut.ErrorMessage)
	}
	if mut.ClearAssignee {
		set = append(set, "assigned_agent_id = NULL")
	}
	args = append(args, id, from)

	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET `+strings.Join(set, ", ")+` WHERE id = ? AND status = ?;
	`, args...)
	if err != nil {
		return fmt.Errorf("transition task %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition task %s rows: %w", id, err)
	}
	if affected != 1 {
		return fmt.Errorf("task %s no longer %s: %w", id, from, ErrConflict)
	}
	return nil
}

// AssignTask atomically binds a still-QUEUED task to a still-IDLE agent. The
// agent flips to BUSY in the same transaction; the task's owner is recorded
// on first assignment and never overwritten afterwards.
func (s *Store) AssignTask(ctx context.Context, taskID, agentID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin assign tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, assigned_agent_id = ?,
			owner_agent_id = COALESCE(owner_agent_id, ?),
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ? AND assigned_agent_id IS NULL;
	`, model.TaskStatusAssigned, agentID, agentID, taskID, model.TaskStatusQueued)
	if err != nil {
		return fmt.Errorf("assign task %s: %w", taskID, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("task %s not assignable: %w", taskID, ErrConflict)
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE agents SET status = ?, current_task_id = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, model.AgentStatusBusy, taskID, agentID, model.AgentStatusIdle)
	if err != nil {
		return fmt.Errorf("mark agent %s busy: %w", agentID, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("agent %s not idle: %w", agentID, ErrConflict)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit assign tx: %w", err)
	}
	return nil
}

// UpdateContextPacket replaces a task's context packet. Supplying context to
// a BLOCKED task lets the dispatcher return it to the queue on its next
// cycle.
func (s *Store) UpdateContextPacket(ctx context.Context, id, packet string) error {
	if strings.TrimSpace(packet) == "" {
		return fmt.Errorf("context packet is required")
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET context_packet = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, packet, id)
	if err != nil {
		return fmt.Errorf("update context for task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// RequeueRevision returns a NEEDS_REVISION or FAILED task to the queue so the
// next dispatch cycle can reassign it (preferring its recorded owner).
func (s *Store) RequeueRevision(ctx context.Context, taskID string, from model.TaskStatus) error {
	return s.TransitionTask(ctx, taskID, from, model.TaskStatusQueued, TaskMutation{ClearAssignee: true})
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]model.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	out := []model.Task{}
	for rows.Next() {
		task, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

func scanTask(scan func(dest ...any) error) (model.Task, error) {
	var task model.Task
	var deadlocked int
	var owner, assignee sql.NullString
	if err := scan(
		&task.ID, &task.Status, &task.RequiredRole, &task.ComplexityScore,
		&task.RetryCount, &deadlocked, &owner, &assignee, &task.Language,
		&task.ContextPacket, &task.OutputArtifact, &task.Result,
		&task.ReviewFeedback, &task.BlockedReason, &task.ErrorMessage,
		&task.CreatedAt, &task.UpdatedAt,
	); err != nil {
		return model.Task{}, err
	}
	task.IsDeadlocked = deadlocked != 0
	task.OwnerAgentID = owner.String
	task.AssignedAgentID = assignee.String
	return task, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
