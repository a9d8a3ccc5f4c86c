package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/forgeworks/foundry/internal/model"
)

const agentColumns = `id, name, role, status, current_task_id, score,
	success_count, fail_count, created_at, updated_at`

func (s *Store) CreateAgent(ctx context.Context, agent model.Agent) (model.Agent, error) {
	if strings.TrimSpace(agent.ID) == "" {
		agent.ID = uuid.NewString()
	}
	if agent.Status == "" {
		agent.Status = model.AgentStatusIdle
	}
	if err := model.ValidateAgent(agent); err != nil {
		return model.Agent{}, err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, role, status, score, success_count, fail_count)
		VALUES (?, ?, ?, ?, ?, ?, ?);
	`, agent.ID, agent.Name, agent.Role, agent.Status, agent.Score,
		agent.SuccessCount, agent.FailCount)
	if err != nil {
		return model.Agent{}, fmt.Errorf("insert agent: %w", err)
	}
	return s.GetAgent(ctx, agent.ID)
}

func (s *Store) GetAgent(ctx context.Context, id string) (model.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?;`, id)
	agent, err := scanAgent(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Agent{}, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Agent{}, fmt.Errorf("get agent %s: %w", id, err)
	}
	return agent, nil
}

func (s *Store) ListAgents(ctx context.Context) ([]model.Agent, error) {
	return s.queryAgents(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY created_at, id;`)
}

// IdleAgentByRole returns an eligible idle agent for the role, or ErrNotFound
// when none is available. Agents with a negative score have been flagged by
// governance and are never selected.
func (s *Store) IdleAgentByRole(ctx context.Context, role model.Role) (model.Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+agentColumns+` FROM agents
		WHERE role = ? AND status = ? AND score >= 0
		ORDER BY score DESC, created_at LIMIT 1;
	`, role, model.AgentStatusIdle)
	agent, err := scanAgent(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Agent{}, fmt.Errorf("no idle agent for role %s: %w", role, ErrNotFound)
	}
	if err != nil {
		return model.Agent{}, fmt.Errorf("find idle agent for %s: %w", role, err)
	}
	return agent, nil
}

// AgentIfIdle returns the agent only when it is currently IDLE and eligible.
// Used for sticky reassignment of revision work to the recorded owner.
func (s *Store) AgentIfIdle(ctx context.Context, id string) (model.Agent, error) {
	agent, err := s.GetAgent(ctx, id)
	if err != nil {
		return model.Agent{}, err
	}
	if agent.Status != model.AgentStatusIdle || agent.Score < 0 {
		return model.Agent{}, fmt.Errorf("agent %s not idle: %w", id, ErrNotFound)
	}
	return agent, nil
}

// ReleaseAgent returns a BUSY agent to IDLE once its result has been durably
// recorded. The compare-and-swap on the current task prevents a release from
// clobbering a newer assignment.
func (s *Store) ReleaseAgent(ctx context.Context, agentID, taskID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET status = ?, current_task_id = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ? AND current_task_id = ?;
	`, model.AgentStatusIdle, agentID, model.AgentStatusBusy, taskID)
	if err != nil {
		return fmt.Errorf("release agent %s: %w", agentID, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("agent %s not busy on task %s: %w", agentID, taskID, ErrConflict)
	}
	return nil
}

// SetAgentOffline removes the agent from the eligible pool. Offline agents
// are never selected by the dispatcher.
func (s *Store) SetAgentOffline(ctx context.Context, agentID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET status = ?, current_task_id = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, model.AgentStatusOffline, agentID)
	if err != nil {
		return fmt.Errorf("set agent %s offline: %w", agentID, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	return nil
}

// RecordAgentOutcome applies the governance signal after a verification
// verdict: counters plus a score delta.
func (s *Store) RecordAgentOutcome(ctx context.Context, agentID string, success bool, scoreDelta int) error {
	col := "fail_count"
	if success {
		col = "success_count"
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET `+col+` = `+col+` + 1, score = score + ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, scoreDelta, agentID)
	if err != nil {
		return fmt.Errorf("record outcome for agent %s: %w", agentID, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	return nil
}

func (s *Store) queryAgents(ctx context.Context, query string, args ...any) ([]model.Agent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()

	out := []model.Agent{}
	for rows.Next() {
		agent, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agents: %w", err)
	}
	return out, nil
}

func scanAgent(scan func(dest ...any) error) (model.Agent, error) {
	var agent model.Agent
	var current sql.NullString
	if err := scan(
		&agent.ID, &agent.Name, &agent.Role, &agent.Status, &current,
		&agent.Score, &agent.SuccessCount, &agent.FailCount,
		&agent.CreatedAt, &agent.UpdatedAt,
	); err != nil {
		return model.Agent{}, err
	}
	agent.CurrentTaskID = current.String
	return agent, nil
}
