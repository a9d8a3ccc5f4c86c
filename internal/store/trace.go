package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/forgeworks/foundry/internal/model"
)

// AppendTrace records an audit event. Trace writes are append-only and never
// updated.
func (s *Store) AppendTrace(ctx context.Context, event model.TraceEvent) error {
	if strings.TrimSpace(event.ID) == "" {
		event.ID = model.NewTraceID()
	}
	if err := model.ValidateTraceEvent(event); err != nil {
		return err
	}
	metadata := "{}"
	if len(event.Metadata) > 0 {
		data, err := json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("marshal trace metadata: %w", err)
		}
		metadata = string(data)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trace_events (id, task_id, agent_id, event, metadata)
		VALUES (?, NULLIF(?, ''), NULLIF(?, ''), ?, ?);
	`, event.ID, event.TaskID, event.AgentID, event.Event, metadata)
	if err != nil {
		return fmt.Errorf("append trace: %w", err)
	}
	return nil
}

// TraceForTask returns the task's audit trail in append order.
func (s *Store) TraceForTask(ctx context.Context, taskID string) ([]model.TraceEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(task_id, ''), COALESCE(agent_id, ''), event, metadata, created_at
		FROM trace_events WHERE task_id = ? ORDER BY created_at, id;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query trace: %w", err)
	}
	defer rows.Close()

	out := []model.TraceEvent{}
	for rows.Next() {
		var event model.TraceEvent
		var metadata string
		if err := rows.Scan(&event.ID, &event.TaskID, &event.AgentID,
			&event.Event, &metadata, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan trace event: %w", err)
		}
		if metadata != "" && metadata != "{}" {
			if err := json.Unmarshal([]byte(metadata), &event.Metadata); err != nil {
				return nil, fmt.Errorf("parse trace metadata: %w", err)
			}
		}
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trace: %w", err)
	}
	return out, nil
}
