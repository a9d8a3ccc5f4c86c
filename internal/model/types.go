package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

type AgentStatus string

const (
	AgentStatusIdle    AgentStatus = "IDLE"
	AgentStatusBusy    AgentStatus = "BUSY"
	AgentStatusOffline AgentStatus = "OFFLINE"
)

func ValidateAgentStatus(status AgentStatus) error {
	switch status {
	case AgentStatusIdle, AgentStatusBusy, AgentStatusOffline:
		return nil
	}
	return fmt.Errorf("invalid agent status: %q", status)
}

// Task is a unit of work moving through the dispatch lifecycle.
//
// OwnerAgentID is set on first assignment and never cleared so that revision
// cycles can return to the agent that holds the context. AssignedAgentID is
// the current holder and is cleared whenever the task leaves an agent's
// hands.
type Task struct {
	ID              string     `json:"id"`
	Status          TaskStatus `json:"status"`
	RequiredRole    Role       `json:"required_role"`
	ComplexityScore int        `json:"complexity_score"`
	RetryCount      int        `json:"retry_count"`
	IsDeadlocked    bool       `json:"is_deadlocked"`
	OwnerAgentID    string     `json:"owner_agent_id,omitempty"`
	AssignedAgentID string     `json:"assigned_agent_id,omitempty"`
	Language        string     `json:"language,omitempty"`
	ContextPacket   string     `json:"context_packet,omitempty"`
	OutputArtifact  string     `json:"output_artifact,omitempty"`
	Result          string     `json:"result,omitempty"`
	ReviewFeedback  string     `json:"review_feedback,omitempty"`
	BlockedReason   string     `json:"blocked_reason,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func ValidateTask(task Task) error {
	if strings.TrimSpace(task.ID) == "" {
		return fmt.Errorf("task id is required")
	}
	if err := ValidateTaskStatus(task.Status); err != nil {
		return err
	}
	if err := ValidateRole(task.RequiredRole); err != nil {
		return err
	}
	if task.ComplexityScore < 0 || task.ComplexityScore > 100 {
		return fmt.Errorf("complexity score out of range: %d", task.ComplexityScore)
	}
	if task.RetryCount < 0 {
		return fmt.Errorf("retry count must be >= 0")
	}
	return nil
}

// Agent is a role-tagged executor. Score and the success/fail counters are a
// governance signal: mutated by the worker result path, read by the
// dispatcher to decide eligibility.
type Agent struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	Role          Role        `json:"role"`
	Status        AgentStatus `json:"status"`
	CurrentTaskID string      `json:"current_task_id,omitempty"`
	Score         int         `json:"score"`
	SuccessCount  int         `json:"success_count"`
	FailCount     int         `json:"fail_count"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

func ValidateAgent(agent Agent) error {
	if strings.TrimSpace(agent.ID) == "" {
		return fmt.Errorf("agent id is required")
	}
	if err := ValidateRole(agent.Role); err != nil {
		return err
	}
	return ValidateAgentStatus(agent.Status)
}

const (
	TraceEventTaskAssigned     = "task_assigned"
	TraceEventTaskCompleted    = "task_completed"
	TraceEventTaskRejected     = "task_rejected"
	TraceEventTaskBlocked      = "task_blocked"
	TraceEventTaskUnblocked    = "task_unblocked"
	TraceEventTaskReclaimed    = "task_reclaimed"
	TraceEventDeadlockDetected = "deadlock_detected"
	TraceEventDeadlockResolved = "deadlock_resolved"
	TraceEventMediationFailed  = "mediation_failed"
	TraceEventLedgerAppend     = "ledger_append"
	TraceEventLedgerSealed     = "ledger_sealed"
)

// TraceEvent is an audit record for external observability tooling.
type TraceEvent struct {
	ID        string            `json:"id"`
	TaskID    string            `json:"task_id,omitempty"`
	AgentID   string            `json:"agent_id,omitempty"`
	Event     string            `json:"event"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

func ValidateTraceEvent(event TraceEvent) error {
	if strings.TrimSpace(event.ID) == "" {
		return fmt.Errorf("trace event id is required")
	}
	if strings.TrimSpace(event.Event) == "" {
		return fmt.Errorf("trace event type is required")
	}
	return nil
}

// Notification is emitted on every task and agent state transition. Delivery
// is best-effort and not required for correctness.
type Notification struct {
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	NewState   string    `json:"new_state"`
	Timestamp  time.Time `json:"timestamp"`
}

func NewTraceID() string {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("trc-%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("trc-%d-%s", time.Now().UnixNano(), hex.EncodeToString(b[:]))
}
