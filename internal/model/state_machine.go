package model

import "fmt"

type TaskStatus string

const (
	TaskStatusQueued        TaskStatus = "QUEUED"
	TaskStatusAssigned      TaskStatus = "ASSIGNED"
	TaskStatusInProgress    TaskStatus = "IN_PROGRESS"
	TaskStatusInReview      TaskStatus = "IN_REVIEW"
	TaskStatusCompleted     TaskStatus = "COMPLETED"
	TaskStatusNeedsRevision TaskStatus = "NEEDS_REVISION"
	TaskStatusFailed        TaskStatus = "FAILED"
	TaskStatusWarRoom       TaskStatus = "WAR_ROOM"
	TaskStatusInQA          TaskStatus = "IN_QA"
	TaskStatusBlocked       TaskStatus = "BLOCKED"
	TaskStatusPendingTests  TaskStatus = "PENDING_TESTS"
)

var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskStatusQueued: {
		TaskStatusAssigned: {},
		TaskStatusBlocked:  {},
	},
	TaskStatusAssigned: {
		TaskStatusInProgress: {},
		TaskStatusQueued:     {},
		TaskStatusBlocked:    {},
	},
	TaskStatusInProgress: {
		TaskStatusInReview:      {},
		TaskStatusNeedsRevision: {},
		TaskStatusFailed:        {},
		TaskStatusBlocked:       {},
		TaskStatusPendingTests:  {},
		// Reclaim path: a worker that died mid-flight leaves the task here,
		// and the dispatcher returns it to the queue.
		TaskStatusQueued: {},
	},
	TaskStatusInReview: {
		TaskStatusCompleted:     {},
		TaskStatusNeedsRevision: {},
		TaskStatusFailed:        {},
		TaskStatusPendingTests:  {},
		TaskStatusInQA:          {},
	},
	TaskStatusNeedsRevision: {
		TaskStatusQueued:   {},
		TaskStatusAssigned: {},
		TaskStatusWarRoom:  {},
	},
	TaskStatusFailed: {
		TaskStatusQueued:  {},
		TaskStatusWarRoom: {},
	},
	TaskStatusWarRoom: {
		TaskStatusInQA: {},
	},
	TaskStatusInQA: {
		TaskStatusCompleted:     {},
		TaskStatusNeedsRevision: {},
	},
	TaskStatusPendingTests: {
		TaskStatusInQA:   {},
		TaskStatusFailed: {},
	},
	TaskStatusBlocked: {
		TaskStatusQueued: {},
	},
	TaskStatusCompleted: {},
}

func ValidateTaskStatus(status TaskStatus) error {
	if _, ok := allowedTransitions[status]; !ok {
		return fmt.Errorf("invalid task status: %q", status)
	}
	return nil
}

func ValidateTransition(from, to TaskStatus) error {
	if err := ValidateTaskStatus(from); err != nil {
		return err
	}
	if err := ValidateTaskStatus(to); err != nil {
		return err
	}
	if _, ok := allowedTransitions[from][to]; !ok {
		return fmt.Errorf("invalid task transition: %s -> %s", from, to)
	}
	return nil
}

// IsTerminal reports whether no further transitions leave the status. FAILED
// is not terminal: it can be retried or escalated to the war room.
func IsTerminal(status TaskStatus) bool {
	next, ok := allowedTransitions[status]
	return ok && len(next) == 0
}

// RevisionStates are the statuses counted against the retry budget and
// eligible for deadlock escalation.
func RevisionStates() []TaskStatus {
	return []TaskStatus{TaskStatusNeedsRevision, TaskStatusFailed}
}
