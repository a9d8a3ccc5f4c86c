// Package dispatch runs the periodic cycle that routes queued tasks to idle
// agents, requeues revision work, and escalates stuck tasks to the war room.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/forgeworks/foundry/internal/config"
	"github.com/forgeworks/foundry/internal/model"
	"github.com/forgeworks/foundry/internal/notify"
	"github.com/forgeworks/foundry/internal/observability"
	"github.com/forgeworks/foundry/internal/store"
)

type Dispatcher struct {
	cfg    config.DispatchConfig
	store  *store.Store
	bus    *notify.Bus
	router Router
	logger zerolog.Logger

	// cycleMu enforces overlap-skip: a tick that fires while the previous
	// cycle is still running is dropped, not queued.
	cycleMu sync.Mutex
}

func New(cfg config.DispatchConfig, st *store.Store, bus *notify.Bus, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:   cfg,
		store: st,
		bus:   bus,
		router: Router{
			FastTrackBelow:   cfg.FastTrackBelow,
			EscalateAbove:    cfg.EscalateAbove,
			BackpressureLoad: cfg.BackpressureLoad,
		},
		logger: logger.With().Str("component", "dispatch").Logger(),
	}
}

// Run drives cycles on the configured interval until the context ends.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.RunCycle(ctx); err != nil {
				d.logger.Error().Err(err).Msg("dispatch cycle failed")
			}
		}
	}
}

// RunCycle executes one dispatch pass: stalled-work reclaim, deadlock
// escalation, revision requeue, acceptance promotion, context screening,
// then assignment of the queued batch.
func (d *Dispatcher) RunCycle(ctx context.Context) error {
	if !d.cycleMu.TryLock() {
		observability.RecordDispatchCycle("skipped_overlap")
		d.logger.Warn().Msg("previous cycle still running, skipping tick")
		return nil
	}
	defer d.cycleMu.Unlock()

	if err := d.reclaimStalled(ctx); err != nil {
		return err
	}
	if err := d.escalateDeadlocks(ctx); err != nil {
		return err
	}
	if err := d.requeueRevisions(ctx); err != nil {
		return err
	}
	if err := d.promoteAccepted(ctx); err != nil {
		return err
	}
	if err := d.blockUnready(ctx); err != nil {
		return err
	}
	if err := d.unblockReady(ctx); err != nil {
		return err
	}
	if err := d.assignQueued(ctx); err != nil {
		return err
	}

	observability.RecordDispatchCycle("completed")
	return nil
}

// reclaimStalled returns tasks stranded in IN_PROGRESS to the queue and
// frees their agents. A worker that crashed or hit a storage error between
// the claim and the result write leaves exactly this pair behind; without
// the reclaim the agent would stay BUSY forever. The CAS protects a worker
// that is merely slow: its own transition simply loses the race and
// conflicts.
func (d *Dispatcher) reclaimStalled(ctx context.Context) error {
	stale, err := d.store.StaleInProgress(ctx, d.cfg.StaleAfter())
	if err != nil {
		return err
	}
	for _, task := range stale {
		assignee := task.AssignedAgentID
		err := d.store.TransitionTask(ctx, task.ID, model.TaskStatusInProgress, model.TaskStatusQueued, store.TaskMutation{
			ClearAssignee: true,
		})
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return err
		}
		if assignee != "" {
			err := d.store.ReleaseAgent(ctx, assignee, task.ID)
			if err != nil && !errors.Is(err, store.ErrConflict) {
				return err
			}
			d.bus.Publish("agent", assignee, string(model.AgentStatusIdle))
		}
		d.bus.Publish("task", task.ID, string(model.TaskStatusQueued))
		if err := d.store.AppendTrace(ctx, model.TraceEvent{
			TaskID:  task.ID,
			AgentID: assignee,
			Event:   model.TraceEventTaskReclaimed,
			Metadata: map[string]string{
				"stale_after": d.cfg.StaleAfter().String(),
			},
		}); err != nil {
			d.logger.Warn().Err(err).Str("task_id", task.ID).Msg("reclaim trace failed")
		}
		d.logger.Warn().
			Str("task_id", task.ID).
			Str("agent_id", assignee).
			Msg("stalled task reclaimed")
	}
	return nil
}

// escalateDeadlocks moves revision-state tasks past the retry budget into
// the war room. This is the only path into WAR_ROOM.
func (d *Dispatcher) escalateDeadlocks(ctx context.Context) error {
	for _, status := range model.RevisionStates() {
		tasks, err := d.store.TasksByStatus(ctx, status)
		if err != nil {
			return err
		}
		for _, task := range tasks {
			if task.IsDeadlocked || task.RetryCount <= d.cfg.DeadlockRetryBudget {
				continue
			}
			deadlocked := true
			reason := fmt.Sprintf("review/fix loop exhausted: %d attempts rejected (budget %d); last feedback: %s",
				task.RetryCount, d.cfg.DeadlockRetryBudget, lastFeedback(task))
			err := d.store.TransitionTask(ctx, task.ID, status, model.TaskStatusWarRoom, store.TaskMutation{
				SetDeadlocked: &deadlocked,
				BlockedReason: &reason,
				ClearAssignee: true,
			})
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			if err != nil {
				return err
			}

			observability.RecordDeadlock()
			d.bus.Publish("task", task.ID, string(model.TaskStatusWarRoom))
			if err := d.store.AppendTrace(ctx, model.TraceEvent{
				TaskID:  task.ID,
				AgentID: task.OwnerAgentID,
				Event:   model.TraceEventDeadlockDetected,
				Metadata: map[string]string{
					"retry_count": fmt.Sprintf("%d", task.RetryCount),
					"reason":      reason,
				},
			}); err != nil {
				d.logger.Warn().Err(err).Str("task_id", task.ID).Msg("deadlock trace failed")
			}
			d.logger.Warn().
				Str("task_id", task.ID).
				Int("retry_count", task.RetryCount).
				Msg("task escalated to war room")
		}
	}
	return nil
}

// requeueRevisions returns within-budget revision tasks to the queue so the
// next assignment pass can hand them back out (preferring the owner).
func (d *Dispatcher) requeueRevisions(ctx context.Context) error {
	for _, status := range model.RevisionStates() {
		tasks, err := d.store.TasksByStatus(ctx, status)
		if err != nil {
			return err
		}
		for _, task := range tasks {
			if task.IsDeadlocked || task.RetryCount > d.cfg.DeadlockRetryBudget {
				continue
			}
			err := d.store.RequeueRevision(ctx, task.ID, status)
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			if err != nil {
				return err
			}
			d.bus.Publish("task", task.ID, string(model.TaskStatusQueued))
		}
	}
	return nil
}

// promoteAccepted finishes tasks whose artifact already passed the gate:
// IN_REVIEW and IN_QA both complete here.
func (d *Dispatcher) promoteAccepted(ctx context.Context) error {
	for _, status := range []model.TaskStatus{model.TaskStatusInReview, model.TaskStatusInQA} {
		tasks, err := d.store.TasksByStatus(ctx, status)
		if err != nil {
			return err
		}
		for _, task := range tasks {
			err := d.store.TransitionTask(ctx, task.ID, status, model.TaskStatusCompleted, store.TaskMutation{
				ClearAssignee: true,
			})
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			if err != nil {
				return err
			}
			d.bus.Publish("task", task.ID, string(model.TaskStatusCompleted))
			if err := d.store.AppendTrace(ctx, model.TraceEvent{
				TaskID:  task.ID,
				AgentID: task.OwnerAgentID,
				Event:   model.TraceEventTaskCompleted,
			}); err != nil {
				d.logger.Warn().Err(err).Str("task_id", task.ID).Msg("completion trace failed")
			}
		}
	}
	return nil
}

// blockUnready screens the queue: a task with no usable context packet can
// never produce a meaningful artifact, so it parks in BLOCKED instead of
// burning an agent slot.
func (d *Dispatcher) blockUnready(ctx context.Context) error {
	tasks, err := d.store.TasksByStatus(ctx, model.TaskStatusQueued)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if strings.TrimSpace(task.ContextPacket) != "" {
			continue
		}
		reason := "context packet missing; supply task context to requeue"
		err := d.store.TransitionTask(ctx, task.ID, model.TaskStatusQueued, model.TaskStatusBlocked, store.TaskMutation{
			BlockedReason: &reason,
		})
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return err
		}
		d.bus.Publish("task", task.ID, string(model.TaskStatusBlocked))
		if err := d.store.AppendTrace(ctx, model.TraceEvent{
			TaskID: task.ID,
			Event:  model.TraceEventTaskBlocked,
			Metadata: map[string]string{
				"reason": reason,
			},
		}); err != nil {
			d.logger.Warn().Err(err).Str("task_id", task.ID).Msg("block trace failed")
		}
		d.logger.Warn().Str("task_id", task.ID).Msg("task blocked pending context")
	}
	return nil
}

// unblockReady returns blocked tasks whose context packet has since been
// supplied to the queue.
func (d *Dispatcher) unblockReady(ctx context.Context) error {
	tasks, err := d.store.TasksByStatus(ctx, model.TaskStatusBlocked)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if strings.TrimSpace(task.ContextPacket) == "" {
			continue
		}
		cleared := ""
		err := d.store.TransitionTask(ctx, task.ID, model.TaskStatusBlocked, model.TaskStatusQueued, store.TaskMutation{
			BlockedReason: &cleared,
		})
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return err
		}
		d.bus.Publish("task", task.ID, string(model.TaskStatusQueued))
		if err := d.store.AppendTrace(ctx, model.TraceEvent{
			TaskID: task.ID,
			Event:  model.TraceEventTaskUnblocked,
		}); err != nil {
			d.logger.Warn().Err(err).Str("task_id", task.ID).Msg("unblock trace failed")
		}
		d.logger.Info().Str("task_id", task.ID).Msg("task unblocked")
	}
	return nil
}

// assignQueued routes a bounded batch of queued tasks in creation order.
// Assignment is best-effort: a task with no idle agent stays queued with no
// penalty.
func (d *Dispatcher) assignQueued(ctx context.Context) error {
	batch, err := d.store.QueuedBatch(ctx, d.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, task := range batch {
		agent, effective, sticky, ok, err := d.resolveAssignee(ctx, task)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}

		err = d.store.AssignTask(ctx, task.ID, agent.ID)
		if errors.Is(err, store.ErrConflict) {
			// Someone else moved the task or the agent since we looked.
			continue
		}
		if err != nil {
			return err
		}

		observability.RecordAssignment(string(effective), sticky)
		d.bus.Publish("task", task.ID, string(model.TaskStatusAssigned))
		d.bus.Publish("agent", agent.ID, string(model.AgentStatusBusy))
		if err := d.store.AppendTrace(ctx, model.TraceEvent{
			TaskID:  task.ID,
			AgentID: agent.ID,
			Event:   model.TraceEventTaskAssigned,
			Metadata: map[string]string{
				"required_role":  string(task.RequiredRole),
				"effective_role": string(effective),
				"sticky":         fmt.Sprintf("%t", sticky),
			},
		}); err != nil {
			d.logger.Warn().Err(err).Str("task_id", task.ID).Msg("assignment trace failed")
		}
		d.logger.Info().
			Str("task_id", task.ID).
			Str("agent_id", agent.ID).
			Str("effective_role", string(effective)).
			Bool("sticky", sticky).
			Msg("task assigned")
	}
	return nil
}

// resolveAssignee applies sticky ownership, the idle search, and one round
// of backpressure demotion.
func (d *Dispatcher) resolveAssignee(ctx context.Context, task model.Task) (model.Agent, model.Role, bool, bool, error) {
	effective := d.router.EffectiveRole(task.RequiredRole, task.ComplexityScore)

	if task.OwnerAgentID != "" {
		owner, err := d.store.AgentIfIdle(ctx, task.OwnerAgentID)
		if err == nil {
			return owner, owner.Role, true, true, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return model.Agent{}, "", false, false, err
		}
	}

	agent, err := d.store.IdleAgentByRole(ctx, effective)
	if err == nil {
		return agent, effective, false, true, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return model.Agent{}, "", false, false, err
	}

	load, err := d.store.CountInProgressByRole(ctx, effective)
	if err != nil {
		return model.Agent{}, "", false, false, err
	}
	demoted, shed := d.router.Backpressure(effective, load)
	if !shed {
		return model.Agent{}, "", false, false, nil
	}
	agent, err = d.store.IdleAgentByRole(ctx, demoted)
	if err == nil {
		d.logger.Info().
			Str("task_id", task.ID).
			Str("from", string(effective)).
			Str("to", string(demoted)).
			Int("load", load).
			Msg("backpressure demotion")
		return agent, demoted, false, true, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return model.Agent{}, "", false, false, err
	}
	return model.Agent{}, "", false, false, nil
}

func lastFeedback(task model.Task) string {
	if task.ReviewFeedback != "" {
		return task.ReviewFeedback
	}
	if task.ErrorMessage != "" {
		return task.ErrorMessage
	}
	return "no feedback recorded"
}
