package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/forgeworks/foundry/internal/ledger"
	"github.com/forgeworks/foundry/internal/llm"
	"github.com/forgeworks/foundry/internal/model"
	"github.com/forgeworks/foundry/internal/notify"
	"github.com/forgeworks/foundry/internal/store"
	"github.com/forgeworks/foundry/internal/verify"
)

// Worker is one agent's execution path: it picks up work assigned to its
// agent, produces an artifact through the generation backend, runs it
// through the gate via the ledger, and records the outcome. Workers run
// concurrently with each other and with the dispatch cycle; every state
// change goes through the store's compare-and-swap transitions.
type Worker struct {
	agent  model.Agent
	store  *store.Store
	client llm.Client
	ledger *ledger.Ledger
	bus    *notify.Bus
	guard  llm.Guard
	logger zerolog.Logger

	// fallback answers when the primary backend is on cooldown, so the
	// system stays serviceable through an outage.
	fallback llm.Client
}

func NewWorker(agent model.Agent, st *store.Store, client llm.Client, lg *ledger.Ledger, bus *notify.Bus, logger zerolog.Logger) *Worker {
	return &Worker{
		agent:    agent,
		store:    st,
		client:   client,
		ledger:   lg,
		bus:      bus,
		guard:    llm.NewGuard(3, 5*time.Minute),
		fallback: llm.NewStubClient(),
		logger: logger.With().
			Str("component", "worker").
			Str("agent_id", agent.ID).
			Str("role", string(agent.Role)).
			Logger(),
	}
}

// Run polls for assigned work until the context ends.
func (w *Worker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.RunOnce(ctx); err != nil {
				w.logger.Error().Err(err).Msg("worker pass failed")
			}
		}
	}
}

// RunOnce processes at most one task assigned to this worker's agent.
func (w *Worker) RunOnce(ctx context.Context) error {
	assigned, err := w.store.TasksByStatus(ctx, model.TaskStatusAssigned)
	if err != nil {
		return err
	}
	for _, task := range assigned {
		if task.AssignedAgentID != w.agent.ID {
			continue
		}
		return w.execute(ctx, task)
	}
	return nil
}

func (w *Worker) execute(ctx context.Context, task model.Task) error {
	err := w.store.TransitionTask(ctx, task.ID, model.TaskStatusAssigned, model.TaskStatusInProgress, store.TaskMutation{})
	if errors.Is(err, store.ErrConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	w.bus.Publish("task", task.ID, string(model.TaskStatusInProgress))

	prompt := buildPrompt(task)
	artifact, language, genErr := w.produce(ctx, task, prompt)
	if genErr != nil {
		message := genErr.Error()
		err := w.store.TransitionTask(ctx, task.ID, model.TaskStatusInProgress, model.TaskStatusFailed, store.TaskMutation{
			RetryCountDelta: 1,
			ErrorMessage:    &message,
			ClearAssignee:   true,
		})
		if err != nil && !errors.Is(err, store.ErrConflict) {
			return err
		}
		w.bus.Publish("task", task.ID, string(model.TaskStatusFailed))
		return w.settle(ctx, task.ID, false)
	}

	stored, err := w.ledger.VerifyAndStore(ctx, w.agent.ID, task.ID, prompt, artifact, language, w.agent.Role)
	if err != nil {
		return err
	}

	if stored.Verified {
		result := fmt.Sprintf("verified: proof %s", stored.Verification.ProofHash)
		err := w.store.TransitionTask(ctx, task.ID, model.TaskStatusInProgress, model.TaskStatusInReview, store.TaskMutation{
			OutputArtifact: &artifact,
			Result:         &result,
		})
		if err != nil && !errors.Is(err, store.ErrConflict) {
			return err
		}
		w.bus.Publish("task", task.ID, string(model.TaskStatusInReview))
		w.logger.Info().Str("task_id", task.ID).Msg("artifact verified")
		return w.settle(ctx, task.ID, true)
	}

	feedback := rejectionFeedback(stored.Verification)
	err = w.store.TransitionTask(ctx, task.ID, model.TaskStatusInProgress, model.TaskStatusNeedsRevision, store.TaskMutation{
		RetryCountDelta: 1,
		ReviewFeedback:  &feedback,
		OutputArtifact:  &artifact,
		ClearAssignee:   true,
	})
	if err != nil && !errors.Is(err, store.ErrConflict) {
		return err
	}
	w.bus.Publish("task", task.ID, string(model.TaskStatusNeedsRevision))
	if err := w.store.AppendTrace(ctx, model.TraceEvent{
		TaskID:  task.ID,
		AgentID: w.agent.ID,
		Event:   model.TraceEventTaskRejected,
		Metadata: map[string]string{
			"failed_check": stored.Verification.FailedCheck,
		},
	}); err != nil {
		w.logger.Warn().Err(err).Str("task_id", task.ID).Msg("rejection trace failed")
	}
	w.logger.Warn().
		Str("task_id", task.ID).
		Str("failed_check", stored.Verification.FailedCheck).
		Msg("artifact rejected")
	return w.settle(ctx, task.ID, false)
}

// settle records the governance outcome and frees the agent. The release
// happens only after the task outcome is durably recorded, so a new
// assignment can never race the old one.
func (w *Worker) settle(ctx context.Context, taskID string, success bool) error {
	delta := -1
	if success {
		delta = 1
	}
	if err := w.store.RecordAgentOutcome(ctx, w.agent.ID, success, delta); err != nil {
		return err
	}
	err := w.store.ReleaseAgent(ctx, w.agent.ID, taskID)
	if err != nil && !errors.Is(err, store.ErrConflict) {
		return err
	}
	w.bus.Publish("agent", w.agent.ID, string(model.AgentStatusIdle))
	return nil
}

// produce calls the generation backend with role-appropriate parameters,
// degrading to the stub backend when the primary is on cooldown.
func (w *Worker) produce(ctx context.Context, task model.Task, prompt string) (string, string, error) {
	temperature, maxTokens := roleParams(w.agent.Role)
	req := llm.ChatRequest{
		Temperature: temperature,
		MaxTokens:   maxTokens,
		Messages: []llm.Message{
			{Role: "system", Content: rolePersona(w.agent.Role)},
			{Role: "user", Content: prompt},
		},
	}

	client := w.client
	degraded := false
	if !w.guard.Allow() {
		client = w.fallback
		degraded = true
	}

	resp, err := client.Chat(ctx, req)
	if err != nil && !degraded {
		w.guard.RecordFailure()
		resp, err = w.fallback.Chat(ctx, req)
		degraded = true
	}
	if err != nil {
		return "", "", fmt.Errorf("generation backend unavailable: %w", err)
	}
	if !degraded {
		w.guard.RecordSuccess()
	}

	code, language := llm.ExtractCode(resp.Content)
	if language == "" {
		language = task.Language
	}
	return code, language, nil
}

func buildPrompt(task model.Task) string {
	var b strings.Builder
	b.WriteString(task.ContextPacket)
	if task.ReviewFeedback != "" {
		fmt.Fprintf(&b, "\n\nPrevious attempt was rejected: %s\nAddress the feedback and submit a corrected version.", task.ReviewFeedback)
	}
	return b.String()
}

func rejectionFeedback(result verify.Result) string {
	check, ok := result.Check(result.FailedCheck)
	if !ok {
		return "verification failed"
	}
	return fmt.Sprintf("%s check failed: %s", check.Name, check.Message)
}

func roleParams(role model.Role) (float32, int) {
	switch role {
	case model.RoleArchitect, model.RoleLead:
		return 0.4, 4096
	case model.RoleSenior:
		return 0.3, 3072
	case model.RoleQA, model.RoleTester:
		return 0.2, 2048
	default:
		return 0.2, 2048
	}
}

func rolePersona(role model.Role) string {
	switch role {
	case model.RoleArchitect:
		return "You are a software architect. Produce a single fenced code block implementing the request with clean structure. No prose outside the fence."
	case model.RoleLead:
		return "You are a technical lead. Produce a single fenced code block implementing the request pragmatically. No prose outside the fence."
	case model.RoleQA, model.RoleTester:
		return "You are a QA engineer. Produce a single fenced code block of tests or validation code for the request. No prose outside the fence."
	default:
		return "You are a software developer. Produce a single fenced code block implementing exactly what was asked, nothing more. No prose outside the fence."
	}
}
