// Package mediator is the forced-resolution path for deadlocked tasks. It
// polls the war room, asks the generation backend for a synthesis patch, and
// applies it only after the patch survives an isolated execution check; an
// unverified patch is never accepted.
package mediator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/forgeworks/foundry/internal/config"
	"github.com/forgeworks/foundry/internal/llm"
	"github.com/forgeworks/foundry/internal/model"
	"github.com/forgeworks/foundry/internal/notify"
	"github.com/forgeworks/foundry/internal/sandbox"
	"github.com/forgeworks/foundry/internal/store"
)

const synthesisSystemPrompt = `You are mediating a development task that has failed repeated review cycles.
Analyze the context and the rejection feedback, then produce a corrected, complete implementation.
Reply with a short analysis followed by exactly one fenced code block containing the full patch.`

type Mediator struct {
	cfg    config.MediatorConfig
	store  *store.Store
	client llm.Client
	runner sandbox.Runner
	bus    *notify.Bus
	logger zerolog.Logger
}

func New(cfg config.MediatorConfig, st *store.Store, client llm.Client, runner sandbox.Runner, bus *notify.Bus, logger zerolog.Logger) *Mediator {
	return &Mediator{
		cfg:    cfg,
		store:  st,
		client: client,
		runner: runner,
		bus:    bus,
		logger: logger.With().Str("component", "mediator").Logger(),
	}
}

// Run polls the war room on the configured interval until the context ends.
func (m *Mediator) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.RunOnce(ctx); err != nil {
				m.logger.Error().Err(err).Msg("mediation pass failed")
			}
		}
	}
}

// RunOnce attempts mediation for every task currently in the war room.
func (m *Mediator) RunOnce(ctx context.Context) error {
	tasks, err := m.store.TasksByStatus(ctx, model.TaskStatusWarRoom)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if err := m.Mediate(ctx, task); err != nil {
			m.logger.Error().Err(err).Str("task_id", task.ID).Msg("mediation errored")
		}
	}
	return nil
}

// Mediate runs one forced-resolution attempt. On a validated patch the task
// moves to IN_QA with its retry budget restored; on a failed validation the
// task stays in the war room for a later attempt.
func (m *Mediator) Mediate(ctx context.Context, task model.Task) error {
	resp, err := m.client.Chat(ctx, llm.ChatRequest{
		Temperature: 0.5,
		MaxTokens:   4096,
		Messages: []llm.Message{
			{Role: "system", Content: synthesisSystemPrompt},
			{Role: "user", Content: synthesisPrompt(task)},
		},
	})
	if err != nil {
		return m.recordFailure(ctx, task, fmt.Sprintf("synthesis backend error: %v", err))
	}

	// Unlike the worker path, a mediation patch must arrive fenced: prose
	// is analysis, not a patch.
	if !strings.Contains(resp.Content, "```") {
		return m.recordFailure(ctx, task, "synthesis reply contained no patch")
	}
	patch, language := llm.ExtractCode(resp.Content)
	if strings.TrimSpace(patch) == "" {
		return m.recordFailure(ctx, task, "synthesis reply contained no patch")
	}
	if language == "" {
		language = task.Language
	}

	result, err := m.runner.Execute(ctx, patch, language)
	if err != nil {
		return m.recordFailure(ctx, task, fmt.Sprintf("patch validation unavailable: %v", err))
	}
	if !result.Ok() {
		detail := result.Stderr
		if detail == "" {
			detail = fmt.Sprintf("exit code %d", result.ExitCode)
		}
		return m.recordFailure(ctx, task, fmt.Sprintf("patch failed validation: %s", detail))
	}

	return m.applyPatch(ctx, task, patch)
}

func (m *Mediator) applyPatch(ctx context.Context, task model.Task, patch string) error {
	deadlocked := false
	reason := ""
	resultNote := "mediated: patch validated in sandbox"
	err := m.store.TransitionTask(ctx, task.ID, model.TaskStatusWarRoom, model.TaskStatusInQA, store.TaskMutation{
		ResetRetryCount: true,
		SetDeadlocked:   &deadlocked,
		BlockedReason:   &reason,
		OutputArtifact:  &patch,
		Result:          &resultNote,
		ClearAssignee:   true,
	})
	if errors.Is(err, store.ErrConflict) {
		return nil
	}
	if err != nil {
		return err
	}

	m.bus.Publish("task", task.ID, string(model.TaskStatusInQA))
	if err := m.store.AppendTrace(ctx, model.TraceEvent{
		TaskID:  task.ID,
		AgentID: task.OwnerAgentID,
		Event:   model.TraceEventDeadlockResolved,
		Metadata: map[string]string{
			"patch_bytes": fmt.Sprintf("%d", len(patch)),
		},
	}); err != nil {
		m.logger.Warn().Err(err).Str("task_id", task.ID).Msg("resolution trace failed")
	}
	m.logger.Info().Str("task_id", task.ID).Msg("deadlock resolved")
	return nil
}

// recordFailure leaves the task in the war room and records why this
// attempt did not resolve it.
func (m *Mediator) recordFailure(ctx context.Context, task model.Task, detail string) error {
	if err := m.store.AppendTrace(ctx, model.TraceEvent{
		TaskID:  task.ID,
		AgentID: task.OwnerAgentID,
		Event:   model.TraceEventMediationFailed,
		Metadata: map[string]string{
			"detail": detail,
		},
	}); err != nil {
		return err
	}
	m.logger.Warn().Str("task_id", task.ID).Str("detail", detail).Msg("mediation attempt failed")
	return nil
}

func synthesisPrompt(task model.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task context:\n%s\n", task.ContextPacket)
	if task.ReviewFeedback != "" {
		fmt.Fprintf(&b, "\nMost recent rejection feedback:\n%s\n", task.ReviewFeedback)
	}
	if task.OutputArtifact != "" {
		fmt.Fprintf(&b, "\nLast rejected attempt:\n%s\n", task.OutputArtifact)
	}
	fmt.Fprintf(&b, "\nBlocked reason: %s\n", task.BlockedReason)
	return b.String()
}
