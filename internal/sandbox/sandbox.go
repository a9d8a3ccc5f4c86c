// Package sandbox executes candidate artifacts in a short-lived subprocess
// under a hard wall-clock timeout. The sandbox proves that code runs; it does
// not prove that it is correct.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/forgeworks/foundry/internal/config"
)

type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
	Duration time.Duration
}

// Ok reports whether the run is considered a pass.
func (r Result) Ok() bool { return !r.TimedOut && r.ExitCode == 0 }

type Runner interface {
	Execute(ctx context.Context, code, language string) (Result, error)
}

// ProcessRunner runs JavaScript and TypeScript artifacts through a node
// binary. Each run gets its own scratch directory, removed afterwards.
type ProcessRunner struct {
	nodeBinary string
	timeout    time.Duration
	logger     zerolog.Logger
}

func NewProcessRunner(cfg config.SandboxConfig, logger zerolog.Logger) *ProcessRunner {
	node := strings.TrimSpace(cfg.NodeBinary)
	if node == "" {
		node = "node"
	}
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ProcessRunner{
		nodeBinary: node,
		timeout:    timeout,
		logger:     logger.With().Str("component", "sandbox").Logger(),
	}
}

func (r *ProcessRunner) Execute(ctx context.Context, code, language string) (Result, error) {
	switch strings.ToLower(strings.TrimSpace(language)) {
	case "", "javascript", "js", "typescript", "ts":
	default:
		return Result{}, fmt.Errorf("sandbox does not support language %q", language)
	}

	dir, err := os.MkdirTemp("", "foundry-sandbox-*")
	if err != nil {
		return Result{}, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	script := filepath.Join(dir, "artifact.js")
	if err := os.WriteFile(script, []byte(code), 0o644); err != nil {
		return Result{}, fmt.Errorf("write artifact: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.nodeBinary, script)
	cmd.Dir = dir
	configureCommandProcess(cmd)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	result := Result{
		Stdout:   strings.TrimSpace(stdout.String()),
		Stderr:   strings.TrimSpace(stderr.String()),
		Duration: time.Since(start),
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		terminateCommandProcess(cmd)
		result.TimedOut = true
		result.ExitCode = -1
		r.logger.Warn().Dur("timeout", r.timeout).Msg("sandbox run timed out")
		return result, nil
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return Result{}, fmt.Errorf("run sandbox process: %w", runErr)
	}
	return result, nil
}
