package sandbox

import (
	"context"
	"strings"
)

// StubRunner is a runner for tests and node-less environments. It passes
// everything except artifacts containing a `throw` at the top level, which is
// enough to exercise both verification branches deterministically.
type StubRunner struct {
	// Run overrides the canned behavior when set.
	Run func(ctx context.Context, code, language string) (Result, error)
}

func (s *StubRunner) Execute(ctx context.Context, code, language string) (Result, error) {
	if s.Run != nil {
		return s.Run(ctx, code, language)
	}
	if strings.Contains(code, "throw ") {
		return Result{Stderr: "Error: thrown at top level", ExitCode: 1}, nil
	}
	return Result{Stdout: "ok", ExitCode: 0}, nil
}
