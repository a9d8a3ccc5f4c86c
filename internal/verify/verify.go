// Package verify is the acceptance gate for generated artifacts. Checks run
// in a fixed order (syntax, sandbox, api, entropy, safety, critic); a syntax
// failure short-circuits everything after it. The verdict is the AND of the
// checks that ran, and every call returns the full per-check breakdown so
// callers can explain a rejection.
package verify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/forgeworks/foundry/internal/config"
	"github.com/forgeworks/foundry/internal/llm"
	"github.com/forgeworks/foundry/internal/model"
	"github.com/forgeworks/foundry/internal/observability"
	"github.com/forgeworks/foundry/internal/sandbox"
)

const (
	CheckSyntax  = "syntax"
	CheckSandbox = "sandbox"
	CheckAPI     = "api"
	CheckEntropy = "entropy"
	CheckSafety  = "safety"
	CheckCritic  = "critic"
)

var checkOrder = []string{CheckSyntax, CheckSandbox, CheckAPI, CheckEntropy, CheckSafety, CheckCritic}

type Request struct {
	AgentID      string
	TaskID       string
	Prompt       string
	Artifact     string
	Language     string
	RoleBaseline model.Role
}

type CheckResult struct {
	Name     string        `json:"name"`
	Passed   bool          `json:"passed"`
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

type Result struct {
	Passed      bool          `json:"passed"`
	Checks      []CheckResult `json:"checks"`
	FailedCheck string        `json:"failed_check,omitempty"`
	ContentHash string        `json:"content_hash"`
	ProofHash   string        `json:"proof_hash"`
	Timestamp   time.Time     `json:"timestamp"`
}

// Check returns the named sub-check result.
func (r Result) Check(name string) (CheckResult, bool) {
	for _, c := range r.Checks {
		if c.Name == name {
			return c, true
		}
	}
	return CheckResult{}, false
}

type Verifier struct {
	cfg     config.VerifyConfig
	runner  sandbox.Runner
	critic  llm.Client
	catalog *Catalog
	logger  zerolog.Logger
	now     func() time.Time
}

func New(cfg config.VerifyConfig, runner sandbox.Runner, critic llm.Client, logger zerolog.Logger) (*Verifier, error) {
	catalog, err := LoadCatalog()
	if err != nil {
		return nil, err
	}
	return &Verifier{
		cfg:     cfg,
		runner:  runner,
		critic:  critic,
		catalog: catalog,
		logger:  logger.With().Str("component", "verify").Logger(),
		now:     time.Now,
	}, nil
}

// Verify runs the gate. An empty artifact passes automatically: there is
// nothing to verify, and the proof hash stays reproducible for identical
// inputs because the short-circuit uses the zero timestamp.
func (v *Verifier) Verify(ctx context.Context, req Request) Result {
	artifact := strings.TrimSpace(req.Artifact)
	if artifact == "" {
		checks := make([]CheckResult, 0, len(checkOrder))
		for _, name := range checkOrder {
			checks = append(checks, CheckResult{Name: name, Passed: true, Message: "empty artifact"})
		}
		result := Result{
			Passed:      true,
			Checks:      checks,
			ContentHash: hashContent(""),
			Timestamp:   time.Time{},
		}
		result.ProofHash = proofHash(hashContent(req.Prompt), result.ContentHash, checks, result.Timestamp)
		return result
	}

	start := v.now()
	checks := make([]CheckResult, 0, len(checkOrder))
	failed := ""

	run := func(name string, fn func() (bool, string)) bool {
		checkStart := time.Now()
		passed, message := fn()
		checks = append(checks, CheckResult{
			Name:     name,
			Passed:   passed,
			Message:  message,
			Duration: time.Since(checkStart),
		})
		if !passed && failed == "" {
			failed = name
		}
		return passed
	}
	skip := func(name string) {
		checks = append(checks, CheckResult{Name: name, Passed: true, Message: "not run"})
	}

	syntaxOK := run(CheckSyntax, func() (bool, string) {
		return checkSyntax(artifact, req.Language)
	})
	if !syntaxOK {
		// A syntactically invalid artifact tells the later checks nothing.
		for _, name := range checkOrder[1:] {
			skip(name)
		}
	} else {
		if looksExecutable(artifact) && !declarationOnly(artifact) {
			run(CheckSandbox, func() (bool, string) {
				return v.checkSandbox(ctx, artifact, req.Language)
			})
		} else {
			skip(CheckSandbox)
		}
		run(CheckAPI, func() (bool, string) {
			return v.catalog.CheckArtifact(artifact)
		})
		if v.entropyEnabled(req.RoleBaseline) {
			run(CheckEntropy, func() (bool, string) {
				return checkEntropy(req.Prompt, artifact)
			})
		} else {
			skip(CheckEntropy)
		}
		run(CheckSafety, func() (bool, string) {
			return checkSafety(artifact)
		})
		if failed == "" {
			run(CheckCritic, func() (bool, string) {
				return v.checkCritic(ctx, req.Prompt, artifact)
			})
		} else {
			skip(CheckCritic)
		}
	}

	result := Result{
		Passed:      failed == "",
		Checks:      checks,
		FailedCheck: failed,
		ContentHash: hashContent(artifact),
		Timestamp:   start,
	}
	result.ProofHash = proofHash(hashContent(req.Prompt), result.ContentHash, checks, result.Timestamp)

	observability.RecordVerification(result.Passed, failed, v.now().Sub(start))
	event := v.logger.Info()
	if !result.Passed {
		event = v.logger.Warn()
	}
	event.
		Str("task_id", req.TaskID).
		Str("agent_id", req.AgentID).
		Bool("passed", result.Passed).
		Str("failed_check", failed).
		Msg("verification")
	return result
}

// entropyEnabled applies the gate's tunable strictness: the density check
// runs only for entry-level executor baselines, where disproportionate
// output is the strongest rejection signal.
func (v *Verifier) entropyEnabled(role model.Role) bool {
	return v.cfg.EntropyEnabled && role.IsLowTier()
}

func hashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// proofHash digests the whole verification context: input hash, output hash,
// each check's bit in order, and the timestamp.
func proofHash(inputHash, outputHash string, checks []CheckResult, ts time.Time) string {
	var b strings.Builder
	b.WriteString(inputHash)
	b.WriteString("\n")
	b.WriteString(outputHash)
	b.WriteString("\n")
	for _, c := range checks {
		bit := "0"
		if c.Passed {
			bit = "1"
		}
		fmt.Fprintf(&b, "%s=%s\n", c.Name, bit)
	}
	b.WriteString(ts.UTC().Format(time.RFC3339Nano))
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
