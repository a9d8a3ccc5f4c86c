package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/forgeworks/foundry/internal/llm"
)

const criticSystemPrompt = `You review generated code for fabricated APIs only.
Flag code ONLY if it calls methods, packages, or types that do not exist.
Do NOT flag valid-but-complex code, style issues, or missing error handling.
Reply with a single JSON object: {"pass": true|false, "reason": "<short reason>"}.`

type criticVerdict struct {
	Pass   bool   `json:"pass"`
	Reason string `json:"reason"`
}

// checkCritic asks the generation backend for a constrained second opinion.
// A malformed or erroring response fails open when configured to: an
// infrastructure hiccup must never silently block otherwise-good output.
func (v *Verifier) checkCritic(ctx context.Context, prompt, artifact string) (bool, string) {
	if v.critic == nil {
		return v.failOpen("critic backend not configured")
	}
	resp, err := v.critic.Chat(ctx, llm.ChatRequest{
		Temperature: 0.1,
		MaxTokens:   300,
		Messages: []llm.Message{
			{Role: "system", Content: criticSystemPrompt},
			{Role: "user", Content: fmt.Sprintf("Request:\n%s\n\nCode:\n%s", prompt, artifact)},
		},
	})
	if err != nil {
		return v.failOpen(fmt.Sprintf("critic unavailable: %v", err))
	}

	verdict, err := parseCriticVerdict(resp.Content)
	if err != nil {
		return v.failOpen(fmt.Sprintf("critic response malformed: %v", err))
	}
	if verdict.Pass {
		return true, verdict.Reason
	}
	reason := verdict.Reason
	if reason == "" {
		reason = "critic flagged the artifact"
	}
	return false, reason
}

func (v *Verifier) failOpen(reason string) (bool, string) {
	if v.cfg.CriticFailOpen {
		return true, "fail-open: " + reason
	}
	return false, reason
}

// parseCriticVerdict extracts the first JSON object from the reply, which
// may arrive fenced or surrounded by prose.
func parseCriticVerdict(content string) (criticVerdict, error) {
	start := strings.IndexByte(content, '{')
	end := strings.LastIndexByte(content, '}')
	if start < 0 || end <= start {
		return criticVerdict{}, fmt.Errorf("no JSON object in reply")
	}
	var verdict criticVerdict
	if err := json.Unmarshal([]byte(content[start:end+1]), &verdict); err != nil {
		return criticVerdict{}, fmt.Errorf("decode verdict: %w", err)
	}
	return verdict, nil
}
