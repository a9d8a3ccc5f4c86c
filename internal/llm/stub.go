package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// StubClient is a deterministic stand-in for environments with no model
// endpoint. It echoes a trivially runnable artifact derived from the last
// user message, which is enough to drive the full dispatch and verification
// path end to end.
type StubClient struct {
	mu    sync.Mutex
	calls int
	// Respond overrides the canned behavior when set.
	Respond func(req ChatRequest) (ChatResponse, error)
}

func NewStubClient() *StubClient { return &StubClient{} }

func (c *StubClient) Chat(_ context.Context, req ChatRequest) (ChatResponse, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()

	if c.Respond != nil {
		return c.Respond(req)
	}
	if len(req.Messages) == 0 {
		return ChatResponse{}, fmt.Errorf("llm chat requires at least one message")
	}
	last := req.Messages[len(req.Messages)-1].Content
	summary := strings.TrimSpace(last)
	if len(summary) > 60 {
		summary = summary[:60]
	}
	content := fmt.Sprintf("```javascript\n// %s\nfunction run() {\n  return 'ok';\n}\nrun();\n```", summary)
	return ChatResponse{Content: content, FinishReason: "stop"}, nil
}

func (c *StubClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}
