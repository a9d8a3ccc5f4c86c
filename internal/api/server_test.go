package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/forgeworks/foundry/internal/config"
	"github.com/forgeworks/foundry/internal/ledger"
	"github.com/forgeworks/foundry/internal/llm"
	"github.com/forgeworks/foundry/internal/model"
	"github.com/forgeworks/foundry/internal/sandbox"
	"github.com/forgeworks/foundry/internal/store"
	"github.com/forgeworks/foundry/internal/testutil/testlog"
	"github.com/forgeworks/foundry/internal/verify"
)

func newTestServer(t *testing.T) (*Server, *store.Store, *ledger.Ledger) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	critic := llm.NewStubClient()
	critic.Respond = func(req llm.ChatRequest) (llm.ChatResponse, error) {
		return llm.ChatResponse{Content: `{"pass": true}`}, nil
	}
	verifier, err := verify.New(config.VerifyConfig{CriticFailOpen: true}, &sandbox.StubRunner{}, critic, testlog.Logger(t))
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	lg := ledger.New(config.LedgerConfig{SealThreshold: 3, Difficulty: 1, NonceCap: 250000},
		st, verifier, testlog.Logger(t))

	return NewServer(config.APIConfig{Addr: ":0"}, st, lg, testlog.Logger(t)), st, lg
}

func doRequest(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestCreateAndGetTask(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/tasks",
		`{"required_role": "mid_dev", "complexity_score": 40, "context_packet": "add a parser"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d body=%s", rec.Code, rec.Body.String())
	}
	var created model.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Status != model.TaskStatusQueued {
		t.Fatalf("created status = %s", created.Status)
	}

	rec = doRequest(t, s, http.MethodGet, "/tasks/"+created.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	rec = doRequest(t, s, http.MethodGet, "/tasks/nonexistent", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing task status = %d, want 404", rec.Code)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/tasks", `{"complexity_score": 40}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for missing fields", rec.Code)
	}
	rec = doRequest(t, s, http.MethodPost, "/tasks",
		`{"required_role": "wizard", "context_packet": "x"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for invalid role", rec.Code)
	}
}

func TestListTasksByStatus(t *testing.T) {
	t.Parallel()
	s, st, _ := newTestServer(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := st.CreateTask(ctx, model.Task{
			RequiredRole: model.RoleMid, ComplexityScore: 50, ContextPacket: "work",
		}); err != nil {
			t.Fatalf("create task: %v", err)
		}
	}

	rec := doRequest(t, s, http.MethodGet, "/tasks?status=QUEUED", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Count != 2 {
		t.Fatalf("count = %d, want 2", body.Count)
	}

	rec = doRequest(t, s, http.MethodGet, "/tasks?status=BOGUS", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bogus status filter = %d, want 400", rec.Code)
	}
}

func TestSupplyContext(t *testing.T) {
	t.Parallel()
	s, st, _ := newTestServer(t)
	ctx := context.Background()

	task, err := st.CreateTask(ctx, model.Task{
		RequiredRole: model.RoleMid, ComplexityScore: 50,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	rec := doRequest(t, s, http.MethodPost, "/tasks/"+task.ID+"/context",
		`{"context_packet": "wire the formatter"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var updated model.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &updated); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if updated.ContextPacket != "wire the formatter" {
		t.Fatalf("context packet = %q", updated.ContextPacket)
	}

	rec = doRequest(t, s, http.MethodPost, "/tasks/"+task.ID+"/context", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty packet status = %d, want 400", rec.Code)
	}
	rec = doRequest(t, s, http.MethodPost, "/tasks/nonexistent/context",
		`{"context_packet": "x"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing task status = %d, want 404", rec.Code)
	}
}

func TestAgentOffline(t *testing.T) {
	t.Parallel()
	s, st, _ := newTestServer(t)
	ctx := context.Background()

	agent, err := st.CreateAgent(ctx, model.Agent{Name: "retiree", Role: model.RoleMid})
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}

	rec := doRequest(t, s, http.MethodPost, "/agents/"+agent.ID+"/offline", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var got model.Agent
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != model.AgentStatusOffline {
		t.Fatalf("agent status = %s, want OFFLINE", got.Status)
	}

	rec = doRequest(t, s, http.MethodPost, "/agents/nonexistent/offline", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing agent status = %d, want 404", rec.Code)
	}
}

func TestLedgerStatsAndVerify(t *testing.T) {
	t.Parallel()
	s, _, lg := newTestServer(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		result, err := lg.VerifyAndStore(ctx, "agent-1", fmt.Sprintf("task-%d", i),
			"fix the log", fmt.Sprintf("console.log(%d);", i), "javascript", model.RoleMid)
		if err != nil {
			t.Fatalf("verify and store: %v", err)
		}
		if !result.Verified {
			t.Fatalf("artifact %d rejected", i)
		}
	}

	rec := doRequest(t, s, http.MethodGet, "/ledger/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("stats status = %d", rec.Code)
	}
	var stats ledger.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.Statements != 2 {
		t.Fatalf("statements = %d, want 2", stats.Statements)
	}

	rec = doRequest(t, s, http.MethodPost, "/ledger/verify", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("verify status = %d", rec.Code)
	}
	var verdict struct {
		Intact bool `json:"intact"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &verdict); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !verdict.Intact {
		t.Fatal("fresh chain reported broken")
	}
}

func TestAgentsAndTrace(t *testing.T) {
	t.Parallel()
	s, st, _ := newTestServer(t)
	ctx := context.Background()

	agent, err := st.CreateAgent(ctx, model.Agent{Name: "dev", Role: model.RoleMid})
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	task, err := st.CreateTask(ctx, model.Task{
		RequiredRole: model.RoleMid, ComplexityScore: 50, ContextPacket: "work",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := st.AppendTrace(ctx, model.TraceEvent{
		TaskID: task.ID, AgentID: agent.ID, Event: model.TraceEventTaskAssigned,
	}); err != nil {
		t.Fatalf("trace: %v", err)
	}

	rec := doRequest(t, s, http.MethodGet, "/agents", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("agents status = %d", rec.Code)
	}
	var agents struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &agents); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if agents.Count != 1 {
		t.Fatalf("agents = %d, want 1", agents.Count)
	}

	rec = doRequest(t, s, http.MethodGet, "/tasks/"+task.ID+"/trace", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("trace status = %d", rec.Code)
	}
	var events struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &events); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if events.Count != 1 {
		t.Fatalf("trace events = %d, want 1", events.Count)
	}
}
