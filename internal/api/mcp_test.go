package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/deepqueue/internal/events"
	"github.com/kalambet/deepqueue/internal/research"
	"github.com/kalambet/deepqueue/internal/storage"
)

// --- mocks ---

type mockSubmitter struct {
	store *research.Store
	err   error
}

func (m *mockSubmitter) Submit(ctx context.Context, question string) (research.Research, error) {
	if m.err != nil {
		return research.Research{}, m.err
	}
	return m.store.Create(ctx, question, "")
}

type mockTimeline struct {
	mu      sync.Mutex
	entries []events.TimelineEntry
	err     error
	calls   [][2]string
}

func (m *mockTimeline) GetCorrelatedEvents(_ context.Context, requestID, upstreamJobID string) ([]events.TimelineEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, [2]string{requestID, upstreamJobID})
	if m.err != nil {
		return nil, m.err
	}
	if m.entries == nil {
		return []events.TimelineEntry{}, nil
	}
	return m.entries, nil
}

// --- helpers ---

func newTestMCPDeps(t *testing.T) (MCPDeps, *research.Store) {
	t.Helper()
	store := research.NewStore(storage.NewMemory())
	return MCPDeps{
		Store:     store,
		Submitter: &mockSubmitter{store: store},
		Timeline:  &mockTimeline{},
	}, store
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func makeReadResourceRequest(uri string) mcp.ReadResourceRequest {
	return mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: uri,
		},
	}
}

// --- tests ---

func TestMCPTool_SubmitResearch(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	handler := mcpSubmitResearch(deps)

	result, err := handler(context.Background(), makeCallToolRequest("submit_research", map[string]interface{}{
		"question": "How do tides work?",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	var rec research.Research
	if err := json.Unmarshal([]byte(toolText(t, result)), &rec); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if rec.ID == "" || rec.Question != "How do tides work?" {
		t.Errorf("record = %+v", rec)
	}
	if _, err := store.Get(context.Background(), rec.ID); err != nil {
		t.Errorf("record not stored: %v", err)
	}
}

func TestMCPTool_SubmitResearch_MissingQuestion(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	result, err := mcpSubmitResearch(deps)(context.Background(), makeCallToolRequest("submit_research", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected tool error for missing question")
	}
}

func TestMCPTool_SubmitResearch_Error(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	deps.Submitter = &mockSubmitter{err: errors.New("kv down")}

	result, err := mcpSubmitResearch(deps)(context.Background(), makeCallToolRequest("submit_research", map[string]interface{}{
		"question": "q",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError || !strings.Contains(toolText(t, result), "kv down") {
		t.Errorf("result = %+v", result)
	}
}

func TestMCPTool_GetResearch(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	rec, err := store.Create(context.Background(), "What is entropy?", "")
	if err != nil {
		t.Fatal(err)
	}

	result, err := mcpGetResearch(deps)(context.Background(), makeCallToolRequest("get_research", map[string]interface{}{"id": rec.ID}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	if !strings.Contains(toolText(t, result), rec.ID) {
		t.Errorf("result does not mention id: %s", toolText(t, result))
	}

	result, _ = mcpGetResearch(deps)(context.Background(), makeCallToolRequest("get_research", map[string]interface{}{"id": "missing"}))
	if !result.IsError || !strings.Contains(toolText(t, result), "not found") {
		t.Errorf("missing research result = %+v", result)
	}
}

func TestMCPTool_ResearchTimeline(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	tl := &mockTimeline{entries: []events.TimelineEntry{{ID: "evt_1", Type: events.Outbound, Status: "SUCCESS"}}}
	deps.Timeline = tl

	rec, _ := store.Create(context.Background(), "q", "")
	store.Update(context.Background(), rec.ID, research.Patch{UpstreamJobID: research.Ptr("resp_3")})

	result, err := mcpResearchTimeline(deps)(context.Background(), makeCallToolRequest("research_timeline", map[string]interface{}{"id": rec.ID}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	var body struct {
		ResearchID string                 `json:"researchId"`
		Events     []events.TimelineEntry `json:"events"`
		Count      int                    `json:"count"`
	}
	if err := json.Unmarshal([]byte(toolText(t, result)), &body); err != nil {
		t.Fatal(err)
	}
	if body.ResearchID != rec.ID || body.Count != 1 || body.Events[0].ID != "evt_1" {
		t.Errorf("body = %+v", body)
	}
	if len(tl.calls) != 1 || tl.calls[0] != [2]string{rec.ID, "resp_3"} {
		t.Errorf("calls = %v", tl.calls)
	}
}

func TestMCPTool_ResearchTimeline_Error(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	deps.Timeline = &mockTimeline{err: errors.New("broker down")}
	rec, _ := store.Create(context.Background(), "q", "")

	result, err := mcpResearchTimeline(deps)(context.Background(), makeCallToolRequest("research_timeline", map[string]interface{}{"id": rec.ID}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected tool error")
	}
}

func TestMCPResource_Recent(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	ctx := context.Background()

	long := strings.Repeat("é", 300)
	for i := 0; i < 12; i++ {
		q := fmt.Sprintf("question %d", i)
		if i == 11 {
			q = long
		}
		if _, err := store.Create(ctx, q, ""); err != nil {
			t.Fatal(err)
		}
	}

	contents, err := mcpResourceRecent(deps)(ctx, makeReadResourceRequest(recentResourceURI))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("expected 1 content, got %d", len(contents))
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}

	var summaries []struct {
		ID       string `json:"id"`
		Question string `json:"question"`
	}
	if err := json.Unmarshal([]byte(tc.Text), &summaries); err != nil {
		t.Fatal(err)
	}
	if len(summaries) != 10 {
		t.Fatalf("expected 10 summaries, got %d", len(summaries))
	}
	for _, s := range summaries {
		if n := utf8.RuneCountInString(s.Question); n > 203 {
			t.Errorf("question not truncated: %d runes", n)
		}
	}
}

func TestMCPServer_Registers(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	if s := NewMCPServer(deps, "test"); s == nil {
		t.Fatal("NewMCPServer returned nil")
	}
}
