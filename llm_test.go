package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// mockResponse is one scripted reply of the mock OpenAI server.
type mockResponse struct {
	status int
	body   any
	delay  time.Duration
}

// mockOpenAI records every completion request and replies from a script.
// Once the script runs out it answers 500.
type mockOpenAI struct {
	mu        sync.Mutex
	script    []mockResponse
	requests  []completionRequest
	forbidden bool // fail the test on any request
	t         *testing.T
}

func newMockOpenAI(t *testing.T, script ...mockResponse) (*httptest.Server, *mockOpenAI) {
	m := &mockOpenAI{script: script, t: t}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req completionRequest
		json.NewDecoder(r.Body).Decode(&req)

		m.mu.Lock()
		if m.forbidden {
			m.t.Errorf("unexpected LLM request: %+v", req)
		}
		m.requests = append(m.requests, req)
		resp := mockResponse{status: http.StatusInternalServerError, body: map[string]string{"error": "script exhausted"}}
		if len(m.script) > 0 {
			resp, m.script = m.script[0], m.script[1:]
		}
		m.mu.Unlock()

		if resp.delay > 0 {
			select {
			case <-time.After(resp.delay):
			case <-r.Context().Done():
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.status)
		json.NewEncoder(w).Encode(resp.body)
	}))
	t.Cleanup(srv.Close)
	return srv, m
}

func (m *mockOpenAI) calls() []completionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]completionRequest(nil), m.requests...)
}

// openAIChatResponse wraps a content string in the OpenAI chat completions
// response shape (choices[0].message.content).
func openAIChatResponse(content string) mockResponse {
	return mockResponse{status: http.StatusOK, body: map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"role": "assistant", "content": content}},
		},
	}}
}

// openAIToolCallResponse asks for the given tool calls (name -> JSON args).
func openAIToolCallResponse(calls ...[2]string) mockResponse {
	toolCalls := make([]map[string]any, len(calls))
	for i, c := range calls {
		toolCalls[i] = map[string]any{
			"id":       "call_" + c[0],
			"type":     "function",
			"function": map[string]any{"name": c[0], "arguments": c[1]},
		}
	}
	return mockResponse{status: http.StatusOK, body: map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"role": "assistant", "content": nil, "tool_calls": toolCalls}},
		},
	}}
}

func openAIError(status int) mockResponse {
	return mockResponse{status: status, body: map[string]string{"error": "upstream"}}
}

func testLLMClient(baseURL string, timeout time.Duration) *llmClient {
	return newLLMClient(config{
		OpenAIAPIKey:  "test-key",
		OpenAIBaseURL: baseURL,
		OpenAIModel:   "gpt-4o-mini",
		LLMTimeout:    timeout,
	}, newMetrics())
}

func noTools(context.Context, toolCall) toolOutcome {
	return toolOutcome{Payload: map[string]string{"error": "no tools"}}
}

var userHello = []chatMessage{{Role: "user", Content: "hello"}}

func TestLLM_PlainReply(t *testing.T) {
	srv, mock := newMockOpenAI(t, openAIChatResponse("Hi there"))
	c := testLLMClient(srv.URL, time.Second)

	reply, outcomes, err := c.complete(context.Background(), userHello, coachTools, noTools)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply != "Hi there" || len(outcomes) != 0 {
		t.Errorf("reply = %q, outcomes = %v", reply, outcomes)
	}

	calls := mock.calls()
	if len(calls) != 1 {
		t.Fatalf("got %d requests, want 1", len(calls))
	}
	if len(calls[0].Tools) != 3 || calls[0].ToolChoice != "auto" {
		t.Errorf("draft request tools = %d, tool_choice = %q", len(calls[0].Tools), calls[0].ToolChoice)
	}
}

func TestLLM_RetriesOnceOn5xx(t *testing.T) {
	srv, mock := newMockOpenAI(t, openAIError(http.StatusBadGateway), openAIChatResponse("recovered"))
	c := testLLMClient(srv.URL, time.Second)

	reply, _, err := c.complete(context.Background(), userHello, nil, noTools)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply != "recovered" {
		t.Errorf("reply = %q, want recovered", reply)
	}
	if n := len(mock.calls()); n != 2 {
		t.Errorf("got %d requests, want 2", n)
	}
}

func TestLLM_GivesUpAfterOneRetry(t *testing.T) {
	srv, mock := newMockOpenAI(t, openAIError(500), openAIError(503), openAIChatResponse("too late"))
	c := testLLMClient(srv.URL, time.Second)

	_, _, err := c.complete(context.Background(), userHello, nil, noTools)
	if !errors.Is(err, errUpstream) {
		t.Fatalf("err = %v, want errUpstream", err)
	}
	if n := len(mock.calls()); n != 2 {
		t.Errorf("got %d requests, want exactly 2", n)
	}
}

func TestLLM_NoRetryOnClientError(t *testing.T) {
	srv, mock := newMockOpenAI(t, openAIError(http.StatusBadRequest), openAIChatResponse("unused"))
	c := testLLMClient(srv.URL, time.Second)

	if _, _, err := c.complete(context.Background(), userHello, nil, noTools); !errors.Is(err, errUpstream) {
		t.Fatalf("err = %v, want errUpstream", err)
	}
	if n := len(mock.calls()); n != 1 {
		t.Errorf("got %d requests, want 1", n)
	}
}

func TestLLM_ToolRound(t *testing.T) {
	srv, mock := newMockOpenAI(t,
		openAIToolCallResponse(
			[2]string{"estimate_tdee", `{"profile":{}}`},
			[2]string{"make_workout_plan", `{"profile":{}}`},
		),
		openAIChatResponse("Here is your plan"),
	)
	c := testLLMClient(srv.URL, time.Second)

	var mu sync.Mutex
	ran := map[string]bool{}
	run := func(_ context.Context, call toolCall) toolOutcome {
		mu.Lock()
		ran[call.Function.Name] = true
		mu.Unlock()
		return toolOutcome{Payload: map[string]string{"tool": call.Function.Name}, Card: &card{Type: call.Function.Name}}
	}

	reply, outcomes, err := c.complete(context.Background(), userHello, coachTools, run)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply != "Here is your plan" {
		t.Errorf("reply = %q", reply)
	}
	if !ran["estimate_tdee"] || !ran["make_workout_plan"] {
		t.Errorf("tools run = %v", ran)
	}
	if len(outcomes) != 2 || outcomes[0].Card.Type != "estimate_tdee" || outcomes[1].Card.Type != "make_workout_plan" {
		t.Errorf("outcomes not in call order: %+v", outcomes)
	}

	calls := mock.calls()
	if len(calls) != 2 {
		t.Fatalf("got %d requests, want 2", len(calls))
	}
	final := calls[1]
	if len(final.Tools) != 0 {
		t.Errorf("synthesis request should carry no tools, got %d", len(final.Tools))
	}
	msgs := final.Messages
	if len(msgs) != 4 {
		t.Fatalf("synthesis messages = %d, want user + assistant + 2 tool", len(msgs))
	}
	if len(msgs[1].ToolCalls) != 2 {
		t.Errorf("assistant message lost its tool calls: %+v", msgs[1])
	}
	if msgs[2].Role != "tool" || msgs[2].ToolCallID != "call_estimate_tdee" || msgs[2].Content != `{"tool":"estimate_tdee"}` {
		t.Errorf("tool message = %+v", msgs[2])
	}
}

func TestLLM_SecondToolRoundFails(t *testing.T) {
	srv, _ := newMockOpenAI(t,
		openAIToolCallResponse([2]string{"estimate_tdee", `{}`}),
		openAIToolCallResponse([2]string{"make_meal_plan", `{}`}),
	)
	c := testLLMClient(srv.URL, time.Second)

	if _, _, err := c.complete(context.Background(), userHello, coachTools, noTools); !errors.Is(err, errUpstream) {
		t.Fatalf("err = %v, want errUpstream", err)
	}
}

func TestLLM_EmptyReplyFails(t *testing.T) {
	srv, _ := newMockOpenAI(t, openAIChatResponse(""))
	c := testLLMClient(srv.URL, time.Second)

	if _, _, err := c.complete(context.Background(), userHello, nil, noTools); !errors.Is(err, errUpstream) {
		t.Fatalf("err = %v, want errUpstream", err)
	}
}

func TestLLM_RespectsDeadline(t *testing.T) {
	slow := openAIChatResponse("slow")
	slow.delay = 2 * time.Second
	srv, _ := newMockOpenAI(t, slow, slow)
	c := testLLMClient(srv.URL, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	if _, _, err := c.complete(ctx, userHello, nil, noTools); err == nil {
		t.Fatal("expected an error after the deadline")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("complete took %v, want it bounded by the context deadline", elapsed)
	}
}
