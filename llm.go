package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

/* ─── OpenAI wire types ──────────────────────────────────────────────── */

// chatMessage is a single message in a chat completions request or reply.
type chatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []toolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// toolCall is a function invocation requested by the model.
type toolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// toolSpec declares a callable function to the model.
type toolSpec struct {
	Type     string       `json:"type"`
	Function toolFunction `json:"function"`
}

type toolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// completionRequest is the request body for the chat completions API.
type completionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	Tools       []toolSpec    `json:"tools,omitempty"`
	ToolChoice  string        `json:"tool_choice,omitempty"`
}

/* ─── Client ─────────────────────────────────────────────────────────── */

// llmClient talks to an OpenAI-compatible chat completions endpoint over
// plain net/http. baseURL is overridable so tests can point it at httptest.
type llmClient struct {
	apiKey  string
	baseURL string
	model   string
	timeout time.Duration
	http    *http.Client
	limiter *rate.Limiter // nil means unlimited
	metrics *metrics
}

func newLLMClient(cfg config, m *metrics) *llmClient {
	var limiter *rate.Limiter
	if cfg.LLMRatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.LLMRatePerSec), max(1, int(cfg.LLMRatePerSec)))
	}
	return &llmClient{
		apiKey:  cfg.OpenAIAPIKey,
		baseURL: cfg.OpenAIBaseURL,
		model:   cfg.OpenAIModel,
		timeout: cfg.LLMTimeout,
		http:    &http.Client{},
		limiter: limiter,
		metrics: m,
	}
}

// toolOutcome is what a tool returns: a JSON-serialisable payload for the
// model and, optionally, a card for the final envelope.
type toolOutcome struct {
	Payload any
	Card    *card
}

// toolRunner executes one tool call.
type toolRunner func(ctx context.Context, call toolCall) toolOutcome

// complete runs the bounded sequence: draft request with tools, at most one
// tool round, then a synthesis request without tools. It returns the final
// reply text and the outcomes of any tools that ran, in call order.
func (c *llmClient) complete(ctx context.Context, msgs []chatMessage, tools []toolSpec, run toolRunner) (string, []toolOutcome, error) {
	draft, err := c.createCompletion(ctx, completionRequest{
		Model:      c.model,
		Messages:   msgs,
		Tools:      tools,
		ToolChoice: "auto",
	})
	if err != nil {
		return "", nil, err
	}
	if len(draft.ToolCalls) == 0 {
		if draft.Content == "" {
			return "", nil, upstreamErrorf("empty reply")
		}
		return draft.Content, nil, nil
	}

	outcomes := make([]toolOutcome, len(draft.ToolCalls))
	g, gctx := errgroup.WithContext(ctx)
	for i, call := range draft.ToolCalls {
		g.Go(func() error {
			outcomes[i] = run(gctx, call)
			return nil
		})
	}
	_ = g.Wait()

	msgs = append(msgs, chatMessage{Role: "assistant", Content: draft.Content, ToolCalls: draft.ToolCalls})
	for i, call := range draft.ToolCalls {
		payload, err := json.Marshal(outcomes[i].Payload)
		if err != nil {
			return "", nil, fmt.Errorf("marshal tool result: %w", err)
		}
		msgs = append(msgs, chatMessage{
			Role:       "tool",
			ToolCallID: call.ID,
			Name:       call.Function.Name,
			Content:    string(payload),
		})
	}

	final, err := c.createCompletion(ctx, completionRequest{Model: c.model, Messages: msgs})
	if err != nil {
		return "", nil, err
	}
	if len(final.ToolCalls) > 0 {
		return "", nil, upstreamErrorf("model requested a second tool round")
	}
	if final.Content == "" {
		return "", nil, upstreamErrorf("empty reply")
	}
	return final.Content, outcomes, nil
}

// createCompletion sends one request, retrying once on a transport error,
// 429 or 5xx.
func (c *llmClient) createCompletion(ctx context.Context, req completionRequest) (chatMessage, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return chatMessage{}, fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := range 2 {
		if attempt > 0 {
			c.metrics.LLMCalls.WithLabelValues("retry").Inc()
			zerolog.Ctx(ctx).Warn().Err(lastErr).Str("component", "llm").Msg("retrying completion")
		}
		msg, retryable, err := c.doCompletion(ctx, body)
		if err == nil {
			c.metrics.LLMCalls.WithLabelValues("ok").Inc()
			return msg, nil
		}
		lastErr = err
		if !retryable || ctx.Err() != nil {
			break
		}
	}
	c.metrics.LLMCalls.WithLabelValues("error").Inc()
	return chatMessage{}, lastErr
}

// doCompletion performs a single HTTP round trip and reports whether a
// failure is worth retrying.
func (c *llmClient) doCompletion(ctx context.Context, body []byte) (chatMessage, bool, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return chatMessage{}, false, upstreamErrorf("rate limiter: %v", err)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return chatMessage{}, false, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return chatMessage{}, !errors.Is(err, context.Canceled), upstreamErrorf("http request: %v", err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return chatMessage{}, true, upstreamErrorf("read response: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return chatMessage{}, retryable, upstreamErrorf("openai returned status %d: %s", resp.StatusCode, string(respBytes))
	}

	// Parse the response to extract choices[0].message
	var result struct {
		Choices []struct {
			Message chatMessage `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBytes, &result); err != nil {
		return chatMessage{}, false, upstreamErrorf("unmarshal response: %v", err)
	}
	if len(result.Choices) == 0 {
		return chatMessage{}, false, upstreamErrorf("no choices in response")
	}
	return result.Choices[0].Message, false, nil
}
