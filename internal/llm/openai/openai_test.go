package openai

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/promptlab/orchestrator/internal/llm"
)

func testAdapter(baseURL string) *Adapter {
	return &Adapter{
		apiKey:     "test-key",
		model:      "gpt-3.5-turbo",
		baseURL:    baseURL,
		client:     http.DefaultClient,
		retryDelay: time.Millisecond,
	}
}

func completionResponse(content string, promptTokens, completionTokens int) openAIResponse {
	return openAIResponse{
		ID:    "resp-1",
		Model: "gpt-3.5-turbo",
		Choices: []openAIChoice{
			{Message: openAIMessage{Role: "assistant", Content: content}, FinishReason: "stop"},
		},
		Usage: openAIUsage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
	}
}

func TestGenerate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Expected bearer auth, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(completionResponse("Hello there!", 1000, 500))
	}))
	defer server.Close()

	a := testAdapter(server.URL)
	resp, err := a.Generate(context.Background(), &llm.Request{Prompt: "hi", Temperature: 0.7})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if resp.Content != "Hello there!" {
		t.Errorf("Expected 'Hello there!', got %q", resp.Content)
	}
	if resp.Provider != llm.ProviderOpenAI {
		t.Errorf("Expected openai provider, got %v", resp.Provider)
	}
	if resp.Metrics.InputTokens != 1000 || resp.Metrics.OutputTokens != 500 {
		t.Errorf("Expected usage 1000/500, got %d/%d", resp.Metrics.InputTokens, resp.Metrics.OutputTokens)
	}
	// gpt-3.5 tier at $0.50/$1.50 per 1M: 1000 in + 500 out = $0.00125.
	if math.Abs(resp.Metrics.CostUSD-0.00125) > 1e-12 {
		t.Errorf("Expected cost 0.00125, got %g", resp.Metrics.CostUSD)
	}
}

func TestGenerate_EstimatesTokensWithoutUsage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(completionResponse("12345678", 0, 0))
	}))
	defer server.Close()

	a := testAdapter(server.URL)
	resp, err := a.Generate(context.Background(), &llm.Request{Prompt: "abcdefghijkl", Temperature: 0.7})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	// 12-char prompt -> 3 tokens in, 8-char reply -> 2 tokens out.
	if resp.Metrics.InputTokens != 3 || resp.Metrics.OutputTokens != 2 {
		t.Errorf("Expected estimated usage 3/2, got %d/%d", resp.Metrics.InputTokens, resp.Metrics.OutputTokens)
	}
}

func TestGenerate_RetriesTransientFailures(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(completionResponse("recovered", 5, 5))
	}))
	defer server.Close()

	a := testAdapter(server.URL)
	resp, err := a.Generate(context.Background(), &llm.Request{Prompt: "hi", Temperature: 0.7})
	if err != nil {
		t.Fatalf("Generate failed after retries: %v", err)
	}
	if resp.Content != "recovered" {
		t.Errorf("Expected 'recovered', got %q", resp.Content)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("Expected 3 attempts, got %d", calls)
	}
}

func TestGenerate_NoRetryOnAuthError(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "invalid api key", http.StatusUnauthorized)
	}))
	defer server.Close()

	a := testAdapter(server.URL)
	_, err := a.Generate(context.Background(), &llm.Request{Prompt: "hi", Temperature: 0.7})
	if err == nil {
		t.Fatal("Expected error for auth failure")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("Expected single attempt for non-transient failure, got %d", calls)
	}
}

func TestGenerate_ClassifiesErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   llm.ErrorKind
	}{
		{"rate limited", http.StatusTooManyRequests, "slow down", llm.KindRateLimited},
		{"quota text", http.StatusBadRequest, "you have exceeded your quota", llm.KindQuotaExceeded},
		{"billing text", http.StatusBadRequest, "billing hard limit reached", llm.KindQuotaExceeded},
		{"gateway timeout", http.StatusGatewayTimeout, "upstream timeout", llm.KindTimeout},
		{"generic", http.StatusBadRequest, "malformed input", llm.KindGeneric},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, tt.body, tt.status)
			}))
			defer server.Close()

			a := testAdapter(server.URL)
			_, err := a.Generate(context.Background(), &llm.Request{Prompt: "hi", Temperature: 0.7})
			if err == nil {
				t.Fatal("Expected error")
			}
			var llmErr *llm.Error
			if !errors.As(err, &llmErr) {
				t.Fatalf("Expected *llm.Error, got %T", err)
			}
			if llmErr.Kind != tt.want {
				t.Errorf("Expected kind %v, got %v", tt.want, llmErr.Kind)
			}
		})
	}
}

func TestGenerate_RetriesEmptyResponse(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		json.NewEncoder(w).Encode(openAIResponse{ID: "resp-1"})
	}))
	defer server.Close()

	a := testAdapter(server.URL)
	_, err := a.Generate(context.Background(), &llm.Request{Prompt: "hi", Temperature: 0.7})
	if err == nil {
		t.Fatal("Expected error for empty response")
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("Expected 3 attempts for empty responses, got %d", calls)
	}
}

func TestMapRequest_HistoryAndContext(t *testing.T) {
	a := New("key", "")
	history := make([]llm.Turn, 7)
	for i := range history {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		history[i] = llm.Turn{Role: role, Content: "turn"}
	}
	req := &llm.Request{
		Prompt:      "question",
		Context:     map[string]string{"topic": "testing"},
		History:     history,
		Temperature: 0.7,
	}

	mapped, _ := a.mapRequest(req)
	// system + 5 recent turns + prompt
	if len(mapped.Messages) != 7 {
		t.Fatalf("Expected 7 messages, got %d", len(mapped.Messages))
	}
	if mapped.Messages[0].Role != "system" {
		t.Errorf("Expected leading system message, got %q", mapped.Messages[0].Role)
	}
	last := mapped.Messages[len(mapped.Messages)-1]
	if last.Role != "user" || last.Content != "question" {
		t.Errorf("Expected trailing user prompt, got %+v", last)
	}
	if mapped.MaxTokens != defaultMaxTokens {
		t.Errorf("Expected default max tokens %d, got %d", defaultMaxTokens, mapped.MaxTokens)
	}
}

func TestEstimateCost(t *testing.T) {
	a := New("key", "gpt-3.5-turbo")
	// 40-char prompt -> 10 input tokens; default 200 output tokens.
	req := &llm.Request{
		Prompt:      "0123456789012345678901234567890123456789",
		Temperature: 0.7,
	}
	want := 10.0/1_000_000*0.50 + 200.0/1_000_000*1.50
	got := a.EstimateCost(req)
	if math.Abs(got-want) > 1e-12 {
		t.Errorf("Expected %g, got %g", want, got)
	}

	// Repeated calls are pure.
	if a.EstimateCost(req) != got {
		t.Error("Expected identical estimate on repeat call")
	}
}

func TestPricingTiers(t *testing.T) {
	turbo := New("key", "gpt-3.5-turbo")
	if p := turbo.pricing(); p.InputPerMTok != 0.50 || p.OutputPerMTok != 1.50 {
		t.Errorf("Unexpected gpt-3.5 pricing: %+v", p)
	}
	gpt4 := New("key", "gpt-4")
	if p := gpt4.pricing(); p.InputPerMTok != 30.0 || p.OutputPerMTok != 60.0 {
		t.Errorf("Unexpected gpt-4 pricing: %+v", p)
	}
}

func TestCapabilities(t *testing.T) {
	a := New("key", "gpt-3.5-turbo")
	caps := a.Capabilities()
	if caps.Provider != llm.ProviderOpenAI {
		t.Errorf("Expected openai provider, got %v", caps.Provider)
	}
	if caps.MaxTokens != 4096 {
		t.Errorf("Expected 4096 max tokens for gpt-3.5, got %d", caps.MaxTokens)
	}

	// Static and idempotent.
	again := a.Capabilities()
	if again.MaxTokens != caps.MaxTokens || again.Pricing != caps.Pricing {
		t.Error("Expected identical capabilities on repeat call")
	}
}

func TestHealthCheck(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(completionResponse("ok", 1, 1))
	}))
	defer server.Close()

	a := testAdapter(server.URL)
	if !a.HealthCheck(context.Background()) {
		t.Error("Expected healthy adapter")
	}

	server.Close()
	if a.HealthCheck(context.Background()) {
		t.Error("Expected unhealthy adapter after server close")
	}
}
