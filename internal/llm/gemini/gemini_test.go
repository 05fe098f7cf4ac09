package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/promptlab/orchestrator/internal/llm"
)

func testAdapter(baseURL string) *Adapter {
	return &Adapter{
		apiKey:     "test-key",
		model:      "gemini-1.5-flash",
		baseURL:    baseURL,
		client:     http.DefaultClient,
		retryDelay: time.Millisecond,
	}
}

func candidateResponse(content string, promptTokens, outputTokens int) geminiResponse {
	return geminiResponse{
		Candidates: []geminiCandidate{
			{
				Content: geminiContent{
					Role:  "model",
					Parts: []geminiPart{{Text: content}},
				},
				FinishReason: "STOP",
			},
		},
		UsageMetadata: geminiUsageMetadata{
			PromptTokenCount:     promptTokens,
			CandidatesTokenCount: outputTokens,
		},
	}
}

func TestGenerate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.RawQuery, "key=test-key") {
			t.Errorf("Expected api key in query, got %q", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode(candidateResponse("Hola!", 200, 100))
	}))
	defer server.Close()

	a := testAdapter(server.URL)
	resp, err := a.Generate(context.Background(), &llm.Request{Prompt: "hola", Temperature: 0.7})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if resp.Content != "Hola!" {
		t.Errorf("Expected 'Hola!', got %q", resp.Content)
	}
	if resp.Provider != llm.ProviderGemini {
		t.Errorf("Expected gemini provider, got %v", resp.Provider)
	}
	if resp.Metrics.TotalTokens != 300 {
		t.Errorf("Expected 300 total tokens, got %d", resp.Metrics.TotalTokens)
	}
	// $0.075/$0.30 per 1M: 200 in + 100 out.
	want := 200.0/1_000_000*0.075 + 100.0/1_000_000*0.30
	if math.Abs(resp.Metrics.CostUSD-want) > 1e-12 {
		t.Errorf("Expected cost %g, got %g", want, resp.Metrics.CostUSD)
	}
}

func TestGenerate_EstimatesTokensWithoutUsage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(candidateResponse("12345678", 0, 0))
	}))
	defer server.Close()

	a := testAdapter(server.URL)
	resp, err := a.Generate(context.Background(), &llm.Request{Prompt: "abcdefghijkl", Temperature: 0.7})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if resp.Metrics.InputTokens != 3 || resp.Metrics.OutputTokens != 2 {
		t.Errorf("Expected estimated usage 3/2, got %d/%d", resp.Metrics.InputTokens, resp.Metrics.OutputTokens)
	}
}

func TestGenerate_RetriesServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 2 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(candidateResponse("recovered", 5, 5))
	}))
	defer server.Close()

	a := testAdapter(server.URL)
	resp, err := a.Generate(context.Background(), &llm.Request{Prompt: "hi", Temperature: 0.7})
	if err != nil {
		t.Fatalf("Generate failed after retry: %v", err)
	}
	if resp.Content != "recovered" {
		t.Errorf("Expected 'recovered', got %q", resp.Content)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("Expected 2 attempts, got %d", calls)
	}
}

func TestGenerate_ClassifiesQuotaError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded for project", http.StatusForbidden)
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
	if llmErr.Kind != llm.KindQuotaExceeded {
		t.Errorf("Expected quota kind, got %v", llmErr.Kind)
	}
}

func TestMapRequest_HistoryRolesAndContext(t *testing.T) {
	a := New("key", "")
	req := &llm.Request{
		Prompt: "question",
		Context: map[string]string{
			"audience": "beginners",
			"topic":    "testing",
		},
		History: []llm.Turn{
			{Role: "user", Content: "first"},
			{Role: "assistant", Content: "second"},
		},
		Temperature: 0.7,
	}

	mapped, _ := a.mapRequest(req)
	if len(mapped.Contents) != 3 {
		t.Fatalf("Expected 3 contents, got %d", len(mapped.Contents))
	}
	if mapped.Contents[0].Role != "user" || mapped.Contents[1].Role != "model" {
		t.Errorf("Unexpected history roles: %q, %q", mapped.Contents[0].Role, mapped.Contents[1].Role)
	}

	last := mapped.Contents[2]
	if last.Role != "user" {
		t.Errorf("Expected trailing user turn, got %q", last.Role)
	}
	text := last.Parts[0].Text
	if !strings.HasPrefix(text, "Context:\naudience: beginners\ntopic: testing") {
		t.Errorf("Expected sorted context preamble, got %q", text)
	}
	if !strings.HasSuffix(text, "question") {
		t.Errorf("Expected prompt at end, got %q", text)
	}
	if mapped.GenerationConfig.MaxOutputTokens != defaultMaxTokens {
		t.Errorf("Expected default max tokens %d, got %d", defaultMaxTokens, mapped.GenerationConfig.MaxOutputTokens)
	}
}

func TestMapRequest_TruncatesHistory(t *testing.T) {
	a := New("key", "")
	history := make([]llm.Turn, 9)
	for i := range history {
		history[i] = llm.Turn{Role: "user", Content: "turn"}
	}
	req := &llm.Request{Prompt: "question", History: history, Temperature: 0.7}

	mapped, _ := a.mapRequest(req)
	// 5 recent turns plus the prompt.
	if len(mapped.Contents) != 6 {
		t.Errorf("Expected 6 contents, got %d", len(mapped.Contents))
	}
}

func TestEstimateCost(t *testing.T) {
	a := New("key", "")
	req := &llm.Request{Prompt: strings.Repeat("a", 400), MaxTokens: 1000, Temperature: 0.7}
	// 100 input tokens, 1000 output tokens.
	want := 100.0/1_000_000*0.075 + 1000.0/1_000_000*0.30
	if got := a.EstimateCost(req); math.Abs(got-want) > 1e-12 {
		t.Errorf("Expected %g, got %g", want, got)
	}
}

func TestCapabilities(t *testing.T) {
	a := New("key", "")
	caps := a.Capabilities()
	if caps.Provider != llm.ProviderGemini {
		t.Errorf("Expected gemini provider, got %v", caps.Provider)
	}
	if caps.Model != "gemini-1.5-flash" {
		t.Errorf("Expected default model, got %q", caps.Model)
	}
	if caps.MaxTokens != 1_048_576 {
		t.Errorf("Expected 1M context window, got %d", caps.MaxTokens)
	}
}

func TestHealthCheck(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(candidateResponse("ok", 1, 1))
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
