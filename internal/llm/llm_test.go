package llm

import (
	"fmt"
	"math"
	"testing"
)

func TestRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     Request
		wantErr bool
	}{
		{"valid", Request{Prompt: "hi", Temperature: 0.7}, false},
		{"empty prompt", Request{Prompt: "   ", Temperature: 0.7}, true},
		{"temperature too high", Request{Prompt: "hi", Temperature: 2.1}, true},
		{"temperature too low", Request{Prompt: "hi", Temperature: -0.1}, true},
		{"temperature upper bound", Request{Prompt: "hi", Temperature: 2.0}, false},
		{"negative max tokens", Request{Prompt: "hi", Temperature: 0.7, MaxTokens: -1}, true},
		{"zero max tokens means default", Request{Prompt: "hi", Temperature: 0.7, MaxTokens: 0}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewRequest(t *testing.T) {
	req, err := NewRequest("hello")
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	if req.Temperature != 0.7 {
		t.Errorf("Expected default temperature 0.7, got %g", req.Temperature)
	}

	if _, err := NewRequest(""); err == nil {
		t.Error("Expected error for empty prompt")
	}
}

func TestRecentHistory(t *testing.T) {
	var history []Turn
	for i := 0; i < 8; i++ {
		history = append(history, Turn{Role: "user", Content: fmt.Sprintf("msg-%d", i)})
	}
	req := Request{Prompt: "hi", Temperature: 0.7, History: history}

	recent := req.RecentHistory()
	if len(recent) != HistoryLimit {
		t.Fatalf("Expected %d turns, got %d", HistoryLimit, len(recent))
	}
	if recent[0].Content != "msg-3" || recent[4].Content != "msg-7" {
		t.Errorf("Expected most recent turns, got %v...%v", recent[0].Content, recent[4].Content)
	}

	short := Request{Prompt: "hi", Temperature: 0.7, History: history[:2]}
	if len(short.RecentHistory()) != 2 {
		t.Errorf("Short history should be returned as-is")
	}
}

func TestTokensPerSecond(t *testing.T) {
	m := Metrics{OutputTokens: 100, LatencyMs: 2000}
	if got := m.TokensPerSecond(); got != 50 {
		t.Errorf("Expected 50 tokens/s, got %g", got)
	}

	zero := Metrics{OutputTokens: 100, LatencyMs: 0}
	if got := zero.TokensPerSecond(); got != 0 {
		t.Errorf("Expected 0 tokens/s for zero latency, got %g", got)
	}
}

func TestPricingCost(t *testing.T) {
	// $0.50 per 1M input, $1.50 per 1M output: 1000 in + 500 out = $0.00125.
	p := Pricing{InputPerMTok: 0.50, OutputPerMTok: 1.50}
	got := p.Cost(1000, 500)
	if math.Abs(got-0.00125) > 1e-12 {
		t.Errorf("Expected cost 0.00125, got %g", got)
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens("abcdefgh"); got != 2 {
		t.Errorf("Expected 2 tokens for 8 chars, got %d", got)
	}
	if got := EstimateTokens(""); got != 0 {
		t.Errorf("Expected 0 tokens for empty text, got %d", got)
	}
}
