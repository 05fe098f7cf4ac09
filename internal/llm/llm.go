// Package llm defines the provider-agnostic request/response types shared by
// all provider adapters and the fallback registry.
package llm

import (
	"fmt"
	"strings"
	"time"
)

// Provider identifies a configured text-generation backend.
type Provider string

const (
	ProviderGemini Provider = "gemini"
	ProviderGroq   Provider = "groq"
	ProviderOpenAI Provider = "openai"
	ProviderClaude Provider = "claude" // reserved for future expansion
)

// HistoryLimit bounds how many prior conversation turns an adapter includes
// when building a backend payload.
const HistoryLimit = 5

// Turn is one prior conversation message.
type Turn struct {
	Role    string    `json:"role"` // "user", "assistant", "system"
	Content string    `json:"content"`
	At      time.Time `json:"at,omitempty"`
}

// Request is a provider-agnostic generation request. Treat it as immutable
// once validated; adapters never mutate it.
type Request struct {
	Prompt      string
	Context     map[string]string // arbitrary key/value context
	History     []Turn            // prior turns, oldest first
	MaxTokens   int               // 0 means provider default
	Temperature float64           // [0.0, 2.0]
	Model       string            // optional model override
}

// NewRequest builds a validated request with the default temperature.
func NewRequest(prompt string) (*Request, error) {
	req := &Request{Prompt: prompt, Temperature: 0.7}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}

func (r *Request) Validate() error {
	if strings.TrimSpace(r.Prompt) == "" {
		return fmt.Errorf("prompt cannot be empty")
	}
	if r.Temperature < 0.0 || r.Temperature > 2.0 {
		return fmt.Errorf("temperature must be between 0.0 and 2.0, got %g", r.Temperature)
	}
	if r.MaxTokens < 0 {
		return fmt.Errorf("max tokens must be positive, got %d", r.MaxTokens)
	}
	return nil
}

// RecentHistory returns the most recent HistoryLimit turns, oldest first.
func (r *Request) RecentHistory() []Turn {
	if len(r.History) <= HistoryLimit {
		return r.History
	}
	return r.History[len(r.History)-HistoryLimit:]
}

// Metrics captures what one generation call cost.
type Metrics struct {
	LatencyMs    int64
	InputTokens  int
	OutputTokens int
	TotalTokens  int
	CostUSD      float64
	Provider     Provider
	Model        string
}

// TokensPerSecond is the output-token rate, 0 when latency is unknown.
func (m Metrics) TokensPerSecond() float64 {
	if m.LatencyMs == 0 {
		return 0
	}
	return float64(m.OutputTokens) * 1000 / float64(m.LatencyMs)
}

// Response is a successful generation result.
type Response struct {
	Content  string
	Provider Provider
	Model    string
	Metrics  Metrics
	Metadata map[string]any
}

// Pricing is USD per one million tokens.
type Pricing struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// Cost computes the USD cost of a token count pair at this pricing.
func (p Pricing) Cost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1_000_000*p.InputPerMTok +
		float64(outputTokens)/1_000_000*p.OutputPerMTok
}

type RateLimits struct {
	RequestsPerMinute int
	TokensPerMinute   int
}

// Capabilities is an adapter's static self-description.
type Capabilities struct {
	Provider   Provider
	Model      string
	MaxTokens  int
	Languages  []string
	Pricing    Pricing
	RateLimits RateLimits
}

// EstimateTokens approximates the token count of text at ~4 characters per
// token, matching how adapters estimate when a backend reports no usage.
func EstimateTokens(text string) int {
	return len(text) / 4
}
