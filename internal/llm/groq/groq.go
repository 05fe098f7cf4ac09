// Package groq adapts the Groq chat completions API. High-throughput
// provider with fast inference.
package groq

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/promptlab/orchestrator/internal/llm"
)

const (
	maxAttempts       = 3
	defaultRetryDelay = time.Second
	generateTimeout   = 30 * time.Second
	healthTimeout     = 10 * time.Second
	defaultMaxTokens  = 2048
)

type Adapter struct {
	apiKey     string
	model      string
	baseURL    string
	client     *http.Client
	retryDelay time.Duration
}

type groqRequest struct {
	Model       string        `json:"model"`
	Messages    []groqMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type groqMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type groqResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []groqChoice `json:"choices"`
	Usage   groqUsage    `json:"usage"`
}

type groqChoice struct {
	Message      groqMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type groqUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func New(apiKey, model string) *Adapter {
	if model == "" {
		model = "llama-3.1-8b-instant"
	}
	return &Adapter{
		apiKey:     apiKey,
		model:      model,
		baseURL:    "https://api.groq.com/openai/v1",
		client:     http.DefaultClient,
		retryDelay: defaultRetryDelay,
	}
}

func (a *Adapter) Provider() llm.Provider { return llm.ProviderGroq }

func (a *Adapter) Generate(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, llm.Errorf(llm.KindGeneric, llm.ProviderGroq, "invalid request: %v", err)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, generateTimeout)
		defer cancel()
	}

	start := time.Now()
	groqReq, promptText := a.mapRequest(req)

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(a.retryDelay << (attempt - 1)):
			case <-ctx.Done():
				return nil, llm.Classify(llm.ProviderGroq, ctx.Err())
			}
		}

		groqResp, retryable, err := a.call(ctx, groqReq)
		if err != nil {
			lastErr = err
			if !retryable {
				break
			}
			continue
		}

		content := groqResp.Choices[0].Message.Content
		inputTokens := groqResp.Usage.PromptTokens
		outputTokens := groqResp.Usage.CompletionTokens
		if inputTokens == 0 {
			inputTokens = llm.EstimateTokens(promptText)
		}
		if outputTokens == 0 {
			outputTokens = llm.EstimateTokens(content)
		}

		return &llm.Response{
			Content:  content,
			Provider: llm.ProviderGroq,
			Model:    groqReq.Model,
			Metrics: llm.Metrics{
				LatencyMs:    time.Since(start).Milliseconds(),
				InputTokens:  inputTokens,
				OutputTokens: outputTokens,
				TotalTokens:  inputTokens + outputTokens,
				CostUSD:      a.pricing().Cost(inputTokens, outputTokens),
				Provider:     llm.ProviderGroq,
				Model:        groqReq.Model,
			},
			Metadata: map[string]any{
				"id":            groqResp.ID,
				"finish_reason": groqResp.Choices[0].FinishReason,
			},
		}, nil
	}

	return nil, lastErr
}

func (a *Adapter) call(ctx context.Context, groqReq groqRequest) (*groqResponse, bool, error) {
	body, err := json.Marshal(groqReq)
	if err != nil {
		return nil, false, llm.Classify(llm.ProviderGroq, err)
	}

	url := fmt.Sprintf("%s/chat/completions", a.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, false, llm.Classify(llm.ProviderGroq, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, ctx.Err() == nil, llm.Classify(llm.ProviderGroq, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		kind, ok := llm.KindForStatus(resp.StatusCode)
		if !ok {
			kind = llm.KindForMessage(string(respBody))
		}
		retryable := resp.StatusCode >= 500 ||
			resp.StatusCode == http.StatusTooManyRequests ||
			resp.StatusCode == http.StatusRequestTimeout
		return nil, retryable, llm.Errorf(kind, llm.ProviderGroq,
			"groq api error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var groqResp groqResponse
	if err := json.NewDecoder(resp.Body).Decode(&groqResp); err != nil {
		return nil, true, llm.Errorf(llm.KindGeneric, llm.ProviderGroq, "decode response: %v", err)
	}
	if len(groqResp.Choices) == 0 || strings.TrimSpace(groqResp.Choices[0].Message.Content) == "" {
		return nil, true, llm.Errorf(llm.KindGeneric, llm.ProviderGroq, "empty response from groq")
	}
	return &groqResp, false, nil
}

// mapRequest builds the chat messages array: a system message with the
// request context, the recent history as role messages, then the prompt.
func (a *Adapter) mapRequest(req *llm.Request) (groqRequest, string) {
	var messages []groqMessage
	var estimate strings.Builder

	if system := formatContext(req.Context); system != "" {
		messages = append(messages, groqMessage{Role: "system", Content: system})
		estimate.WriteString(system)
	}
	for _, turn := range req.RecentHistory() {
		role := turn.Role
		if role != "assistant" && role != "system" {
			role = "user"
		}
		messages = append(messages, groqMessage{Role: role, Content: turn.Content})
		estimate.WriteString(turn.Content)
	}
	messages = append(messages, groqMessage{Role: "user", Content: req.Prompt})
	estimate.WriteString(req.Prompt)

	model := req.Model
	if model == "" {
		model = a.model
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	return groqRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
	}, estimate.String()
}

func formatContext(context map[string]string) string {
	if len(context) == 0 {
		return ""
	}
	keys := make([]string, 0, len(context))
	for k := range context {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, context[k]))
	}
	return strings.Join(parts, "\n")
}

func (a *Adapter) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	_, err := a.Generate(ctx, &llm.Request{Prompt: "Hello", MaxTokens: 10, Temperature: 0.1})
	return err == nil
}

// pricing is keyed by model tier.
func (a *Adapter) pricing() llm.Pricing {
	lower := strings.ToLower(a.model)
	switch {
	case strings.Contains(lower, "llama3-70b") || strings.Contains(lower, "llama-3.1-70b"):
		return llm.Pricing{InputPerMTok: 0.59, OutputPerMTok: 0.79}
	default:
		return llm.Pricing{InputPerMTok: 0.27, OutputPerMTok: 0.27}
	}
}

func (a *Adapter) Capabilities() llm.Capabilities {
	return llm.Capabilities{
		Provider:  llm.ProviderGroq,
		Model:     a.model,
		MaxTokens: 8192,
		Languages: []string{"es", "en", "fr", "de", "it", "pt"},
		Pricing:   a.pricing(),
		RateLimits: llm.RateLimits{
			RequestsPerMinute: 30,
			TokensPerMinute:   6000,
		},
	}
}

func (a *Adapter) EstimateCost(req *llm.Request) float64 {
	inputTokens := llm.EstimateTokens(req.Prompt)
	outputTokens := req.MaxTokens
	if outputTokens == 0 {
		outputTokens = 200
	}
	return a.pricing().Cost(inputTokens, outputTokens)
}
