// Package openai adapts the OpenAI chat completions API. Reliable fallback
// provider.
package openai

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
	healthTimeout     = 15 * time.Second
	defaultMaxTokens  = 1000
)

type Adapter struct {
	apiKey     string
	model      string
	baseURL    string
	client     *http.Client
	retryDelay time.Duration
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Created int64          `json:"created"`
	Choices []openAIChoice `json:"choices"`
	Usage   openAIUsage    `json:"usage"`
}

type openAIChoice struct {
	Message      openAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func New(apiKey, model string) *Adapter {
	if model == "" {
		model = "gpt-3.5-turbo"
	}
	return &Adapter{
		apiKey:     apiKey,
		model:      model,
		baseURL:    "https://api.openai.com/v1",
		client:     http.DefaultClient,
		retryDelay: defaultRetryDelay,
	}
}

func (a *Adapter) Provider() llm.Provider { return llm.ProviderOpenAI }

func (a *Adapter) Generate(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, llm.Errorf(llm.KindGeneric, llm.ProviderOpenAI, "invalid request: %v", err)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, generateTimeout)
		defer cancel()
	}

	start := time.Now()
	openAIReq, promptText := a.mapRequest(req)

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(a.retryDelay << (attempt - 1)):
			case <-ctx.Done():
				return nil, llm.Classify(llm.ProviderOpenAI, ctx.Err())
			}
		}

		openAIResp, retryable, err := a.call(ctx, openAIReq)
		if err != nil {
			lastErr = err
			if !retryable {
				break
			}
			continue
		}

		content := openAIResp.Choices[0].Message.Content
		inputTokens := openAIResp.Usage.PromptTokens
		outputTokens := openAIResp.Usage.CompletionTokens
		if inputTokens == 0 {
			inputTokens = llm.EstimateTokens(promptText)
		}
		if outputTokens == 0 {
			outputTokens = llm.EstimateTokens(content)
		}

		return &llm.Response{
			Content:  content,
			Provider: llm.ProviderOpenAI,
			Model:    openAIReq.Model,
			Metrics: llm.Metrics{
				LatencyMs:    time.Since(start).Milliseconds(),
				InputTokens:  inputTokens,
				OutputTokens: outputTokens,
				TotalTokens:  inputTokens + outputTokens,
				CostUSD:      a.pricing().Cost(inputTokens, outputTokens),
				Provider:     llm.ProviderOpenAI,
				Model:        openAIReq.Model,
			},
			Metadata: map[string]any{
				"id":            openAIResp.ID,
				"created":       openAIResp.Created,
				"finish_reason": openAIResp.Choices[0].FinishReason,
			},
		}, nil
	}

	return nil, lastErr
}

func (a *Adapter) call(ctx context.Context, openAIReq openAIRequest) (*openAIResponse, bool, error) {
	body, err := json.Marshal(openAIReq)
	if err != nil {
		return nil, false, llm.Classify(llm.ProviderOpenAI, err)
	}

	url := fmt.Sprintf("%s/chat/completions", a.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, false, llm.Classify(llm.ProviderOpenAI, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, ctx.Err() == nil, llm.Classify(llm.ProviderOpenAI, err)
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
		return nil, retryable, llm.Errorf(kind, llm.ProviderOpenAI,
			"openai api error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var openAIResp openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&openAIResp); err != nil {
		return nil, true, llm.Errorf(llm.KindGeneric, llm.ProviderOpenAI, "decode response: %v", err)
	}
	if len(openAIResp.Choices) == 0 || strings.TrimSpace(openAIResp.Choices[0].Message.Content) == "" {
		return nil, true, llm.Errorf(llm.KindGeneric, llm.ProviderOpenAI, "empty response from openai")
	}
	return &openAIResp, false, nil
}

func (a *Adapter) mapRequest(req *llm.Request) (openAIRequest, string) {
	var messages []openAIMessage
	var estimate strings.Builder

	if system := formatContext(req.Context); system != "" {
		messages = append(messages, openAIMessage{Role: "system", Content: system})
		estimate.WriteString(system)
	}
	for _, turn := range req.RecentHistory() {
		role := turn.Role
		if role != "assistant" && role != "system" {
			role = "user"
		}
		messages = append(messages, openAIMessage{Role: role, Content: turn.Content})
		estimate.WriteString(turn.Content)
	}
	messages = append(messages, openAIMessage{Role: "user", Content: req.Prompt})
	estimate.WriteString(req.Prompt)

	model := req.Model
	if model == "" {
		model = a.model
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	return openAIRequest{
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

// pricing is keyed by model tier. GPT-4 class models are priced separately.
func (a *Adapter) pricing() llm.Pricing {
	if strings.Contains(strings.ToLower(a.model), "gpt-4") {
		return llm.Pricing{InputPerMTok: 30.0, OutputPerMTok: 60.0}
	}
	return llm.Pricing{InputPerMTok: 0.50, OutputPerMTok: 1.50}
}

func (a *Adapter) Capabilities() llm.Capabilities {
	maxTokens := 8192
	if strings.Contains(strings.ToLower(a.model), "gpt-3.5") {
		maxTokens = 4096
	}
	return llm.Capabilities{
		Provider:  llm.ProviderOpenAI,
		Model:     a.model,
		MaxTokens: maxTokens,
		Languages: []string{"es", "en", "fr", "de", "it", "pt", "ja", "ko", "zh"},
		Pricing:   a.pricing(),
		RateLimits: llm.RateLimits{
			RequestsPerMinute: 60,
			TokensPerMinute:   90000,
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
