// Package gemini adapts the Google Gemini REST API. Primary provider with
// the largest context window.
package gemini

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
	healthTimeout     = 5 * time.Second
	defaultMaxTokens  = 2048
)

type Adapter struct {
	apiKey     string
	model      string
	baseURL    string
	client     *http.Client
	retryDelay time.Duration
}

type geminiRequest struct {
	Contents         []geminiContent  `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type generationConfig struct {
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	Temperature     float64 `json:"temperature,omitempty"`
	CandidateCount  int     `json:"candidateCount,omitempty"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate   `json:"candidates"`
	UsageMetadata geminiUsageMetadata `json:"usageMetadata"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

func New(apiKey, model string) *Adapter {
	if model == "" {
		model = "gemini-1.5-flash"
	}
	return &Adapter{
		apiKey:     apiKey,
		model:      model,
		baseURL:    "https://generativelanguage.googleapis.com",
		client:     http.DefaultClient,
		retryDelay: defaultRetryDelay,
	}
}

func (a *Adapter) Provider() llm.Provider { return llm.ProviderGemini }

func (a *Adapter) Generate(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, llm.Errorf(llm.KindGeneric, llm.ProviderGemini, "invalid request: %v", err)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, generateTimeout)
		defer cancel()
	}

	start := time.Now()
	geminiReq, promptText := a.mapRequest(req)

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			// Exponential backoff: base delay doubling each attempt.
			select {
			case <-time.After(a.retryDelay << (attempt - 1)):
			case <-ctx.Done():
				return nil, llm.Classify(llm.ProviderGemini, ctx.Err())
			}
		}

		geminiResp, retryable, err := a.call(ctx, geminiReq)
		if err != nil {
			lastErr = err
			if !retryable {
				break
			}
			continue
		}

		content := geminiResp.Candidates[0].Content.Parts[0].Text
		inputTokens := geminiResp.UsageMetadata.PromptTokenCount
		outputTokens := geminiResp.UsageMetadata.CandidatesTokenCount
		if inputTokens == 0 {
			inputTokens = llm.EstimateTokens(promptText)
		}
		if outputTokens == 0 {
			outputTokens = llm.EstimateTokens(content)
		}

		model := req.Model
		if model == "" {
			model = a.model
		}
		return &llm.Response{
			Content:  content,
			Provider: llm.ProviderGemini,
			Model:    model,
			Metrics: llm.Metrics{
				LatencyMs:    time.Since(start).Milliseconds(),
				InputTokens:  inputTokens,
				OutputTokens: outputTokens,
				TotalTokens:  inputTokens + outputTokens,
				CostUSD:      a.pricing().Cost(inputTokens, outputTokens),
				Provider:     llm.ProviderGemini,
				Model:        model,
			},
			Metadata: map[string]any{
				"finish_reason": geminiResp.Candidates[0].FinishReason,
				"candidates":    len(geminiResp.Candidates),
			},
		}, nil
	}

	return nil, lastErr
}

// call performs one backend invocation. The second return reports whether the
// failure is transient enough to retry.
func (a *Adapter) call(ctx context.Context, geminiReq geminiRequest) (*geminiResponse, bool, error) {
	body, err := json.Marshal(geminiReq)
	if err != nil {
		return nil, false, llm.Classify(llm.ProviderGemini, err)
	}

	model := a.model
	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", a.baseURL, model, a.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, false, llm.Classify(llm.ProviderGemini, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, ctx.Err() == nil, llm.Classify(llm.ProviderGemini, err)
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
		return nil, retryable, llm.Errorf(kind, llm.ProviderGemini,
			"gemini api error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var geminiResp geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&geminiResp); err != nil {
		return nil, true, llm.Errorf(llm.KindGeneric, llm.ProviderGemini, "decode response: %v", err)
	}
	if len(geminiResp.Candidates) == 0 || len(geminiResp.Candidates[0].Content.Parts) == 0 ||
		strings.TrimSpace(geminiResp.Candidates[0].Content.Parts[0].Text) == "" {
		return nil, true, llm.Errorf(llm.KindGeneric, llm.ProviderGemini, "empty response from gemini")
	}
	return &geminiResp, false, nil
}

// mapRequest flattens history and context into Gemini's turn format. The
// returned string is the full prompt text used for token estimation.
func (a *Adapter) mapRequest(req *llm.Request) (geminiRequest, string) {
	var contents []geminiContent
	var estimate strings.Builder

	for _, turn := range req.RecentHistory() {
		role := "user"
		if turn.Role == "assistant" {
			role = "model"
		}
		contents = append(contents, geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: turn.Content}},
		})
		estimate.WriteString(turn.Content)
	}

	prompt := req.Prompt
	if preamble := formatContext(req.Context); preamble != "" {
		prompt = preamble + "\n\n" + prompt
	}
	contents = append(contents, geminiContent{
		Role:  "user",
		Parts: []geminiPart{{Text: prompt}},
	})
	estimate.WriteString(prompt)

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	return geminiRequest{
		Contents: contents,
		GenerationConfig: generationConfig{
			MaxOutputTokens: maxTokens,
			Temperature:     req.Temperature,
			CandidateCount:  1,
		},
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

	parts := make([]string, 0, len(keys)+1)
	parts = append(parts, "Context:")
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, context[k]))
	}
	return strings.Join(parts, "\n")
}

func (a *Adapter) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	_, err := a.Generate(ctx, &llm.Request{Prompt: "Hello", MaxTokens: 5, Temperature: 0.1})
	return err == nil
}

func (a *Adapter) pricing() llm.Pricing {
	return llm.Pricing{InputPerMTok: 0.075, OutputPerMTok: 0.30}
}

func (a *Adapter) Capabilities() llm.Capabilities {
	return llm.Capabilities{
		Provider:  llm.ProviderGemini,
		Model:     a.model,
		MaxTokens: 1_048_576, // Gemini 1.5 Flash context window
		Languages: []string{"es", "en", "fr", "de", "it", "pt", "ja", "ko", "zh"},
		Pricing:   a.pricing(),
		RateLimits: llm.RateLimits{
			RequestsPerMinute: 60,
			TokensPerMinute:   32000,
		},
	}
}

// EstimateCost projects the cost of a request without calling the backend.
// Output is assumed to use the requested max tokens, 200 when unset.
func (a *Adapter) EstimateCost(req *llm.Request) float64 {
	inputTokens := llm.EstimateTokens(req.Prompt)
	outputTokens := req.MaxTokens
	if outputTokens == 0 {
		outputTokens = 200
	}
	return a.pricing().Cost(inputTokens, outputTokens)
}
