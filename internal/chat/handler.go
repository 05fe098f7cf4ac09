package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/promptlab/orchestrator/internal/analytics"
	"github.com/promptlab/orchestrator/internal/llm"
	"github.com/promptlab/orchestrator/internal/llm/registry"
)

// Orchestrator is the registry surface the HTTP layer exposes.
type Orchestrator interface {
	Generator
	AvailableProviders(ctx context.Context) []llm.Provider
	Capabilities(p llm.Provider) (llm.Capabilities, error)
	EstimateCost(req *llm.Request, p llm.Provider) (float64, error)
}

type Handler struct {
	svc    *Service
	orch   Orchestrator
	usage  analytics.Store
	tracer trace.Tracer
}

func NewHandler(svc *Service, orch Orchestrator, usage analytics.Store, tracer trace.Tracer) *Handler {
	return &Handler{svc: svc, orch: orch, usage: usage, tracer: tracer}
}

type chatRequest struct {
	UserID            string  `json:"user_id"`
	Message           string  `json:"message"`
	ConversationID    string  `json:"conversation_id,omitempty"`
	PreferredProvider string  `json:"preferred_provider,omitempty"`
	MaxTokens         int     `json:"max_tokens,omitempty"`
	Temperature       float64 `json:"temperature,omitempty"`
}

func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	var body chatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.UserID == "" || body.Message == "" {
		writeError(w, http.StatusBadRequest, "user_id and message are required")
		return
	}

	ctx, span := h.tracer.Start(r.Context(), "chat.execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("user_id", body.UserID),
		attribute.String("conversation_id", body.ConversationID),
		attribute.String("preferred_provider", body.PreferredProvider),
	)

	result, err := h.svc.Execute(ctx, &Request{
		UserID:         body.UserID,
		Message:        body.Message,
		ConversationID: body.ConversationID,
		Preferred:      llm.Provider(body.PreferredProvider),
		MaxTokens:      body.MaxTokens,
		Temperature:    body.Temperature,
	})
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": result.ConversationID,
		"message":         result.Reply,
		"provider":        result.Provider,
		"model":           result.Model,
		"usage": map[string]any{
			"input_tokens":      result.Metrics.InputTokens,
			"output_tokens":     result.Metrics.OutputTokens,
			"total_tokens":      result.Metrics.TotalTokens,
			"cost_usd":          result.Metrics.CostUSD,
			"latency_ms":        result.Metrics.LatencyMs,
			"tokens_per_second": result.Metrics.TokensPerSecond(),
		},
	})
}

func (h *Handler) HandleProviders(w http.ResponseWriter, r *http.Request) {
	providers := h.orch.AvailableProviders(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"providers": providers})
}

func (h *Handler) HandleProviderInfo(w http.ResponseWriter, r *http.Request) {
	p := llm.Provider(chi.URLParam(r, "provider"))
	caps, err := h.orch.Capabilities(p)
	if err != nil {
		if errors.Is(err, registry.ErrNotConfigured) {
			writeError(w, http.StatusNotFound, "provider not configured")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"provider":   caps.Provider,
		"model":      caps.Model,
		"max_tokens": caps.MaxTokens,
		"languages":  caps.Languages,
		"pricing": map[string]float64{
			"input_per_mtok":  caps.Pricing.InputPerMTok,
			"output_per_mtok": caps.Pricing.OutputPerMTok,
		},
		"rate_limits": map[string]int{
			"requests_per_minute": caps.RateLimits.RequestsPerMinute,
			"tokens_per_minute":   caps.RateLimits.TokensPerMinute,
		},
	})
}

type estimateRequest struct {
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

func (h *Handler) HandleEstimate(w http.ResponseWriter, r *http.Request) {
	p := llm.Provider(chi.URLParam(r, "provider"))

	var body estimateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req := &llm.Request{Prompt: body.Prompt, MaxTokens: body.MaxTokens, Temperature: 0.7}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	cost, err := h.orch.EstimateCost(req, p)
	if err != nil {
		if errors.Is(err, registry.ErrNotConfigured) {
			writeError(w, http.StatusNotFound, "provider not configured")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"provider":           p,
		"estimated_cost_usd": cost,
	})
}

func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	now := time.Now()
	from := now.AddDate(0, 0, -30) // default: last 30 days
	to := now
	var err error
	if v := r.URL.Query().Get("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'from' date format (use RFC3339)")
			return
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'to' date format (use RFC3339)")
			return
		}
	}

	summary, err := h.usage.UserSummary(r.Context(), userID, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":        summary.UserID,
		"requests":       summary.Requests,
		"total_tokens":   summary.TotalTokens,
		"total_cost_usd": summary.TotalCostUSD,
		"avg_latency_ms": summary.AvgLatencyMs,
		"provider_usage": summary.ProviderUsage,
		"from":           from,
		"to":             to,
	})
}

// statusFor maps terminal failure kinds to user-facing statuses.
func statusFor(err error) int {
	var e *llm.Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case llm.KindTimeout:
		return http.StatusGatewayTimeout
	case llm.KindRateLimited:
		return http.StatusTooManyRequests
	case llm.KindQuotaExceeded:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
