// Package analytics records what each generation cost and aggregates it per
// conversation and per user.
package analytics

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/promptlab/orchestrator/internal/llm"
)

// UsageLog is one successful generation's accounting record.
type UsageLog struct {
	ID             string
	UserID         string
	ConversationID string
	RequestID      string
	Provider       llm.Provider
	Model          string
	InputTokens    int
	OutputTokens   int
	TotalTokens    int
	CostUSD        float64
	LatencyMs      int64
	CreatedAt      time.Time
}

// NewUsageLog builds a record from response metrics.
func NewUsageLog(userID, conversationID, requestID string, m llm.Metrics) *UsageLog {
	return &UsageLog{
		UserID:         userID,
		ConversationID: conversationID,
		RequestID:      requestID,
		Provider:       m.Provider,
		Model:          m.Model,
		InputTokens:    m.InputTokens,
		OutputTokens:   m.OutputTokens,
		TotalTokens:    m.TotalTokens,
		CostUSD:        m.CostUSD,
		LatencyMs:      m.LatencyMs,
	}
}

// Recorder is the write side of the sink. Recording failures must not fail
// the chat flow; callers log and move on.
type Recorder interface {
	Record(ctx context.Context, usage *UsageLog) error
}

// UsageSummary aggregates a user's usage over a period.
type UsageSummary struct {
	UserID        string
	Requests      int
	TotalTokens   int
	TotalCostUSD  float64
	AvgLatencyMs  float64
	ProviderUsage map[llm.Provider]int
}

type Store interface {
	Recorder
	UserSummary(ctx context.Context, userID string, from, to time.Time) (*UsageSummary, error)
}

// ConversationAnalytics aggregates metrics over one conversation.
type ConversationAnalytics struct {
	ID             string
	ConversationID string
	UserID         string
	CreatedAt      time.Time
	UpdatedAt      time.Time

	TotalMessages     int
	TotalTokens       int
	TotalCostUSD      float64
	AvgResponseTimeMs float64
	ProviderUsage     map[llm.Provider]int
}

func NewConversationAnalytics(conversationID, userID string) *ConversationAnalytics {
	now := time.Now().UTC()
	return &ConversationAnalytics{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		UserID:         userID,
		CreatedAt:      now,
		UpdatedAt:      now,
		ProviderUsage:  make(map[llm.Provider]int),
	}
}

// AddMetrics folds one response's metrics into the aggregate. The response
// time average is the recency-weighted (old+new)/2 update, not a true mean
// over all samples; downstream reports depend on this exact behavior.
func (a *ConversationAnalytics) AddMetrics(m llm.Metrics) {
	a.TotalMessages++
	a.TotalTokens += m.TotalTokens
	a.TotalCostUSD += m.CostUSD
	a.ProviderUsage[m.Provider]++

	latency := float64(m.LatencyMs)
	if a.AvgResponseTimeMs == 0 {
		a.AvgResponseTimeMs = latency
	} else {
		a.AvgResponseTimeMs = (a.AvgResponseTimeMs + latency) / 2
	}
	a.UpdatedAt = time.Now().UTC()
}

// MostUsedProvider returns the provider with the highest usage count, empty
// when nothing has been recorded.
func (a *ConversationAnalytics) MostUsedProvider() llm.Provider {
	var best llm.Provider
	bestCount := 0
	for p, count := range a.ProviderUsage {
		if count > bestCount || (count == bestCount && best != "" && p < best) {
			best = p
			bestCount = count
		}
	}
	return best
}
