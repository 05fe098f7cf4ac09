package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/promptlab/orchestrator/internal/llm"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Record(ctx context.Context, usage *UsageLog) error {
	query := `
		INSERT INTO usage_logs (user_id, conversation_id, request_id, provider, model,
			input_tokens, output_tokens, total_tokens, cost_usd, latency_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at
	`
	err := s.db.QueryRow(ctx, query,
		usage.UserID, usage.ConversationID, usage.RequestID, string(usage.Provider), usage.Model,
		usage.InputTokens, usage.OutputTokens, usage.TotalTokens, usage.CostUSD, usage.LatencyMs,
	).Scan(&usage.ID, &usage.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	return nil
}

func (s *PostgresStore) UserSummary(ctx context.Context, userID string, from, to time.Time) (*UsageSummary, error) {
	summary := &UsageSummary{
		UserID:        userID,
		ProviderUsage: make(map[llm.Provider]int),
	}

	query := `
		SELECT COUNT(*), COALESCE(SUM(total_tokens), 0), COALESCE(SUM(cost_usd), 0), COALESCE(AVG(latency_ms), 0)
		FROM usage_logs
		WHERE user_id = $1 AND created_at BETWEEN $2 AND $3
	`
	err := s.db.QueryRow(ctx, query, userID, from, to).Scan(
		&summary.Requests, &summary.TotalTokens, &summary.TotalCostUSD, &summary.AvgLatencyMs,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize usage: %w", err)
	}

	providerQuery := `
		SELECT provider, COUNT(*)
		FROM usage_logs
		WHERE user_id = $1 AND created_at BETWEEN $2 AND $3
		GROUP BY provider
	`
	rows, err := s.db.Query(ctx, providerQuery, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query provider usage: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var provider string
		var count int
		if err := rows.Scan(&provider, &count); err != nil {
			return nil, fmt.Errorf("failed to scan provider usage: %w", err)
		}
		summary.ProviderUsage[llm.Provider(provider)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating provider usage: %w", err)
	}

	return summary, nil
}
