package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/helpful-bits/plantocode-orchestrator/pkg/money"
)

// RecordAPIUsage inserts one api_usage row. Called once per provider
// dispatch, whether it succeeded, was canceled mid-stream, or failed
// after a reservation was already debited, so the row's Canceled flag
// and zeroed token counts distinguish those outcomes on read.
func (s *SQLStore) RecordAPIUsage(ctx context.Context, rec APIUsageRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.exec(ctx, `
		INSERT INTO api_usage
			(id, user_id, service_name, provider, request_id, prompt_tokens,
			 completion_tokens, total_tokens, cost, canceled, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, uuid.NewString(), rec.UserID, rec.ServiceName, rec.Provider, rec.RequestID,
		rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens, rec.Cost.String(),
		boolToInt(rec.Canceled), rec.Metadata, createdAt)
	if err != nil {
		return fmt.Errorf("ledger: recording api usage: %w", err)
	}
	return nil
}

// ListAPIUsage returns userID's provider-dispatch audit trail, most
// recent first, for billing support and self-service usage review.
func (s *SQLStore) ListAPIUsage(ctx context.Context, userID string, limit int) ([]*APIUsageRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.query(ctx, `
		SELECT user_id, service_name, provider, request_id, prompt_tokens,
			completion_tokens, total_tokens, cost, canceled, metadata, created_at
		FROM api_usage WHERE user_id = ? ORDER BY created_at DESC LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: listing api usage: %w", err)
	}
	defer rows.Close()

	var out []*APIUsageRecord
	for rows.Next() {
		var (
			rec      APIUsageRecord
			cost     string
			canceled int
		)
		if err := rows.Scan(&rec.UserID, &rec.ServiceName, &rec.Provider, &rec.RequestID,
			&rec.PromptTokens, &rec.CompletionTokens, &rec.TotalTokens, &cost, &canceled,
			&rec.Metadata, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("ledger: scanning api usage: %w", err)
		}
		amount, err := money.Parse(cost)
		if err != nil {
			return nil, err
		}
		rec.Cost = amount
		rec.Canceled = canceled != 0
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
