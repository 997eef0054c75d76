package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/howard-nolan/llmgateway/internal/stream"
)

type usageRow struct {
	ID                  string        `db:"id"`
	TokenID             string        `db:"token_id"`
	ChannelID           string        `db:"channel_id"`
	Model               string        `db:"model"`
	Path                string        `db:"path"`
	PromptTokens        int           `db:"prompt_tokens"`
	CompletionTokens    int           `db:"completion_tokens"`
	TotalTokens         int           `db:"total_tokens"`
	LatencyMs           int64         `db:"latency_ms"`
	FirstTokenLatencyMs sql.NullInt64 `db:"first_token_latency_ms"`
	Stream              int           `db:"stream"`
	Status              string        `db:"status"`
	CreatedAt           string        `db:"created_at"`
}

// RecordUsage appends one usage event. Events without an ID get one.
func (s *Store) RecordUsage(ctx context.Context, ev stream.UsageEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.now()
	}
	row := usageRow{
		ID:               ev.ID,
		TokenID:          ev.TokenID,
		ChannelID:        ev.ChannelID,
		Model:            ev.Model,
		Path:             ev.Path,
		PromptTokens:     ev.PromptTokens,
		CompletionTokens: ev.CompletionTokens,
		TotalTokens:      ev.TotalTokens,
		LatencyMs:        ev.LatencyMs,
		Stream:           boolInt(ev.Stream),
		Status:           ev.Status,
		CreatedAt:        timestamp(ev.CreatedAt),
	}
	if ev.FirstTokenLatencyMs != nil {
		row.FirstTokenLatencyMs = sql.NullInt64{Int64: *ev.FirstTokenLatencyMs, Valid: true}
	}

	_, err := s.db.NamedExecContext(ctx, `INSERT INTO usage_logs
		(id, token_id, channel_id, model, path, prompt_tokens, completion_tokens, total_tokens,
		 latency_ms, first_token_latency_ms, stream, status, created_at)
		VALUES (:id, :token_id, :channel_id, :model, :path, :prompt_tokens, :completion_tokens, :total_tokens,
		 :latency_ms, :first_token_latency_ms, :stream, :status, :created_at)`, row)
	if err != nil {
		return fmt.Errorf("recording usage: %w", err)
	}
	return nil
}

// RecentUsage returns the newest usage events first.
func (s *Store) RecentUsage(ctx context.Context, limit int) ([]stream.UsageEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []usageRow
	err := s.db.SelectContext(ctx, &rows, "SELECT * FROM usage_logs ORDER BY created_at DESC, id LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("listing usage: %w", err)
	}
	return lo.Map(rows, func(r usageRow, _ int) stream.UsageEvent {
		ev := stream.UsageEvent{
			ID:               r.ID,
			TokenID:          r.TokenID,
			ChannelID:        r.ChannelID,
			Model:            r.Model,
			Path:             r.Path,
			PromptTokens:     r.PromptTokens,
			CompletionTokens: r.CompletionTokens,
			TotalTokens:      r.TotalTokens,
			LatencyMs:        r.LatencyMs,
			Stream:           r.Stream == 1,
			Status:           r.Status,
			CreatedAt:        parseTimestamp(r.CreatedAt),
		}
		if r.FirstTokenLatencyMs.Valid {
			ev.FirstTokenLatencyMs = &r.FirstTokenLatencyMs.Int64
		}
		return ev
	}), nil
}
