package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/samber/lo"
	"github.com/tidwall/gjson"

	"github.com/howard-nolan/llmgateway/internal/channel"
)

type channelRow struct {
	ID                 string `db:"id"`
	Name               string `db:"name"`
	BaseURL            string `db:"base_url"`
	APIKey             string `db:"api_key"`
	Weight             int    `db:"weight"`
	Status             string `db:"status"`
	ModelsJSON         string `db:"models_json"`
	MetadataJSON       string `db:"metadata_json"`
	SystemToken        string `db:"system_token"`
	SystemUserID       string `db:"system_userid"`
	CheckinEnabled     int    `db:"checkin_enabled"`
	CheckinURL         string `db:"checkin_url"`
	LastCheckinDate    string `db:"last_checkin_date"`
	LastCheckinStatus  string `db:"last_checkin_status"`
	LastCheckinMessage string `db:"last_checkin_message"`
	LastCheckinAt      string `db:"last_checkin_at"`
}

const channelColumns = `id, name, base_url, api_key, weight, status, models_json, metadata_json,
	system_token, system_userid, checkin_enabled, checkin_url,
	last_checkin_date, last_checkin_status, last_checkin_message, last_checkin_at`

func (r channelRow) toChannel() channel.Channel {
	return channel.Channel{
		ID:             r.ID,
		Name:           r.Name,
		BaseURL:        r.BaseURL,
		APIKey:         r.APIKey,
		Weight:         r.Weight,
		Status:         r.Status,
		Models:         stringList(r.ModelsJSON),
		Metadata:       channel.ParseMetadata(r.MetadataJSON),
		SystemToken:    r.SystemToken,
		SystemUserID:   r.SystemUserID,
		CheckinEnabled: r.CheckinEnabled == 1,
		CheckinURL:     r.CheckinURL,
		LastCheckin: channel.CheckinSnapshot{
			Date:    r.LastCheckinDate,
			Status:  r.LastCheckinStatus,
			Message: r.LastCheckinMessage,
			At:      parseTimestamp(r.LastCheckinAt),
		},
	}
}

// stringList reads a JSON array of strings, skipping anything else.
func stringList(raw string) []string {
	var out []string
	gjson.Parse(raw).ForEach(func(_, v gjson.Result) bool {
		if v.Type == gjson.String && v.Str != "" {
			out = append(out, v.Str)
		}
		return true
	})
	return out
}

// ListActiveChannels returns every active channel in creation order.
func (s *Store) ListActiveChannels(ctx context.Context) ([]channel.Channel, error) {
	var rows []channelRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT "+channelColumns+" FROM channels WHERE status = ? ORDER BY created_at, rowid", channel.StatusActive)
	if err != nil {
		return nil, fmt.Errorf("listing channels: %w", err)
	}
	return lo.Map(rows, func(r channelRow, _ int) channel.Channel { return r.toChannel() }), nil
}

type callTokenRow struct {
	ID        string `db:"id"`
	ChannelID string `db:"channel_id"`
	Name      string `db:"name"`
	APIKey    string `db:"api_key"`
}

// ListCallTokens returns the call tokens of the given channels, grouped by
// channel id and in creation order within each channel.
func (s *Store) ListCallTokens(ctx context.Context, channelIDs []string) (map[string][]channel.CallToken, error) {
	if len(channelIDs) == 0 {
		return map[string][]channel.CallToken{}, nil
	}
	query, args, err := sqlx.In(
		"SELECT id, channel_id, name, api_key FROM channel_call_tokens WHERE channel_id IN (?) ORDER BY created_at, rowid",
		channelIDs)
	if err != nil {
		return nil, err
	}
	var rows []callTokenRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("listing call tokens: %w", err)
	}
	tokens := lo.Map(rows, func(r callTokenRow, _ int) channel.CallToken {
		return channel.CallToken{ID: r.ID, ChannelID: r.ChannelID, Name: r.Name, APIKey: r.APIKey}
	})
	return lo.GroupBy(tokens, func(t channel.CallToken) string { return t.ChannelID }), nil
}

type tokenRow struct {
	ID                  string `db:"id"`
	Name                string `db:"name"`
	Key                 string `db:"key"`
	AllowedChannelsJSON string `db:"allowed_channels_json"`
}

// LookupToken resolves a gateway access key. Disabled tokens are not
// found.
func (s *Store) LookupToken(ctx context.Context, key string) (*channel.AccessToken, error) {
	var row tokenRow
	err := s.db.GetContext(ctx, &row,
		"SELECT id, name, key, allowed_channels_json FROM tokens WHERE key = ? AND status = 'active'", key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("looking up token: %w", err)
	}
	return &channel.AccessToken{
		ID:              row.ID,
		Name:            row.Name,
		Key:             row.Key,
		AllowedChannels: stringList(row.AllowedChannelsJSON),
	}, nil
}
