package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/samber/lo"

	"github.com/howard-nolan/llmgateway/internal/channel"
	"github.com/howard-nolan/llmgateway/internal/config"
)

// seedMetadata is the metadata blob written for a configured channel; it
// is read back by channel.ParseMetadata.
type seedMetadata struct {
	SiteType          string            `json:"site_type,omitempty"`
	ModelMapping      map[string]string `json:"model_mapping,omitempty"`
	HeaderOverrides   map[string]string `json:"header_overrides,omitempty"`
	QueryOverrides    map[string]string `json:"query_overrides,omitempty"`
	EndpointOverrides map[string]string `json:"endpoint_overrides,omitempty"`
}

// Seed upserts the channels, tokens and check-in sites declared in config.
// Channels and sites match by name and tokens by key; a channel's call
// tokens are replaced by the configured keys. The check-in schedule is only
// written when no schedule has been stored yet, so changes made at runtime
// survive restarts.
func (s *Store) Seed(ctx context.Context, cfg *config.Config) error {
	now := timestamp(s.now())
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, ch := range cfg.Channels {
			id, err := upsertChannel(ctx, tx, ch, now)
			if err != nil {
				return fmt.Errorf("seeding channel %s: %w", ch.Name, err)
			}
			if _, err := tx.ExecContext(ctx, "DELETE FROM channel_call_tokens WHERE channel_id = ?", id); err != nil {
				return err
			}
			for i, key := range lo.Compact(ch.APIKeys) {
				_, err := tx.ExecContext(ctx,
					"INSERT INTO channel_call_tokens (id, channel_id, name, api_key, created_at) VALUES (?, ?, ?, ?, ?)",
					uuid.NewString(), id, "key-"+strconv.Itoa(i+1), key, now)
				if err != nil {
					return fmt.Errorf("seeding call tokens for %s: %w", ch.Name, err)
				}
			}
		}

		for _, t := range cfg.Tokens {
			allowed, _ := json.Marshal(lo.Compact(t.AllowedChannels))
			_, err := tx.ExecContext(ctx, `INSERT INTO tokens (id, name, key, allowed_channels_json, status, created_at)
				VALUES (?, ?, ?, ?, 'active', ?)
				ON CONFLICT(key) DO UPDATE SET name = excluded.name, allowed_channels_json = excluded.allowed_channels_json`,
				uuid.NewString(), t.Name, t.Key, string(allowed), now)
			if err != nil {
				return fmt.Errorf("seeding token %s: %w", t.Name, err)
			}
		}

		for _, site := range cfg.CheckinSites {
			status := channel.StatusActive
			if site.Disabled {
				status = channel.StatusDisabled
			}
			_, err := tx.ExecContext(ctx, `INSERT INTO checkin_sites
				(id, name, base_url, checkin_url, token, new_api_user, status, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(name) DO UPDATE SET
					base_url = excluded.base_url, checkin_url = excluded.checkin_url, token = excluded.token,
					new_api_user = excluded.new_api_user, status = excluded.status, updated_at = excluded.updated_at`,
				uuid.NewString(), site.Name, channel.NormalizeBaseURL(site.BaseURL), site.CheckinURL,
				site.Token, site.UserID, status, now, now)
			if err != nil {
				return fmt.Errorf("seeding check-in site %s: %w", site.Name, err)
			}
		}

		for key, value := range map[string]string{
			keyScheduleEnabled: strconv.FormatBool(cfg.Checkin.Enabled),
			keyScheduleTime:    cfg.Checkin.Time,
		} {
			_, err := tx.ExecContext(ctx,
				"INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?) ON CONFLICT(key) DO NOTHING",
				key, value, now)
			if err != nil {
				return fmt.Errorf("seeding settings: %w", err)
			}
		}
		return nil
	})
}

func upsertChannel(ctx context.Context, tx *sqlx.Tx, ch config.ChannelConfig, now string) (string, error) {
	md := seedMetadata{
		SiteType:        ch.SiteType,
		ModelMapping:    ch.ModelMapping,
		HeaderOverrides: ch.HeaderOverrides,
		QueryOverrides:  ch.QueryOverrides,
		EndpointOverrides: lo.OmitByValues(map[string]string{
			"chat_url":      ch.ChatURL,
			"embedding_url": ch.EmbeddingURL,
			"image_url":     ch.ImageURL,
		}, []string{""}),
	}
	metadata, err := json.Marshal(md)
	if err != nil {
		return "", err
	}
	models, err := json.Marshal(lo.Compact(ch.Models))
	if err != nil {
		return "", err
	}
	status := channel.StatusActive
	if ch.Disabled {
		status = channel.StatusDisabled
	}

	var id string
	err = tx.GetContext(ctx, &id, `INSERT INTO channels
		(id, name, base_url, weight, status, models_json, metadata_json, system_token, system_userid,
		 checkin_enabled, checkin_url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			base_url = excluded.base_url, weight = excluded.weight, status = excluded.status,
			models_json = excluded.models_json, metadata_json = excluded.metadata_json,
			system_token = excluded.system_token, system_userid = excluded.system_userid,
			checkin_enabled = excluded.checkin_enabled, checkin_url = excluded.checkin_url,
			updated_at = excluded.updated_at
		RETURNING id`,
		uuid.NewString(), ch.Name, channel.NormalizeBaseURL(ch.BaseURL), ch.Weight, status,
		string(models), string(metadata), ch.SystemToken, ch.SystemUserID,
		boolInt(ch.CheckinEnabled), ch.CheckinURL, now, now)
	return id, err
}
