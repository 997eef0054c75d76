package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/howard-nolan/llmgateway/internal/channel"
	"github.com/howard-nolan/llmgateway/internal/checkin"
)

type checkinSiteRow struct {
	ID                 string `db:"id"`
	Name               string `db:"name"`
	BaseURL            string `db:"base_url"`
	CheckinURL         string `db:"checkin_url"`
	Token              string `db:"token"`
	NewAPIUser         string `db:"new_api_user"`
	LastCheckinDate    string `db:"last_checkin_date"`
	LastCheckinStatus  string `db:"last_checkin_status"`
	LastCheckinMessage string `db:"last_checkin_message"`
	LastCheckinAt      string `db:"last_checkin_at"`
}

// ListCheckinAccounts returns the accounts a sweep should visit: active
// new-api channels with check-in enabled, then active check-in sites, each
// group in creation order.
func (s *Store) ListCheckinAccounts(ctx context.Context) ([]checkin.Account, error) {
	var chRows []channelRow
	err := s.db.SelectContext(ctx, &chRows,
		"SELECT "+channelColumns+" FROM channels WHERE status = ? AND checkin_enabled = 1 ORDER BY created_at, rowid",
		channel.StatusActive)
	if err != nil {
		return nil, fmt.Errorf("listing check-in channels: %w", err)
	}

	var accounts []checkin.Account
	for _, row := range chRows {
		ch := row.toChannel()
		if ch.Metadata.SiteType != channel.SiteNewAPI {
			continue
		}
		accounts = append(accounts, checkin.Account{
			ID:         ch.ID,
			Name:       ch.Name,
			BaseURL:    ch.BaseURL,
			CheckinURL: ch.CheckinURL,
			Token:      ch.SystemToken,
			UserID:     ch.SystemUserID,
			Last:       ch.LastCheckin,
			Source:     checkin.SourceChannel,
		})
	}

	var siteRows []checkinSiteRow
	err = s.db.SelectContext(ctx, &siteRows, `SELECT id, name, base_url, checkin_url, token, new_api_user,
		last_checkin_date, last_checkin_status, last_checkin_message, last_checkin_at
		FROM checkin_sites WHERE status = 'active' ORDER BY created_at, rowid`)
	if err != nil {
		return nil, fmt.Errorf("listing check-in sites: %w", err)
	}
	for _, row := range siteRows {
		accounts = append(accounts, checkin.Account{
			ID:         row.ID,
			Name:       row.Name,
			BaseURL:    row.BaseURL,
			CheckinURL: row.CheckinURL,
			Token:      row.Token,
			UserID:     row.NewAPIUser,
			Last: checkin.Snapshot{
				Date:    row.LastCheckinDate,
				Status:  row.LastCheckinStatus,
				Message: row.LastCheckinMessage,
				At:      parseTimestamp(row.LastCheckinAt),
			},
			Source: checkin.SourceSite,
		})
	}
	return accounts, nil
}

// SaveCheckinResult writes the snapshot back to the row the account came
// from. Last writer wins.
func (s *Store) SaveCheckinResult(ctx context.Context, acc checkin.Account, snap checkin.Snapshot) error {
	table := "channels"
	if acc.Source == checkin.SourceSite {
		table = "checkin_sites"
	}
	at := timestamp(snap.At)
	_, err := s.db.ExecContext(ctx, "UPDATE "+table+` SET last_checkin_date = ?, last_checkin_status = ?,
		last_checkin_message = ?, last_checkin_at = ?, updated_at = ? WHERE id = ?`,
		snap.Date, snap.Status, snap.Message, at, at, acc.ID)
	if err != nil {
		return fmt.Errorf("saving check-in result: %w", err)
	}
	return nil
}

// Setting keys.
const (
	keyScheduleEnabled = "checkin_schedule_enabled"
	keyScheduleTime    = "checkin_schedule_time"
	keyLastRunDate     = "checkin_scheduler.last_run_date"
	keyNextAlarm       = "checkin_scheduler.next_alarm"
)

// DefaultCheckinTime is used when no schedule time was ever stored.
const DefaultCheckinTime = "00:10"

// CheckinSchedule reads the schedule setting. An unset schedule is
// disabled at the default time.
func (s *Store) CheckinSchedule(ctx context.Context) (checkin.Schedule, error) {
	sched := checkin.Schedule{Time: DefaultCheckinTime}
	enabled, err := s.setting(ctx, keyScheduleEnabled)
	if err != nil {
		return sched, err
	}
	sched.Enabled = enabled == "true" || enabled == "1"
	if t, err := s.setting(ctx, keyScheduleTime); err != nil {
		return sched, err
	} else if t != "" {
		sched.Time = t
	}
	return sched, nil
}

// SetCheckinSchedule stores the schedule setting after validating the
// time.
func (s *Store) SetCheckinSchedule(ctx context.Context, sched checkin.Schedule) error {
	if _, err := checkin.ParseClock(sched.Time); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := putSetting(ctx, tx, keyScheduleEnabled, strconv.FormatBool(sched.Enabled), s.now()); err != nil {
			return err
		}
		return putSetting(ctx, tx, keyScheduleTime, sched.Time, s.now())
	})
}

// The methods below make Store a checkin.State for single-replica
// deployments without Redis.

func (s *Store) LastRunDate(ctx context.Context) (string, error) {
	return s.setting(ctx, keyLastRunDate)
}

func (s *Store) SetLastRunDate(ctx context.Context, date string) error {
	return putSetting(ctx, s.db, keyLastRunDate, date, s.now())
}

func (s *Store) ClearLastRunDate(ctx context.Context) error {
	return s.deleteSetting(ctx, keyLastRunDate)
}

func (s *Store) NextAlarm(ctx context.Context) (time.Time, error) {
	v, err := s.setting(ctx, keyNextAlarm)
	if err != nil || v == "" {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("decoding next alarm %q: %w", v, err)
	}
	return time.UnixMilli(ms), nil
}

func (s *Store) SetNextAlarm(ctx context.Context, at time.Time) error {
	return putSetting(ctx, s.db, keyNextAlarm, strconv.FormatInt(at.UnixMilli(), 10), s.now())
}

func (s *Store) ClearNextAlarm(ctx context.Context) error {
	return s.deleteSetting(ctx, keyNextAlarm)
}

func (s *Store) setting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.GetContext(ctx, &value, "SELECT value FROM settings WHERE key = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading setting %s: %w", key, err)
	}
	return value, nil
}

func (s *Store) deleteSetting(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM settings WHERE key = ?", key)
	return err
}

// putSetting upserts one setting on either the pool or a transaction.
func putSetting(ctx context.Context, db sqlx.ExecerContext, key, value string, now time.Time) error {
	_, err := db.ExecContext(ctx, `INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, timestamp(now))
	if err != nil {
		return fmt.Errorf("writing setting %s: %w", key, err)
	}
	return nil
}
