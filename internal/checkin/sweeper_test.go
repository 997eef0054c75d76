package checkin

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memAccounts is an in-memory Accounts.
type memAccounts struct {
	mu       sync.Mutex
	accounts []Account
	saved    int
	listErr  error
}

func (m *memAccounts) ListCheckinAccounts(context.Context) ([]Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	return append([]Account(nil), m.accounts...), nil
}

func (m *memAccounts) SaveCheckinResult(_ context.Context, acc Account, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.accounts {
		if m.accounts[i].ID == acc.ID {
			m.accounts[i].Last = snap
		}
	}
	m.saved++
	return nil
}

func TestSweepIsIdempotentWithinADay(t *testing.T) {
	panel := &fakePanel{
		statusBodies: []string{`{"success":true}`, `{"success":true,"data":{"checked_in":true}}`},
		submitBody:   `{"success":true,"message":"done"}`,
	}
	srv := httptest.NewServer(panel)
	defer srv.Close()

	accounts := &memAccounts{accounts: []Account{panelAccount(srv.URL)}}
	sweeper := NewSweeper(accounts, newTestRunner(srv.Client()), nil)
	clock := time.Date(2025, 3, 1, 2, 0, 0, 0, time.UTC)
	sweeper.now = func() time.Time { return clock }

	first, err := sweeper.RunAll(context.Background())
	require.NoError(t, err)
	require.Len(t, first.Results, 1)
	assert.Equal(t, StatusSuccess, first.Results[0].Status)
	assert.Equal(t, "2025-03-01", first.Results[0].Date, "no reported date falls back to today")
	assert.Equal(t, Summary{Total: 1, Success: 1}, first.Summary)
	calls := panel.gets.Load() + panel.posts.Load()

	clock = clock.Add(3 * time.Hour)
	second, err := sweeper.RunAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Result{{ID: "a1", Name: "panel", Status: StatusSkipped, Message: "done", Date: "2025-03-01"}}, second.Results)
	assert.Equal(t, Summary{Total: 1, Skipped: 1}, second.Summary)
	assert.Equal(t, calls, panel.gets.Load()+panel.posts.Load(), "second sweep makes no requests")
	assert.Equal(t, 1, accounts.saved)
}

func TestSweepRetriesFailuresAndNewDays(t *testing.T) {
	panel := &fakePanel{statusBodies: []string{`{"signed":true}`}}
	srv := httptest.NewServer(panel)
	defer srv.Close()

	failed := panelAccount(srv.URL)
	failed.ID = "failed-today"
	failed.Last = Snapshot{Date: "2025-03-01", Status: StatusFailed}
	stale := panelAccount(srv.URL)
	stale.ID = "yesterday"
	stale.Last = Snapshot{Date: "2025-02-28", Status: StatusSuccess}

	accounts := &memAccounts{accounts: []Account{failed, stale}}
	sweeper := NewSweeper(accounts, newTestRunner(srv.Client()), nil)
	sweeper.now = func() time.Time { return time.Date(2025, 3, 1, 2, 0, 0, 0, time.UTC) }

	run, err := sweeper.RunAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), panel.gets.Load(), "both accounts are attempted")
	assert.Equal(t, Summary{Total: 2, Skipped: 2}, run.Summary)
}

func TestSweepIsolatesAccountFailures(t *testing.T) {
	panel := &fakePanel{statusBodies: []string{`{"signed":true}`}}
	srv := httptest.NewServer(panel)
	defer srv.Close()

	broken := Account{ID: "broken", Name: "broken", BaseURL: srv.URL}
	good := panelAccount(srv.URL)

	accounts := &memAccounts{accounts: []Account{broken, good}}
	run, err := NewSweeper(accounts, newTestRunner(srv.Client()), nil).RunAll(context.Background())
	require.NoError(t, err)
	require.Len(t, run.Results, 2)
	assert.Equal(t, StatusFailed, run.Results[0].Status)
	assert.Equal(t, StatusSkipped, run.Results[1].Status)
}

func TestSweepListError(t *testing.T) {
	accounts := &memAccounts{listErr: errors.New("db down")}
	_, err := NewSweeper(accounts, NewRunner(nil), nil).RunAll(context.Background())
	assert.ErrorContains(t, err, "db down")
}

func TestSummarize(t *testing.T) {
	got := Summarize([]Result{{Status: StatusSuccess}, {Status: StatusFailed}, {Status: StatusFailed}, {Status: StatusSkipped}})
	assert.Equal(t, Summary{Total: 4, Success: 1, Failed: 2, Skipped: 1}, got)
}
