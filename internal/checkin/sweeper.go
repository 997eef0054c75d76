package checkin

import (
	"context"
	"fmt"
	"time"

	"github.com/howard-nolan/llmgateway/internal/log"
	"github.com/howard-nolan/llmgateway/internal/metrics"
)

// Accounts lists check-in accounts and stores their results.
type Accounts interface {
	// ListCheckinAccounts returns every active, check-in-enabled account
	// in a stable order.
	ListCheckinAccounts(ctx context.Context) ([]Account, error)
	SaveCheckinResult(ctx context.Context, acc Account, snap Snapshot) error
}

// Sweeper runs the check-in for every eligible account.
type Sweeper struct {
	accounts Accounts
	runner   *Runner
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewSweeper returns a Sweeper. m may be nil.
func NewSweeper(accounts Accounts, runner *Runner, m *metrics.Metrics) *Sweeper {
	return &Sweeper{accounts: accounts, runner: runner, metrics: m, now: time.Now}
}

// RunAll checks in every account. Accounts whose last result for today is
// already success or skipped are reported as skipped without any network
// call. A failure on one account never stops the others; the only error
// returned is a failure to list accounts.
func (s *Sweeper) RunAll(ctx context.Context) (RunResult, error) {
	now := s.now()
	today := BeijingDate(now)

	accounts, err := s.accounts.ListCheckinAccounts(ctx)
	if err != nil {
		return RunResult{}, fmt.Errorf("listing check-in accounts: %w", err)
	}

	results := make([]Result, 0, len(accounts))
	for _, acc := range accounts {
		if acc.Last.Date == today && (acc.Last.Status == StatusSuccess || acc.Last.Status == StatusSkipped) {
			msg := acc.Last.Message
			if msg == "" {
				msg = "already checked in today"
			}
			results = append(results, Result{
				ID:      acc.ID,
				Name:    acc.Name,
				Status:  StatusSkipped,
				Message: msg,
				Date:    today,
			})
			s.metrics.ObserveCheckin(StatusSkipped)
			continue
		}

		res := s.runner.Run(ctx, acc)
		if res.Date == "" {
			res.Date = today
		}
		snap := Snapshot{Date: res.Date, Status: res.Status, Message: res.Message, At: now}
		if err := s.accounts.SaveCheckinResult(ctx, acc, snap); err != nil {
			log.Warnf("checkin: saving result for %s: %v", acc.Name, err)
		}
		log.Infow("checkin result", "account", acc.Name, "status", res.Status, "message", res.Message)
		s.metrics.ObserveCheckin(res.Status)
		results = append(results, res)
	}

	s.metrics.ObserveSweep()
	run := RunResult{Results: results, Summary: Summarize(results), RanAt: now}
	log.Infof("checkin sweep: total=%d success=%d failed=%d skipped=%d",
		run.Summary.Total, run.Summary.Success, run.Summary.Failed, run.Summary.Skipped)
	return run, nil
}
