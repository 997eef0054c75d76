// Package checkin keeps upstream panel accounts alive by performing their
// daily check-in, and schedules that sweep once per Beijing calendar day.
package checkin

import (
	"time"

	"github.com/howard-nolan/llmgateway/internal/channel"
)

// Result statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Account sources. A check-in account is either a proxy channel with
// check-in enabled or a standalone check-in site.
const (
	SourceChannel = "channel"
	SourceSite    = "site"
)

// Snapshot is the last check-in outcome stored on an account.
type Snapshot = channel.CheckinSnapshot

// Account is one set of panel credentials to check in with.
type Account struct {
	ID         string
	Name       string
	BaseURL    string
	CheckinURL string // optional; overrides the endpoint derived from BaseURL
	Token      string
	UserID     string
	Last       Snapshot
	Source     string
}

// Result is the outcome for one account. Date is the Beijing date the
// upstream reported, or empty when it did not report one.
type Result struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Date    string `json:"checkin_date,omitempty"`
}

// Summary counts results by status.
type Summary struct {
	Total   int `json:"total"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// RunResult is what one sweep returns.
type RunResult struct {
	Results []Result  `json:"results"`
	Summary Summary   `json:"summary"`
	RanAt   time.Time `json:"ran_at"`
}

// Summarize counts results by status.
func Summarize(results []Result) Summary {
	s := Summary{Total: len(results)}
	for _, r := range results {
		switch r.Status {
		case StatusSuccess:
			s.Success++
		case StatusFailed:
			s.Failed++
		case StatusSkipped:
			s.Skipped++
		}
	}
	return s
}
