// Package channel holds the upstream channel model and the selection logic
// that turns "all channels" into an ordered list of candidates for one
// request.
package channel

import (
	"strings"
	"time"

	"github.com/samber/lo"
)

// Channel statuses. Only active channels are ever selected.
const (
	StatusActive   = "active"
	StatusDisabled = "disabled"
)

// Channel is one configured upstream account/endpoint.
type Channel struct {
	ID      string
	Name    string
	BaseURL string
	// APIKey is the legacy single key, used only when the channel has no
	// call token with a non-empty secret.
	APIKey   string
	Weight   int
	Status   string
	Models   []string // declared model catalog; empty means "not declared"
	Metadata Metadata

	// Check-in credentials and the last result. Only the check-in
	// subsystem writes the snapshot fields.
	SystemToken    string
	SystemUserID   string
	CheckinEnabled bool
	CheckinURL     string
	LastCheckin    CheckinSnapshot
}

// CheckinSnapshot is the last check-in outcome stored on an account.
// Date is the Beijing calendar date (YYYY-MM-DD) the result applies to.
type CheckinSnapshot struct {
	Date    string
	Status  string
	Message string
	At      time.Time
}

// CallToken is one upstream secret of a channel. A channel may hold several
// so load can be spread across upstream rate limits.
type CallToken struct {
	ID        string
	ChannelID string
	Name      string
	APIKey    string
}

// AccessToken is the caller's gateway credential, resolved by the auth
// middleware before the proxy runs. An empty AllowedChannels means the
// token may use every channel.
type AccessToken struct {
	ID              string
	Name            string
	Key             string
	AllowedChannels []string
}

// Allows reports whether the token may route to ch. Entries match either
// the channel id or its name.
func (t *AccessToken) Allows(ch *Channel) bool {
	if t == nil || len(t.AllowedChannels) == 0 {
		return true
	}
	return lo.Contains(t.AllowedChannels, ch.ID) || lo.Contains(t.AllowedChannels, ch.Name)
}

// SupportsModel reports whether the channel advertises model, either in its
// catalog or through a model mapping entry (explicit or "*"). An empty
// model is supported by every channel.
func (c *Channel) SupportsModel(model string) bool {
	if model == "" {
		return true
	}
	if lo.Contains(c.Models, model) {
		return true
	}
	return c.Metadata.ModelMapping[model] != "" || c.Metadata.ModelMapping["*"] != ""
}

// NormalizeBaseURL trims whitespace and trailing slashes so paths can be
// appended with a plain concatenation.
func NormalizeBaseURL(raw string) string {
	return strings.TrimRight(strings.TrimSpace(raw), "/")
}
