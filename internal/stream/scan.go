package stream

import (
	"fmt"
	"io"
	"time"

	"github.com/tmaxmax/go-sse"
)

// maxEventSize bounds one SSE event. Upstreams occasionally put a whole
// tool-call payload in a single event, so this is generous.
const maxEventSize = 4 << 20

// ScanResult is what Scan learned from a stream.
type ScanResult struct {
	// Usage is nil when no event carried usage counters.
	Usage *Usage
	// FirstTokenLatency is the time from the request start to the first
	// data event. It is only meaningful when FirstToken is true.
	FirstTokenLatency time.Duration
	FirstToken        bool
}

// arrivalClock is implemented by Tap.
type arrivalClock interface {
	Arrival() time.Time
}

// Scan reads an SSE stream to the end, collecting usage and the first-token
// latency measured from start.
//
// Counters are merged by taking the maximum seen for each field. That one
// rule covers every dialect: OpenAI sends usage once at the end, Gemini
// repeats cumulative usageMetadata on every chunk, and Anthropic splits it
// between message_start (input) and message_delta (output).
//
// A read error ends the scan; whatever was collected so far is returned
// together with the error.
func Scan(r io.Reader, start time.Time) (ScanResult, error) {
	var (
		result ScanResult
		merged Usage
		seen   bool
	)
	clock, _ := r.(arrivalClock)

	for ev, err := range sse.Read(r, &sse.ReadConfig{MaxEventSize: maxEventSize}) {
		if err != nil {
			result.Usage = finish(merged, seen)
			return result, fmt.Errorf("reading event stream: %w", err)
		}
		if ev.Data == "" || ev.Data == "[DONE]" {
			continue
		}

		if !result.FirstToken {
			at := time.Now()
			if clock != nil {
				if arrived := clock.Arrival(); !arrived.IsZero() {
					at = arrived
				}
			}
			result.FirstToken = true
			result.FirstTokenLatency = max(at.Sub(start), 0)
		}

		u := FromJSON([]byte(ev.Data))
		if u == nil {
			continue
		}
		seen = true
		merged.PromptTokens = max(merged.PromptTokens, u.PromptTokens)
		merged.CompletionTokens = max(merged.CompletionTokens, u.CompletionTokens)
		merged.TotalTokens = max(merged.TotalTokens, u.TotalTokens)
	}

	result.Usage = finish(merged, seen)
	return result, nil
}

func finish(u Usage, seen bool) *Usage {
	if !seen {
		return nil
	}
	u.TotalTokens = max(u.TotalTokens, u.PromptTokens+u.CompletionTokens)
	return &u
}
