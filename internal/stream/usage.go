package stream

import (
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/tidwall/gjson"
)

// Usage holds token counts. Every dialect reports these in some form; we
// normalize them here so usage records look the same whichever upstream
// served the request.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// UsageEvent is one usage record handed to the persistence layer.
// FirstTokenLatencyMs is nil when it could not be measured (a stream that
// never produced a data event).
type UsageEvent struct {
	ID                  string    `json:"id"`
	TokenID             string    `json:"token_id"`
	ChannelID           string    `json:"channel_id,omitempty"` // empty when no upstream ever answered
	Model               string    `json:"model,omitempty"`
	Path                string    `json:"request_path"`
	PromptTokens        int       `json:"prompt_tokens"`
	CompletionTokens    int       `json:"completion_tokens"`
	TotalTokens         int       `json:"total_tokens"`
	LatencyMs           int64     `json:"latency_ms"`
	FirstTokenLatencyMs *int64    `json:"first_token_latency_ms"`
	Stream              bool      `json:"stream"`
	Status              string    `json:"status"` // "ok" or "error"
	CreatedAt           time.Time `json:"created_at"`
}

// Usage event statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// usageShape is one place a dialect puts its counters, relative to the
// document root.
type usageShape struct {
	path       string
	prompt     []string
	completion []string
	total      []string
}

// The shapes are tried in order and the first one present wins:
//   - OpenAI chat:           usage.prompt_tokens / completion_tokens
//   - OpenAI responses and
//     Anthropic:             usage.input_tokens / output_tokens
//   - responses stream end:  response.usage
//   - Anthropic message_start: message.usage
//   - Gemini:                usageMetadata.promptTokenCount / candidatesTokenCount
var usageShapes = []usageShape{
	{
		path:       "usage",
		prompt:     []string{"prompt_tokens", "input_tokens"},
		completion: []string{"completion_tokens", "output_tokens"},
		total:      []string{"total_tokens"},
	},
	{
		path:       "response.usage",
		prompt:     []string{"input_tokens", "prompt_tokens"},
		completion: []string{"output_tokens", "completion_tokens"},
		total:      []string{"total_tokens"},
	},
	{
		path:       "message.usage",
		prompt:     []string{"input_tokens"},
		completion: []string{"output_tokens"},
	},
	{
		path:       "usageMetadata",
		prompt:     []string{"promptTokenCount"},
		completion: []string{"candidatesTokenCount"},
		total:      []string{"totalTokenCount"},
	},
}

// FromJSON extracts usage from a response body (or one SSE data payload).
// It returns nil when the document carries no recognizable counters.
func FromJSON(body []byte) *Usage {
	if !gjson.ValidBytes(body) {
		return nil
	}
	root := gjson.ParseBytes(body)
	for _, shape := range usageShapes {
		node := root.Get(shape.path)
		if !node.IsObject() {
			continue
		}
		prompt, okP := firstInt(node, shape.prompt)
		completion, okC := firstInt(node, shape.completion)
		total, okT := firstInt(node, shape.total)
		if !okP && !okC && !okT {
			continue
		}
		if !okT {
			total = prompt + completion
		}
		return &Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: total}
	}
	return nil
}

func firstInt(node gjson.Result, keys []string) (int, bool) {
	for _, k := range keys {
		v := node.Get(k)
		if v.Type == gjson.Number {
			return int(v.Int()), true
		}
	}
	return 0, false
}

// Header names some aggregator panels use to report usage out of band.
const (
	HeaderPromptTokens     = "X-Usage-Prompt-Tokens"
	HeaderCompletionTokens = "X-Usage-Completion-Tokens"
	HeaderTotalTokens      = "X-Usage-Total-Tokens"
)

// FromHeaders extracts usage from response headers, or returns nil.
func FromHeaders(h http.Header) *Usage {
	prompt, okP := headerInt(h, HeaderPromptTokens)
	completion, okC := headerInt(h, HeaderCompletionTokens)
	total, okT := headerInt(h, HeaderTotalTokens)
	if !okP && !okC && !okT {
		return nil
	}
	if !okT {
		total = prompt + completion
	}
	return &Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: total}
}

func headerInt(h http.Header, key string) (int, bool) {
	raw := strings.TrimSpace(h.Get(key))
	if raw == "" {
		return 0, false
	}
	n, err := cast.ToIntE(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}
