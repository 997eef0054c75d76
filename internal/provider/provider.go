// Package provider translates LLM requests between the three wire dialects
// the gateway speaks (OpenAI, Anthropic, Gemini).
//
// Every inbound request is parsed into a dialect-neutral pivot (ChatRequest,
// EmbeddingRequest, ImageRequest) and, when the selected upstream channel
// speaks a different dialect, rebuilt from that pivot into the upstream's
// shape. Responses are never translated: the gateway relays whatever the
// upstream returns.
//
// Parsing reads bodies with gjson so that malformed entries can be skipped
// individually instead of failing the whole decode. Building marshals small
// unexported structs per dialect, one file per dialect.
package provider

import (
	"bytes"
	"encoding/json"
	"net/url"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// Dialect is the wire-format family of a request or an upstream channel.
type Dialect string

const (
	DialectOpenAI    Dialect = "openai"
	DialectAnthropic Dialect = "anthropic"
	DialectGemini    Dialect = "gemini"
)

// EndpointKind says which body family a request path carries. Only chat,
// responses, embeddings and images are ever translated; passthrough bodies
// are forwarded untouched and only to channels of the same dialect.
type EndpointKind string

const (
	KindChat        EndpointKind = "chat"
	KindResponses   EndpointKind = "responses"
	KindEmbeddings  EndpointKind = "embeddings"
	KindImages      EndpointKind = "images"
	KindPassthrough EndpointKind = "passthrough"
)

// ---------------------------------------------------------------------------
// Pivot types
// ---------------------------------------------------------------------------

// Roles used in the pivot. Gemini's "model" role is mapped to RoleAssistant,
// and tool results from every dialect become their own RoleTool message.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ChatRequest is the dialect-neutral chat request. An empty Model means the
// caller did not name one. Nil numeric pointers mean "not set", which is
// different from zero (temperature 0 is a valid, deliberate choice).
type ChatRequest struct {
	Model          string
	Stream         bool
	Messages       []Message
	Tools          []Tool
	ToolChoice     any // opaque, forwarded as-is
	Temperature    *float64
	TopP           *float64
	MaxTokens      *int
	ResponseFormat any // opaque, forwarded as-is
}

// Message is one conversation turn. Content is the flattened text of the
// turn: every text part concatenated in order, with no separator.
type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string // set on RoleTool messages
}

// ToolCall is one function invocation requested by the assistant. Args
// holds decoded JSON (usually a map) or, when the source carried a string
// that is not valid JSON, that raw string.
type ToolCall struct {
	ID   string
	Name string
	Args any
}

// Tool is one function the model may call.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON schema; nil when absent
}

// EmbeddingRequest is the pivot for embedding calls.
type EmbeddingRequest struct {
	Model  string
	Inputs []string
}

// ImageRequest is the pivot for image-generation calls. Empty strings and
// a nil N mean "not set".
type ImageRequest struct {
	Model          string
	Prompt         string
	N              *int
	Size           string
	Quality        string
	Style          string
	ResponseFormat string
}

// UpstreamRequest is a fully resolved outbound call. When AbsoluteURL is
// set it replaces the channel base URL plus Path entirely. FallbackPath is
// tried once when the primary path answers 400 or 404.
type UpstreamRequest struct {
	Path         string
	FallbackPath string
	AbsoluteURL  string
	Body         []byte
}

// EndpointOverrides are per-channel URL templates. A "{model}" placeholder
// is replaced with the upstream model. Values starting with http:// or
// https:// are absolute URLs; anything else is a path on the channel.
type EndpointOverrides struct {
	Chat      string
	Image     string
	Embedding string
}

// ForKind returns the override that applies to an endpoint kind, or "".
func (o EndpointOverrides) ForKind(kind EndpointKind) string {
	switch kind {
	case KindChat, KindResponses:
		return o.Chat
	case KindEmbeddings:
		return o.Embedding
	case KindImages:
		return o.Image
	}
	return ""
}

// ---------------------------------------------------------------------------
// Detection
// ---------------------------------------------------------------------------

// DetectDialect infers the caller's dialect from the request path.
func DetectDialect(path string) Dialect {
	if strings.HasPrefix(path, "/v1beta/") {
		return DialectGemini
	}
	if path == "/v1/messages" || strings.HasPrefix(path, "/v1/messages/") {
		return DialectAnthropic
	}
	return DialectOpenAI
}

// DetectEndpointKind classifies a path within a dialect.
func DetectEndpointKind(d Dialect, path string) EndpointKind {
	switch d {
	case DialectOpenAI:
		switch {
		case strings.HasPrefix(path, "/v1/chat/completions"):
			return KindChat
		case strings.HasPrefix(path, "/v1/responses"):
			return KindResponses
		case strings.HasPrefix(path, "/v1/embeddings"):
			return KindEmbeddings
		case strings.HasPrefix(path, "/v1/images"):
			return KindImages
		}
	case DialectAnthropic:
		if strings.HasPrefix(path, "/v1/messages") {
			return KindChat
		}
	case DialectGemini:
		switch {
		case strings.Contains(path, ":generateContent"), strings.Contains(path, ":streamGenerateContent"):
			return KindChat
		case strings.Contains(path, ":embedContent"), strings.Contains(path, ":batchEmbedContents"):
			return KindEmbeddings
		case strings.Contains(path, ":generateImage"), strings.Contains(path, ":streamGenerateImage"):
			return KindImages
		}
	}
	return KindPassthrough
}

var geminiModelInPath = regexp.MustCompile(`(?i)/models/([^/:]+)(?::|/|$)`)

// ExtractModel returns the model the caller asked for, or "" when none.
// Gemini carries the model in the path (/models/{id}:verb, URL-encoded);
// the other dialects carry it in the body's "model" field.
func ExtractModel(d Dialect, path string, body []byte) string {
	if d == DialectGemini {
		if m := geminiModelInPath.FindStringSubmatch(path); m != nil && m[1] != "" {
			if decoded, err := url.PathUnescape(m[1]); err == nil {
				return decoded
			}
			return m[1]
		}
	}
	model := gjson.GetBytes(body, "model")
	if !model.Exists() || model.Type == gjson.Null {
		return ""
	}
	return model.String()
}

// ExtractStream reports whether the caller asked for a streamed response.
// Only a literal JSON true counts; "true" as a string does not.
func ExtractStream(d Dialect, path string, body []byte) bool {
	if d == DialectGemini {
		if strings.Contains(path, ":streamGenerateContent") || strings.Contains(path, ":streamGenerateImage") {
			return true
		}
	}
	return gjson.GetBytes(body, "stream").Type == gjson.True
}

var geminiModelSegment = regexp.MustCompile(`(?i)/models/([^/:]+)`)

// ApplyGeminiModelToPath swaps the model id in the first /models/{id}
// segment of a Gemini path, keeping the ":verb" suffix and every other
// segment intact:
//
//	/v1beta/models/gpt-x:generateContent + gemini-pro
//	  -> /v1beta/models/gemini-pro:generateContent
func ApplyGeminiModelToPath(path, model string) string {
	if model == "" {
		return path
	}
	loc := geminiModelSegment.FindStringSubmatchIndex(path)
	if loc == nil {
		return path
	}
	// loc[2]:loc[3] is the byte range of the captured model id.
	return path[:loc[2]] + url.PathEscape(model) + path[loc[3]:]
}

// ---------------------------------------------------------------------------
// Dispatch
// ---------------------------------------------------------------------------

// ParseChatRequest reads a chat (or OpenAI responses) body into the pivot.
// It returns nil when the body is not a JSON object or lacks the field that
// carries the conversation, which the caller must treat as a client error.
func ParseChatRequest(d Dialect, kind EndpointKind, body []byte, model string, stream bool) *ChatRequest {
	root, ok := parseObject(body)
	if !ok {
		return nil
	}
	switch d {
	case DialectOpenAI:
		if kind == KindResponses {
			return parseOpenAIResponses(root, model, stream)
		}
		return parseOpenAIChat(root, model, stream)
	case DialectAnthropic:
		return parseAnthropicChat(root, model, stream)
	case DialectGemini:
		return parseGeminiChat(root, model, stream)
	}
	return nil
}

// BuildUpstreamChatRequest renders the pivot in the target dialect. It
// returns nil when the pivot cannot be expressed there (for example a
// Gemini target without a model to put in the path).
func BuildUpstreamChatRequest(d Dialect, req *ChatRequest, model string, kind EndpointKind, stream bool, overrides EndpointOverrides) *UpstreamRequest {
	if req == nil {
		return nil
	}
	switch d {
	case DialectOpenAI:
		if kind == KindResponses {
			return buildOpenAIResponses(req, model, stream, overrides)
		}
		return buildOpenAIChat(req, model, stream, overrides)
	case DialectAnthropic:
		return buildAnthropicChat(req, model, stream, overrides)
	case DialectGemini:
		return buildGeminiChat(req, model, stream, overrides)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Shared helpers
// ---------------------------------------------------------------------------

func parseObject(body []byte) (gjson.Result, bool) {
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, false
	}
	root := gjson.ParseBytes(body)
	return root, root.IsObject()
}

// resolveOverride applies a URL template. ok is false when no override is
// configured, in which case the caller uses its default path.
func resolveOverride(template, model string) (path, absolute string, ok bool) {
	if template == "" {
		return "", "", false
	}
	resolved := template
	if model != "" {
		resolved = strings.ReplaceAll(resolved, "{model}", model)
	}
	if strings.HasPrefix(resolved, "http://") || strings.HasPrefix(resolved, "https://") {
		return "", resolved, true
	}
	return resolved, "", true
}

// marshalBody encodes without HTML escaping so prompts containing <, > or &
// reach the upstream byte-for-byte.
func marshalBody(v any) []byte {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil
	}
	return bytes.TrimRight(buf.Bytes(), "\n")
}

// systemText joins every system message with newlines, which is how both
// Anthropic's top-level "system" and Gemini's system_instruction carry it.
func systemText(msgs []Message) string {
	var parts []string
	for _, m := range msgs {
		if m.Role == RoleSystem {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, "\n")
}
