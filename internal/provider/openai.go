package provider

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// ---------------------------------------------------------------------------
// OpenAI wire types (unexported)
// ---------------------------------------------------------------------------

// openAIChatRequest is the body of POST /v1/chat/completions.
type openAIChatRequest struct {
	Model          string               `json:"model,omitempty"`
	Messages       []openAIMessage      `json:"messages"`
	Tools          []openAITool         `json:"tools,omitempty"`
	ToolChoice     any                  `json:"tool_choice,omitempty"`
	Temperature    *float64             `json:"temperature,omitempty"`
	TopP           *float64             `json:"top_p,omitempty"`
	MaxTokens      *int                 `json:"max_tokens,omitempty"`
	ResponseFormat any                  `json:"response_format,omitempty"`
	Stream         bool                 `json:"stream,omitempty"`
	StreamOptions  *openAIStreamOptions `json:"stream_options,omitempty"`
}

// openAIMessage uses a *string for content because OpenAI expects an
// explicit null (not "") on assistant turns that only carry tool calls.
type openAIMessage struct {
	Role       string           `json:"role"`
	Content    *string          `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID *string          `json:"tool_call_id,omitempty"`
}

type openAIToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openAIFunctionCall `json:"function"`
}

// openAIFunctionCall carries arguments as a JSON-encoded string, not an
// object. That quirk is why the pivot keeps Args decoded and re-encodes here.
type openAIFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openAITool struct {
	Type     string         `json:"type"`
	Function openAIFunction `json:"function"`
}

type openAIFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// openAIStreamOptions asks the upstream to append a usage chunk to the
// stream. Without it streamed chat completions report no token counts.
type openAIStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// openAIResponsesRequest is the body of POST /v1/responses. It differs
// from chat completions in almost every field name: system text moves to
// "instructions", messages become typed "input" items and tools are flat.
type openAIResponsesRequest struct {
	Model           string                `json:"model,omitempty"`
	Instructions    string                `json:"instructions,omitempty"`
	Input           []any                 `json:"input"`
	Tools           []openAIResponsesTool `json:"tools,omitempty"`
	ToolChoice      any                   `json:"tool_choice,omitempty"`
	Temperature     *float64              `json:"temperature,omitempty"`
	TopP            *float64              `json:"top_p,omitempty"`
	MaxOutputTokens *int                  `json:"max_output_tokens,omitempty"`
	Text            *openAIResponsesText  `json:"text,omitempty"`
	Stream          bool                  `json:"stream,omitempty"`
}

type openAIResponsesText struct {
	Format any `json:"format"`
}

type openAIResponsesTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type responsesMessageItem struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responsesFunctionCallItem struct {
	Type      string `json:"type"` // "function_call"
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type responsesFunctionOutputItem struct {
	Type   string `json:"type"` // "function_call_output"
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

// ---------------------------------------------------------------------------
// Parsing
// ---------------------------------------------------------------------------

func parseOpenAIChat(root gjson.Result, model string, stream bool) *ChatRequest {
	messages := root.Get("messages")
	if !messages.IsArray() {
		return nil
	}
	return &ChatRequest{
		Model:          model,
		Stream:         stream,
		Messages:       parseOpenAIMessages(messages),
		Tools:          parseOpenAITools(root.Get("tools")),
		ToolChoice:     opaqueOf(root.Get("tool_choice")),
		Temperature:    numberOf(root.Get("temperature")),
		TopP:           numberOf(root.Get("top_p")),
		MaxTokens:      intOf(root.Get("max_tokens")),
		ResponseFormat: opaqueOf(root.Get("response_format")),
	}
}

// parseOpenAIResponses reads a /v1/responses body. "input" may be a plain
// string, an array of strings, or an array of typed items.
func parseOpenAIResponses(root gjson.Result, model string, stream bool) *ChatRequest {
	input := root.Get("input")
	instructions := systemTextOf(root.Get("instructions"))
	if (!input.Exists() || input.Type == gjson.Null) && instructions == "" {
		return nil
	}

	var messages []Message
	if instructions != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: instructions})
	}
	switch {
	case input.IsArray():
		items := input.Array()
		if len(items) > 0 && items[0].IsObject() {
			messages = append(messages, parseOpenAIMessages(input)...)
		} else if len(items) > 0 {
			var text string
			for _, item := range items {
				text += textOf(item)
			}
			messages = append(messages, Message{Role: RoleUser, Content: text})
		}
	case input.Exists() && input.Type != gjson.Null:
		messages = append(messages, Message{Role: RoleUser, Content: textOf(input)})
	}

	// Responses bodies may still send "response_format" when a client was
	// written against chat completions; the native field is text.format.
	responseFormat := opaqueOf(root.Get("response_format"))
	if responseFormat == nil {
		responseFormat = chatResponseFormat(opaqueOf(root.Get("text.format")))
	}

	return &ChatRequest{
		Model:          model,
		Stream:         stream,
		Messages:       messages,
		Tools:          parseOpenAITools(root.Get("tools")),
		ToolChoice:     opaqueOf(root.Get("tool_choice")),
		Temperature:    numberOf(root.Get("temperature")),
		TopP:           numberOf(root.Get("top_p")),
		MaxTokens:      intOf(firstPresent(root, "max_output_tokens", "max_tokens")),
		ResponseFormat: responseFormat,
	}
}

// parseOpenAIMessages handles chat messages and responses input items in
// one pass, since clients mix the two freely in the responses API.
func parseOpenAIMessages(raw gjson.Result) []Message {
	var out []Message
	index := 0
	raw.ForEach(func(_, entry gjson.Result) bool {
		defer func() { index++ }()
		if !entry.IsObject() {
			return true
		}

		switch entry.Get("type").String() {
		case "function_call":
			name := entry.Get("name").String()
			if name == "" {
				return true
			}
			id := firstPresent(entry, "call_id", "id").String()
			if id == "" {
				id = fmt.Sprintf("call_%d", index)
			}
			call := ToolCall{ID: id, Name: name, Args: normalizeToolArgs(opaqueOf(entry.Get("arguments")))}
			// Consecutive function_call items belong to the same assistant
			// turn, so fold them into the previous assistant message.
			if n := len(out); n > 0 && out[n-1].Role == RoleAssistant {
				out[n-1].ToolCalls = append(out[n-1].ToolCalls, call)
			} else {
				out = append(out, Message{Role: RoleAssistant, ToolCalls: []ToolCall{call}})
			}
			return true
		case "function_call_output":
			out = append(out, Message{
				Role:       RoleTool,
				Content:    textOf(entry.Get("output")),
				ToolCallID: entry.Get("call_id").String(),
			})
			return true
		}

		role := entry.Get("role").String()
		if role == RoleTool {
			out = append(out, Message{
				Role:       RoleTool,
				Content:    textOf(entry.Get("content")),
				ToolCallID: stringOf(entry.Get("tool_call_id")),
			})
			return true
		}
		// Responses items may use "developer" for what chat calls "system".
		if role == "developer" {
			role = RoleSystem
		}
		if role != RoleSystem && role != RoleUser && role != RoleAssistant {
			return true
		}

		var calls []ToolCall
		entry.Get("tool_calls").ForEach(func(_, call gjson.Result) bool {
			if !call.IsObject() {
				return true
			}
			fn := call
			if f := call.Get("function"); f.Exists() {
				fn = f
			}
			if !fn.IsObject() {
				return true
			}
			name := fn.Get("name").String()
			if name == "" {
				return true
			}
			id := stringOf(call.Get("id"))
			if id == "" {
				id = fmt.Sprintf("call_%d_%d", index, len(calls))
			}
			calls = append(calls, ToolCall{ID: id, Name: name, Args: normalizeToolArgs(opaqueOf(fn.Get("arguments")))})
			return true
		})
		if legacy := entry.Get("function_call"); legacy.IsObject() {
			if name := legacy.Get("name").String(); name != "" {
				calls = append(calls, ToolCall{
					ID:   fmt.Sprintf("call_%d_legacy", index),
					Name: name,
					Args: normalizeToolArgs(opaqueOf(legacy.Get("arguments"))),
				})
			}
		}

		out = append(out, Message{Role: role, Content: textOf(entry.Get("content")), ToolCalls: calls})
		return true
	})
	return out
}

// parseOpenAITools accepts both the chat shape ({"type":"function",
// "function":{...}}) and the flat responses shape ({"type":"function",
// "name":...}).
func parseOpenAITools(raw gjson.Result) []Tool {
	var tools []Tool
	raw.ForEach(func(_, entry gjson.Result) bool {
		if !entry.IsObject() || entry.Get("type").String() != "function" {
			return true
		}
		fn := entry
		if f := entry.Get("function"); f.Exists() {
			fn = f
		}
		if !fn.IsObject() {
			return true
		}
		name := fn.Get("name").String()
		if name == "" {
			return true
		}
		tools = append(tools, Tool{
			Name:        name,
			Description: fn.Get("description").String(),
			Parameters:  schemaOf(fn.Get("parameters")),
		})
		return true
	})
	return tools
}

// ---------------------------------------------------------------------------
// Building
// ---------------------------------------------------------------------------

func buildOpenAIChat(req *ChatRequest, model string, stream bool, overrides EndpointOverrides) *UpstreamRequest {
	path, absolute, ok := resolveOverride(overrides.Chat, model)
	if !ok {
		path = "/v1/chat/completions"
	}

	body := openAIChatRequest{
		Model:          model,
		Messages:       make([]openAIMessage, 0, len(req.Messages)),
		ToolChoice:     req.ToolChoice,
		Temperature:    req.Temperature,
		TopP:           req.TopP,
		MaxTokens:      req.MaxTokens,
		ResponseFormat: req.ResponseFormat,
	}
	for _, msg := range req.Messages {
		if msg.Role == RoleTool {
			content, id := msg.Content, msg.ToolCallID
			body.Messages = append(body.Messages, openAIMessage{Role: RoleTool, Content: &content, ToolCallID: &id})
			continue
		}
		out := openAIMessage{Role: msg.Role}
		if msg.Content != "" {
			content := msg.Content
			out.Content = &content
		}
		if msg.Role == RoleAssistant {
			for _, call := range msg.ToolCalls {
				out.ToolCalls = append(out.ToolCalls, openAIToolCall{
					ID:       call.ID,
					Type:     "function",
					Function: openAIFunctionCall{Name: call.Name, Arguments: encodeArgs(call.Args)},
				})
			}
		}
		body.Messages = append(body.Messages, out)
	}
	for _, tool := range req.Tools {
		body.Tools = append(body.Tools, openAITool{
			Type:     "function",
			Function: openAIFunction{Name: tool.Name, Description: tool.Description, Parameters: schemaOrEmpty(tool.Parameters)},
		})
	}
	if stream {
		body.Stream = true
		body.StreamOptions = &openAIStreamOptions{IncludeUsage: true}
	}

	return &UpstreamRequest{Path: path, AbsoluteURL: absolute, Body: marshalBody(body)}
}

func buildOpenAIResponses(req *ChatRequest, model string, stream bool, overrides EndpointOverrides) *UpstreamRequest {
	path, absolute, ok := resolveOverride(overrides.Chat, model)
	if !ok {
		path = "/v1/responses"
	}

	body := openAIResponsesRequest{
		Model:           model,
		Instructions:    systemText(req.Messages),
		Input:           []any{},
		ToolChoice:      req.ToolChoice,
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		MaxOutputTokens: req.MaxTokens,
		Stream:          stream,
	}
	if format := responsesTextFormat(req.ResponseFormat); format != nil {
		body.Text = &openAIResponsesText{Format: format}
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			continue
		case RoleTool:
			body.Input = append(body.Input, responsesFunctionOutputItem{
				Type:   "function_call_output",
				CallID: msg.ToolCallID,
				Output: msg.Content,
			})
			continue
		}
		if msg.Content != "" || len(msg.ToolCalls) == 0 {
			body.Input = append(body.Input, responsesMessageItem{Role: msg.Role, Content: msg.Content})
		}
		if msg.Role == RoleAssistant {
			for _, call := range msg.ToolCalls {
				body.Input = append(body.Input, responsesFunctionCallItem{
					Type:      "function_call",
					CallID:    call.ID,
					Name:      call.Name,
					Arguments: encodeArgs(call.Args),
				})
			}
		}
	}
	for _, tool := range req.Tools {
		body.Tools = append(body.Tools, openAIResponsesTool{
			Type:        "function",
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  schemaOrEmpty(tool.Parameters),
		})
	}

	out := &UpstreamRequest{Path: path, AbsoluteURL: absolute, Body: marshalBody(body)}
	// Some OpenAI-compatible upstreams only mount the responses API at the
	// root. The fallback is meaningless once an absolute URL is pinned.
	if absolute == "" {
		out.FallbackPath = "/responses"
	}
	return out
}

// chatResponseFormat turns a responses text.format into the chat
// completions response_format the pivot carries. The responses API puts
// the json_schema fields next to "type"; chat nests them under
// "json_schema".
func chatResponseFormat(format any) any {
	m, ok := format.(map[string]any)
	if !ok || m["type"] != "json_schema" {
		return format
	}
	if _, nested := m["json_schema"]; nested {
		return format
	}
	schema := make(map[string]any, len(m))
	for k, v := range m {
		if k != "type" {
			schema[k] = v
		}
	}
	return map[string]any{"type": "json_schema", "json_schema": schema}
}

// responsesTextFormat is the inverse of chatResponseFormat.
func responsesTextFormat(format any) any {
	m, ok := format.(map[string]any)
	if !ok || m["type"] != "json_schema" {
		return format
	}
	schema, ok := m["json_schema"].(map[string]any)
	if !ok {
		return format
	}
	out := make(map[string]any, len(schema)+1)
	for k, v := range schema {
		out[k] = v
	}
	out["type"] = "json_schema"
	return out
}

// encodeArgs renders tool-call arguments the way OpenAI expects them: as a
// JSON document inside a string.
func encodeArgs(args any) string {
	if s, ok := args.(string); ok {
		return s
	}
	if args == nil {
		return "{}"
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func schemaOrEmpty(schema map[string]any) map[string]any {
	if schema == nil {
		return map[string]any{}
	}
	return schema
}
