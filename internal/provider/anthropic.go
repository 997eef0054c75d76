package provider

import (
	"fmt"

	"github.com/tidwall/gjson"
)

// ---------------------------------------------------------------------------
// Anthropic wire types (unexported)
// ---------------------------------------------------------------------------

// anthropicRequest is the top-level request body for Anthropic's
// /v1/messages endpoint.
//
// Key differences from OpenAI:
//   - "system" is a top-level string, not a message
//   - "max_tokens" is REQUIRED (Anthropic rejects requests without it)
//   - tool calls and tool results are content blocks inside messages
type anthropicRequest struct {
	Model       string             `json:"model,omitempty"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	ToolChoice  any                `json:"tool_choice,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
	TopP        *float64           `json:"top_p,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

// anthropicMessage.Content is either a plain string (a single text block,
// the compact form) or a slice of the block structs below.
type anthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type anthropicTextBlock struct {
	Type string `json:"type"` // "text"
	Text string `json:"text"`
}

type anthropicToolUseBlock struct {
	Type  string `json:"type"` // "tool_use"
	ID    string `json:"id"`
	Name  string `json:"name"`
	Input any    `json:"input"`
}

type anthropicToolResultBlock struct {
	Type      string `json:"type"` // "tool_result"
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// defaultMaxTokens is used when the caller doesn't specify max_tokens.
// Anthropic requires this field, so we need a fallback.
const defaultMaxTokens = 1024

// ---------------------------------------------------------------------------
// Parsing
// ---------------------------------------------------------------------------

func parseAnthropicChat(root gjson.Result, model string, stream bool) *ChatRequest {
	raw := root.Get("messages")
	if !raw.IsArray() {
		return nil
	}

	var messages []Message
	if system := systemTextOf(root.Get("system")); system != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: system})
	}
	messages = append(messages, parseAnthropicMessages(raw)...)

	var tools []Tool
	root.Get("tools").ForEach(func(_, entry gjson.Result) bool {
		if name := entry.Get("name").String(); entry.IsObject() && name != "" {
			tools = append(tools, Tool{
				Name:        name,
				Description: entry.Get("description").String(),
				Parameters:  schemaOf(entry.Get("input_schema")),
			})
		}
		return true
	})

	return &ChatRequest{
		Model:       model,
		Stream:      stream,
		Messages:    messages,
		Tools:       tools,
		ToolChoice:  opaqueOf(root.Get("tool_choice")),
		Temperature: numberOf(root.Get("temperature")),
		TopP:        numberOf(root.Get("top_p")),
		MaxTokens:   intOf(root.Get("max_tokens")),
	}
}

// parseAnthropicMessages walks the content blocks of each turn. tool_use
// blocks become ToolCalls on the assistant message; tool_result blocks
// become separate RoleTool messages that follow the user turn carrying them.
func parseAnthropicMessages(raw gjson.Result) []Message {
	var out []Message
	index := 0
	raw.ForEach(func(_, entry gjson.Result) bool {
		defer func() { index++ }()
		if !entry.IsObject() {
			return true
		}
		role := entry.Get("role").String()
		if role != RoleUser && role != RoleAssistant {
			return true
		}

		content := entry.Get("content")
		if !content.IsArray() {
			out = append(out, Message{Role: role, Content: textOf(content)})
			return true
		}

		var (
			text    string
			calls   []ToolCall
			results []Message
		)
		partIndex := 0
		content.ForEach(func(_, block gjson.Result) bool {
			defer func() { partIndex++ }()
			if !block.IsObject() {
				return true
			}
			switch block.Get("type").String() {
			case "text":
				text += block.Get("text").String()
			case "tool_use":
				name := block.Get("name").String()
				if role != RoleAssistant || name == "" {
					return true
				}
				id := stringOf(block.Get("id"))
				if id == "" {
					id = fmt.Sprintf("tool_%d_%d", index, partIndex)
				}
				args := opaqueOf(block.Get("input"))
				if args == nil {
					args = map[string]any{}
				}
				calls = append(calls, ToolCall{ID: id, Name: name, Args: args})
			case "tool_result":
				if role != RoleUser {
					return true
				}
				id := stringOf(block.Get("tool_use_id"))
				if id == "" {
					id = fmt.Sprintf("tool_%d_%d", index, partIndex)
				}
				results = append(results, Message{Role: RoleTool, Content: textOf(block.Get("content")), ToolCallID: id})
			}
			return true
		})

		// A user turn that only carried tool results has nothing of its
		// own to say; emitting it would add an empty turn to the pivot.
		if text != "" || len(calls) > 0 || len(results) == 0 {
			out = append(out, Message{Role: role, Content: text, ToolCalls: calls})
		}
		out = append(out, results...)
		return true
	})
	return out
}

// ---------------------------------------------------------------------------
// Building
// ---------------------------------------------------------------------------

// buildAnthropicChat translates the pivot into Anthropic's format:
//  1. System messages get pulled out into the top-level "system" string
//  2. Tool results become user turns holding a tool_result block
//  3. max_tokens gets a default if not set (Anthropic requires it)
func buildAnthropicChat(req *ChatRequest, model string, stream bool, overrides EndpointOverrides) *UpstreamRequest {
	path, absolute, ok := resolveOverride(overrides.Chat, model)
	if !ok {
		path = "/v1/messages"
	}

	body := anthropicRequest{
		Model:       model,
		System:      systemText(req.Messages),
		Messages:    []anthropicMessage{},
		ToolChoice:  req.ToolChoice,
		MaxTokens:   defaultMaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      stream,
	}
	if req.MaxTokens != nil {
		body.MaxTokens = *req.MaxTokens
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			continue
		case RoleTool:
			body.Messages = append(body.Messages, anthropicMessage{
				Role: RoleUser,
				Content: []any{anthropicToolResultBlock{
					Type:      "tool_result",
					ToolUseID: msg.ToolCallID,
					Content:   msg.Content,
				}},
			})
			continue
		}

		var blocks []any
		if msg.Content != "" {
			blocks = append(blocks, anthropicTextBlock{Type: "text", Text: msg.Content})
		}
		if msg.Role == RoleAssistant {
			for _, call := range msg.ToolCalls {
				blocks = append(blocks, anthropicToolUseBlock{
					Type:  "tool_use",
					ID:    call.ID,
					Name:  call.Name,
					Input: argsObject(call.Args),
				})
			}
		}

		out := anthropicMessage{Role: msg.Role, Content: blocks}
		if len(blocks) == 1 {
			if text, ok := blocks[0].(anthropicTextBlock); ok {
				out.Content = text.Text
			}
		}
		if blocks == nil {
			out.Content = []any{}
		}
		body.Messages = append(body.Messages, out)
	}

	for _, tool := range req.Tools {
		body.Tools = append(body.Tools, anthropicTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schemaOrEmpty(tool.Parameters),
		})
	}

	return &UpstreamRequest{Path: path, AbsoluteURL: absolute, Body: marshalBody(body)}
}
