package provider

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
)

// ---------------------------------------------------------------------------
// Gemini API types (unexported, only this file and embedding.go use them)
// ---------------------------------------------------------------------------

// geminiRequest is the top-level request body for Gemini's generateContent.
type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"system_instruction,omitempty"`
	Tools             []geminiTool            `json:"tools,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

// geminiContent represents one message in the conversation. Gemini uses
// "parts" (an array) because one turn can mix text, function calls and
// function responses.
type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

// geminiPart holds exactly one of its fields.
type geminiPart struct {
	Text             string                  `json:"text,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
}

type geminiFunctionCall struct {
	Name string `json:"name"`
	Args any    `json:"args"`
}

// geminiFunctionResponse is keyed by function name, not call id. Gemini
// has no call ids in the classic API, so pairing is by name and order.
type geminiFunctionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFunctionDeclaration `json:"functionDeclarations"`
}

type geminiFunctionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// geminiGenerationConfig holds generation parameters.
type geminiGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
}

// ---------------------------------------------------------------------------
// Parsing
// ---------------------------------------------------------------------------

func parseGeminiChat(root gjson.Result, model string, stream bool) *ChatRequest {
	raw := root.Get("contents")
	if !raw.IsArray() {
		return nil
	}

	var messages []Message
	system := systemTextOf(firstPresent(root, "system_instruction", "systemInstruction"))
	if system != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: system})
	}
	messages = append(messages, parseGeminiContents(raw)...)

	var tools []Tool
	root.Get("tools").ForEach(func(_, entry gjson.Result) bool {
		firstPresent(entry, "functionDeclarations", "function_declarations").ForEach(func(_, decl gjson.Result) bool {
			if name := decl.Get("name").String(); decl.IsObject() && name != "" {
				tools = append(tools, Tool{
					Name:        name,
					Description: decl.Get("description").String(),
					Parameters:  schemaOf(decl.Get("parameters")),
				})
			}
			return true
		})
		return true
	})

	cfg := firstPresent(root, "generationConfig", "generation_config")
	return &ChatRequest{
		Model:       model,
		Stream:      stream,
		Messages:    messages,
		Tools:       tools,
		Temperature: numberOf(cfg.Get("temperature")),
		TopP:        numberOf(firstPresent(cfg, "topP", "top_p")),
		MaxTokens:   intOf(firstPresent(cfg, "maxOutputTokens", "max_output_tokens", "max_tokens")),
	}
}

// parseGeminiContents maps "model" turns to assistant and everything else
// to user. Function calls get synthetic ids (unless the part carries one),
// and each functionResponse is paired with the oldest unanswered call of
// the same name so the ids survive translation to OpenAI or Anthropic.
func parseGeminiContents(raw gjson.Result) []Message {
	var out []Message
	pending := map[string][]string{} // function name -> unanswered call ids

	index := 0
	raw.ForEach(func(_, entry gjson.Result) bool {
		defer func() { index++ }()
		if !entry.IsObject() {
			return true
		}
		role := RoleUser
		if entry.Get("role").String() == "model" {
			role = RoleAssistant
		}

		var (
			text    strings.Builder
			calls   []ToolCall
			results []Message
		)
		partIndex := 0
		entry.Get("parts").ForEach(func(_, part gjson.Result) bool {
			defer func() { partIndex++ }()
			if !part.IsObject() {
				return true
			}
			if t := part.Get("text"); t.Type == gjson.String {
				text.WriteString(t.Str)
			}
			if fc := part.Get("functionCall"); fc.IsObject() {
				if name := fc.Get("name").String(); name != "" {
					id := stringOf(fc.Get("id"))
					if id == "" {
						id = fmt.Sprintf("call_%d_%d", index, partIndex)
					}
					args := opaqueOf(fc.Get("args"))
					if args == nil {
						args = map[string]any{}
					}
					calls = append(calls, ToolCall{ID: id, Name: name, Args: args})
					pending[name] = append(pending[name], id)
				}
			}
			if fr := part.Get("functionResponse"); fr.IsObject() {
				name := fr.Get("name").String()
				id := stringOf(fr.Get("id"))
				if id == "" && name != "" && len(pending[name]) > 0 {
					id = pending[name][0]
					pending[name] = pending[name][1:]
				}
				if id == "" {
					id = name
				}
				if id == "" {
					id = fmt.Sprintf("tool_%d_%d", index, partIndex)
				}
				results = append(results, Message{Role: RoleTool, Content: functionResponseText(fr.Get("response")), ToolCallID: id})
			}
			return true
		})

		if text.Len() > 0 || len(calls) > 0 || len(results) == 0 {
			out = append(out, Message{Role: role, Content: text.String(), ToolCalls: calls})
		}
		out = append(out, results...)
		return true
	})
	return out
}

// functionResponseText reads the payload of a functionResponse. The gateway
// itself wraps tool output as {"result": "..."}, so that field wins; other
// shapes are flattened, and as a last resort the raw JSON is kept so no
// tool output is silently lost.
func functionResponseText(resp gjson.Result) string {
	if result := resp.Get("result"); result.Type == gjson.String {
		return result.Str
	}
	if text := textOf(resp); text != "" {
		return text
	}
	if resp.IsObject() || resp.IsArray() {
		return resp.Raw
	}
	return ""
}

// ---------------------------------------------------------------------------
// Building
// ---------------------------------------------------------------------------

// buildGeminiChat translates the pivot into Gemini's format. Three key
// differences from OpenAI get handled here:
//  1. System messages go into a separate "system_instruction" field
//  2. The "assistant" role becomes "model"
//  3. The model lives in the URL path, not the body
func buildGeminiChat(req *ChatRequest, model string, stream bool, overrides EndpointOverrides) *UpstreamRequest {
	path, absolute, ok := resolveOverride(overrides.Chat, model)
	if !ok {
		if model == "" {
			return nil
		}
		path = geminiModelPath(model, "generateContent")
	}

	body := geminiRequest{Contents: []geminiContent{}}
	if system := systemText(req.Messages); system != "" {
		body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: system}}}
	}

	// Tool results carry a call id but Gemini wants the function name, so
	// remember every call we emit.
	callNames := map[string]string{}
	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			continue
		case RoleTool:
			name := callNames[msg.ToolCallID]
			if name == "" {
				name = msg.ToolCallID
			}
			body.Contents = append(body.Contents, geminiContent{
				Role: RoleUser,
				Parts: []geminiPart{{FunctionResponse: &geminiFunctionResponse{
					Name:     name,
					Response: map[string]any{"result": msg.Content},
				}}},
			})
			continue
		}

		role := RoleUser
		if msg.Role == RoleAssistant {
			role = "model"
		}
		var parts []geminiPart
		if msg.Content != "" {
			parts = append(parts, geminiPart{Text: msg.Content})
		}
		if msg.Role == RoleAssistant {
			for _, call := range msg.ToolCalls {
				callNames[call.ID] = call.Name
				parts = append(parts, geminiPart{FunctionCall: &geminiFunctionCall{Name: call.Name, Args: argsObject(call.Args)}})
			}
		}
		// Gemini rejects turns with no parts.
		if len(parts) == 0 {
			continue
		}
		body.Contents = append(body.Contents, geminiContent{Role: role, Parts: parts})
	}

	if len(req.Tools) > 0 {
		decls := make([]geminiFunctionDeclaration, 0, len(req.Tools))
		for _, tool := range req.Tools {
			decls = append(decls, geminiFunctionDeclaration{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schemaOrEmpty(tool.Parameters),
			})
		}
		body.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}

	if req.Temperature != nil || req.TopP != nil || req.MaxTokens != nil {
		body.GenerationConfig = &geminiGenerationConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			MaxOutputTokens: req.MaxTokens,
		}
	}

	if stream {
		// alt=sse switches Gemini from a streamed JSON array to real SSE,
		// which is what the usage scanner and most clients expect.
		path = strings.Replace(path, ":generateContent", ":streamGenerateContent", 1)
		absolute = strings.Replace(absolute, ":generateContent", ":streamGenerateContent", 1)
		if !strings.Contains(path+absolute, "alt=sse") {
			if absolute != "" {
				absolute = withQuery(absolute, "alt", "sse")
			} else {
				path = withQuery(path, "alt", "sse")
			}
		}
	}

	return &UpstreamRequest{Path: path, AbsoluteURL: absolute, Body: marshalBody(body)}
}

func geminiModelPath(model, verb string) string {
	return "/v1beta/models/" + url.PathEscape(model) + ":" + verb
}

func withQuery(target, key, value string) string {
	sep := "?"
	if strings.Contains(target, "?") {
		sep = "&"
	}
	return target + sep + url.QueryEscape(key) + "=" + url.QueryEscape(value)
}
