package provider

import (
	"strings"

	"github.com/spf13/cast"
	"github.com/tidwall/gjson"
)

// textOf flattens any JSON value into the text a model would read:
//   - strings as-is, numbers and booleans in their plain form
//   - arrays: string entries and the "text" of object entries, concatenated
//   - objects: "text", else the flattened "parts", else the flattened "content"
//
// Anything else contributes nothing.
func textOf(v gjson.Result) string {
	switch v.Type {
	case gjson.String:
		return v.Str
	case gjson.Number:
		return cast.ToString(v.Num)
	case gjson.True:
		return "true"
	case gjson.False:
		return "false"
	case gjson.JSON:
	default:
		return ""
	}

	if v.IsArray() {
		var sb strings.Builder
		v.ForEach(func(_, entry gjson.Result) bool {
			switch {
			case entry.Type == gjson.String:
				sb.WriteString(entry.Str)
			case entry.IsObject():
				if text := entry.Get("text"); text.Type == gjson.String {
					sb.WriteString(text.Str)
				}
			}
			return true
		})
		return sb.String()
	}

	if text := v.Get("text"); text.Type == gjson.String {
		return text.Str
	}
	if parts := v.Get("parts"); parts.IsArray() {
		return textOf(parts)
	}
	if content := v.Get("content"); content.Exists() {
		return textOf(content)
	}
	return ""
}

// systemTextOf reads a system prompt field, which may be a string, an array
// of blocks, or a single object such as Gemini's {"parts":[...]}.
func systemTextOf(v gjson.Result) string {
	if v.IsArray() {
		var sb strings.Builder
		v.ForEach(func(_, entry gjson.Result) bool {
			sb.WriteString(textOf(entry))
			return true
		})
		return sb.String()
	}
	return textOf(v)
}

// stringOf returns a field's value as a string when it is present and not
// null, and "" otherwise.
func stringOf(v gjson.Result) string {
	if !v.Exists() || v.Type == gjson.Null {
		return ""
	}
	return v.String()
}

// opaqueOf decodes a field for pass-through. Absent and null both map to nil.
func opaqueOf(v gjson.Result) any {
	if !v.Exists() || v.Type == gjson.Null {
		return nil
	}
	return v.Value()
}

// numberOf coerces a JSON number (or numeric string) to *float64. Absent,
// null and non-numeric values give nil.
func numberOf(v gjson.Result) *float64 {
	switch v.Type {
	case gjson.Number:
		f := v.Num
		return &f
	case gjson.String:
		f, err := cast.ToFloat64E(strings.TrimSpace(v.Str))
		if err != nil {
			return nil
		}
		return &f
	case gjson.True:
		f := 1.0
		return &f
	case gjson.False:
		f := 0.0
		return &f
	}
	return nil
}

func intOf(v gjson.Result) *int {
	f := numberOf(v)
	if f == nil {
		return nil
	}
	n := int(*f)
	return &n
}

// firstPresent returns the first of several alternative fields that exists
// and is not null.
func firstPresent(root gjson.Result, paths ...string) gjson.Result {
	for _, p := range paths {
		if v := root.Get(p); v.Exists() && v.Type != gjson.Null {
			return v
		}
	}
	return gjson.Result{}
}

// schemaOf keeps a tool parameter schema only when it is a JSON object.
func schemaOf(v gjson.Result) map[string]any {
	if !v.IsObject() {
		return nil
	}
	m, _ := v.Value().(map[string]any)
	return m
}

// normalizeToolArgs decodes argument payloads that arrive JSON-encoded in a
// string (OpenAI's "arguments"). Strings that are not JSON are kept as-is,
// and already-decoded values pass through untouched.
func normalizeToolArgs(args any) any {
	s, ok := args.(string)
	if !ok {
		return args
	}
	trimmed := strings.TrimSpace(s)
	if trimmed == "" || !gjson.Valid(trimmed) {
		return s
	}
	decoded := gjson.Parse(trimmed).Value()
	if decoded == nil {
		return s
	}
	return decoded
}

// argsObject is normalizeToolArgs for targets that need a JSON object
// (Anthropic's input, Gemini's args). A missing payload becomes {}.
func argsObject(args any) any {
	v := normalizeToolArgs(args)
	if v == nil {
		return map[string]any{}
	}
	return v
}
