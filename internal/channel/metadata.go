package channel

import (
	"strings"

	"github.com/tidwall/gjson"

	"github.com/howard-nolan/llmgateway/internal/provider"
)

// Site types. The first three are aggregator panels that speak the OpenAI
// dialect and expose the new-api style check-in endpoint.
const (
	SiteNewAPI    = "new-api"
	SiteDoneHub   = "done-hub"
	SiteSubAPI    = "subapi"
	SiteOpenAI    = "openai"
	SiteAnthropic = "anthropic"
	SiteGemini    = "gemini"
)

// Metadata is the per-channel routing configuration stored as a JSON blob
// next to the channel row.
type Metadata struct {
	SiteType          string
	EndpointOverrides provider.EndpointOverrides
	ModelMapping      map[string]string // requested model -> upstream model; "*" matches anything
	HeaderOverrides   map[string]string
	QueryOverrides    map[string]string
}

// ParseMetadata decodes a metadata blob. It never fails: unknown or
// malformed fields fall back to their zero value, and an unknown site type
// becomes new-api.
func ParseMetadata(raw string) Metadata {
	root := gjson.Parse(raw)
	if !root.IsObject() {
		root = gjson.Result{}
	}

	md := Metadata{
		SiteType:        siteType(root.Get("site_type").String()),
		ModelMapping:    stringMap(root.Get("model_mapping")),
		HeaderOverrides: stringMap(firstOf(root, "header_override", "header_overrides", "headers")),
		QueryOverrides:  stringMap(firstOf(root, "query_override", "query_overrides", "query")),
	}
	if overrides := root.Get("endpoint_overrides"); overrides.IsObject() {
		md.EndpointOverrides = provider.EndpointOverrides{
			Chat:      normalizeOverride(overrides.Get("chat_url")),
			Image:     normalizeOverride(overrides.Get("image_url")),
			Embedding: normalizeOverride(overrides.Get("embedding_url")),
		}
	}
	return md
}

func siteType(raw string) string {
	switch raw {
	case SiteNewAPI, SiteDoneHub, SiteSubAPI, SiteOpenAI, SiteAnthropic, SiteGemini:
		return raw
	case "custom":
		return SiteSubAPI
	}
	return SiteNewAPI
}

func firstOf(root gjson.Result, keys ...string) gjson.Result {
	for _, k := range keys {
		if v := root.Get(k); v.Exists() && v.Type != gjson.Null {
			return v
		}
	}
	return gjson.Result{}
}

// stringMap reads a flat JSON object (or a string holding one) into a map.
// Null values are skipped and everything else is stringified.
func stringMap(v gjson.Result) map[string]string {
	out := map[string]string{}
	if v.Type == gjson.String {
		trimmed := strings.TrimSpace(v.Str)
		if trimmed == "" || !gjson.Valid(trimmed) {
			return out
		}
		v = gjson.Parse(trimmed)
	}
	if !v.IsObject() {
		return out
	}
	v.ForEach(func(key, value gjson.Result) bool {
		if value.Type != gjson.Null {
			out[key.String()] = value.String()
		}
		return true
	})
	return out
}

func normalizeOverride(v gjson.Result) string {
	if v.Type != gjson.String {
		return ""
	}
	return NormalizeBaseURL(v.Str)
}

// DialectFor maps a site type to the wire dialect its upstream speaks.
func DialectFor(siteType string) provider.Dialect {
	switch siteType {
	case SiteAnthropic:
		return provider.DialectAnthropic
	case SiteGemini:
		return provider.DialectGemini
	}
	return provider.DialectOpenAI
}

// ResolveMappedModel returns the upstream model for a requested one. A
// request without a model only resolves through the "*" entry; otherwise
// an explicit entry wins over "*", and an unmapped model passes through.
func ResolveMappedModel(mapping map[string]string, model string) string {
	if model == "" {
		return mapping["*"]
	}
	if mapped := mapping[model]; mapped != "" {
		return mapped
	}
	if wildcard := mapping["*"]; wildcard != "" {
		return wildcard
	}
	return model
}
