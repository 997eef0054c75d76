package proxy

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/howard-nolan/llmgateway/internal/channel"
	"github.com/howard-nolan/llmgateway/internal/provider"
)

// anthropicVersion is sent on every Anthropic-dialect upstream call.
const anthropicVersion = "2023-06-01"

// credentialQueryParam is how some callers (Gemini SDKs mostly) pass their
// gateway key. It authenticates against the gateway, not the upstream.
const credentialQueryParam = "key"

// inbound is the parsed client request, shared by every attempt.
type inbound struct {
	method  string
	path    string
	query   url.Values
	header  http.Header
	body    []byte
	object  bool // body is a JSON object
	dialect provider.Dialect
	kind    provider.EndpointKind
	model   string
	stream  bool

	chat      *provider.ChatRequest
	embedding *provider.EmbeddingRequest
	image     *provider.ImageRequest
}

func parseInbound(r *http.Request, body []byte) *inbound {
	in := &inbound{
		method: r.Method,
		path:   r.URL.Path,
		query:  r.URL.Query(),
		header: r.Header,
		body:   body,
	}
	in.object = len(body) > 0 && gjson.ValidBytes(body) && gjson.ParseBytes(body).IsObject()
	in.dialect = provider.DetectDialect(in.path)
	in.kind = provider.DetectEndpointKind(in.dialect, in.path)
	in.model = provider.ExtractModel(in.dialect, in.path, body)
	in.stream = provider.ExtractStream(in.dialect, in.path, body)

	// OpenAI only reports usage on a stream when asked to.
	if in.dialect == provider.DialectOpenAI && in.stream && in.object {
		in.body = forceIncludeUsage(in.body)
	}

	switch in.kind {
	case provider.KindChat, provider.KindResponses:
		in.chat = provider.ParseChatRequest(in.dialect, in.kind, in.body, in.model, in.stream)
	case provider.KindEmbeddings:
		in.embedding = provider.ParseEmbeddingRequest(in.dialect, in.body, in.model)
	case provider.KindImages:
		in.image = provider.ParseImageRequest(in.dialect, in.body, in.model)
	}
	return in
}

func forceIncludeUsage(body []byte) []byte {
	var (
		out []byte
		err error
	)
	if !gjson.GetBytes(body, "stream_options").IsObject() {
		out, err = sjson.SetBytes(body, "stream_options", map[string]any{"include_usage": true})
	} else if gjson.GetBytes(body, "stream_options.include_usage").Type != gjson.True {
		out, err = sjson.SetBytes(body, "stream_options.include_usage", true)
	} else {
		return body
	}
	if err != nil {
		return body
	}
	return out
}

// outbound is one fully planned upstream call.
type outbound struct {
	dialect  provider.Dialect
	model    string
	path     string
	fallback string // tried once on 400/404; empty when there is none
	absolute string // replaces base URL + path when set
	body     []byte
	header   http.Header
}

// planResult says what to do with a candidate channel.
type planResult int

const (
	planSend planResult = iota
	planSkip
	planInvalid // the body cannot be translated; stop with 400
)

// plan decides the path, body and headers for sending in to ch.
func plan(in *inbound, ch *channel.Channel, key string) (*outbound, planResult) {
	md := ch.Metadata
	out := &outbound{
		dialect: channel.DialectFor(md.SiteType),
		model:   channel.ResolveMappedModel(md.ModelMapping, in.model),
		path:    in.path,
		body:    in.body,
	}

	// --- Step 1: Gemini needs a model in the path ---
	if out.dialect == provider.DialectGemini && out.model == "" && in.kind != provider.KindPassthrough {
		return nil, planSkip
	}

	same := out.dialect == in.dialect
	override := md.EndpointOverrides.ForKind(in.kind)

	// --- Step 2: Path and body ---
	switch {
	case in.kind == provider.KindPassthrough:
		if !same {
			return nil, planSkip
		}
		substituteModel(in, out)

	case same && in.object && override == "":
		substituteModel(in, out)
		if in.kind == provider.KindResponses && out.dialect == provider.DialectOpenAI {
			// Some OpenAI-compatible panels only serve the unversioned path.
			out.fallback = "/responses"
		}

	default:
		// Different dialect, or an endpoint override: rebuild from the pivot.
		req, ok := build(in, out, md.EndpointOverrides)
		if !ok {
			if same && override != "" {
				return nil, planSkip
			}
			return nil, planInvalid
		}
		if req == nil {
			return nil, planSkip
		}
		out.path = req.Path
		out.absolute = req.AbsoluteURL
		out.body = req.Body
		if req.AbsoluteURL == "" {
			out.fallback = req.FallbackPath
		}
	}

	// --- Step 3: Headers ---
	out.header = upstreamHeaders(in.header, out.dialect, key, md.HeaderOverrides)
	return out, planSend
}

// substituteModel swaps in the mapped model while keeping the rest of the
// request byte-for-byte: in the path for Gemini, in the body otherwise.
func substituteModel(in *inbound, out *outbound) {
	if out.model == "" {
		return
	}
	if out.dialect == provider.DialectGemini {
		out.path = provider.ApplyGeminiModelToPath(in.path, out.model)
		return
	}
	if !in.object {
		return
	}
	if body, err := sjson.SetBytes(in.body, "model", out.model); err == nil {
		out.body = body
	}
}

// build renders the pivot for the upstream dialect. ok is false when the
// inbound body never produced a pivot; a nil request with ok true means
// the upstream dialect cannot express it.
func build(in *inbound, out *outbound, overrides provider.EndpointOverrides) (*provider.UpstreamRequest, bool) {
	switch in.kind {
	case provider.KindChat, provider.KindResponses:
		if in.chat == nil {
			return nil, false
		}
		return provider.BuildUpstreamChatRequest(out.dialect, in.chat, out.model, in.kind, in.stream, overrides), true
	case provider.KindEmbeddings:
		if in.embedding == nil {
			return nil, false
		}
		return provider.BuildUpstreamEmbeddingRequest(out.dialect, in.embedding, out.model, overrides), true
	case provider.KindImages:
		if in.image == nil {
			return nil, false
		}
		return provider.BuildUpstreamImageRequest(out.dialect, in.image, out.model, overrides), true
	}
	return nil, true
}

// Inbound headers that never reach an upstream. The auth headers carry the
// caller's gateway credential; the rest are hop-by-hop or recomputed by
// the transport. Accept-Encoding is dropped so the transport negotiates
// gzip itself and hands us a decoded body to extract usage from.
var strippedHeaders = []string{
	"Authorization",
	"X-Api-Key",
	"X-Goog-Api-Key",
	"X-Admin-Token",
	"Accept-Encoding",
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func upstreamHeaders(in http.Header, d provider.Dialect, key string, overrides map[string]string) http.Header {
	h := in.Clone()
	if h == nil {
		h = http.Header{}
	}
	for _, name := range strippedHeaders {
		h.Del(name)
	}

	switch d {
	case provider.DialectOpenAI:
		h.Set("Authorization", "Bearer "+key)
		h.Set("X-Api-Key", key)
	case provider.DialectAnthropic:
		h.Set("X-Api-Key", key)
		h.Set("Anthropic-Version", anthropicVersion)
	case provider.DialectGemini:
		h.Set("X-Goog-Api-Key", key)
	}

	for name, value := range overrides {
		h.Set(name, value)
	}
	h.Del("Host")
	h.Del("Content-Length")
	return h
}

// targetURL joins the base URL (or an absolute override) with the path and
// merges the query: the target's own parameters, then the caller's, then
// the channel's overrides. The caller's credential is never forwarded.
func targetURL(base, path, absolute string, query url.Values, overrides map[string]string) string {
	target := absolute
	if target == "" {
		target = base + path
	}
	raw, rawQuery, _ := strings.Cut(target, "?")
	params, err := url.ParseQuery(rawQuery)
	if err != nil {
		params = url.Values{}
	}
	for k, vs := range query {
		if k == credentialQueryParam {
			continue
		}
		params[k] = vs
	}
	for k, v := range overrides {
		params.Set(k, v)
	}
	if len(params) == 0 {
		return raw
	}
	return raw + "?" + params.Encode()
}
