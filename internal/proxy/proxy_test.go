package proxy

import (
	"context"
	"io"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/howard-nolan/llmgateway/internal/channel"
	"github.com/howard-nolan/llmgateway/internal/config"
	"github.com/howard-nolan/llmgateway/internal/stream"
)

// --- Fakes ---

type fakeDirectory struct {
	channels []channel.Channel
	tokens   map[string][]channel.CallToken
}

func (d *fakeDirectory) ListActiveChannels(context.Context) ([]channel.Channel, error) {
	return d.channels, nil
}

func (d *fakeDirectory) ListCallTokens(_ context.Context, ids []string) (map[string][]channel.CallToken, error) {
	out := map[string][]channel.CallToken{}
	for _, id := range ids {
		if tokens, ok := d.tokens[id]; ok {
			out[id] = tokens
		}
	}
	return out, nil
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []stream.UsageEvent
}

func (r *fakeRecorder) RecordUsage(_ context.Context, ev stream.UsageEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *fakeRecorder) all() []stream.UsageEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]stream.UsageEvent(nil), r.events...)
}

// upstreamCall is what a fake upstream saw.
type upstreamCall struct {
	method string
	path   string
	query  string
	header http.Header
	body   string
}

// fakeUpstream answers each call with the next handler in line; the last
// handler repeats.
type fakeUpstream struct {
	*httptest.Server
	mu       sync.Mutex
	calls    []upstreamCall
	handlers []http.HandlerFunc
}

func newFakeUpstream(t *testing.T, handlers ...http.HandlerFunc) *fakeUpstream {
	t.Helper()
	u := &fakeUpstream{handlers: handlers}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		u.mu.Lock()
		n := len(u.calls)
		u.calls = append(u.calls, upstreamCall{
			method: r.Method,
			path:   r.URL.Path,
			query:  r.URL.RawQuery,
			header: r.Header.Clone(),
			body:   string(body),
		})
		h := u.handlers[min(n, len(u.handlers)-1)]
		u.mu.Unlock()
		h(w, r)
	}))
	t.Cleanup(u.Close)
	return u
}

func (u *fakeUpstream) recorded() []upstreamCall {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]upstreamCall(nil), u.calls...)
}

func status(code int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_, _ = io.WriteString(w, body)
	}
}

func openAIChannel(id, baseURL string) channel.Channel {
	return channel.Channel{
		ID: id, Name: id, BaseURL: baseURL, APIKey: "sk-" + id, Weight: 1,
		Status:   channel.StatusActive,
		Metadata: channel.Metadata{SiteType: channel.SiteOpenAI},
	}
}

type harness struct {
	orch     *Orchestrator
	recorder *fakeRecorder
	sleeps   []time.Duration
}

func newHarness(t *testing.T, channels []channel.Channel, rounds int) *harness {
	t.Helper()
	h := &harness{recorder: &fakeRecorder{}}
	h.orch = New(
		&fakeDirectory{channels: channels},
		h.recorder,
		config.ProxyConfig{RetryRounds: rounds, RetryDelay: 50 * time.Millisecond, UsageTimeout: time.Second},
		WithSelector(channel.NewSelector(rand.New(rand.NewPCG(1, 2)))),
		WithSleep(func(d time.Duration) { h.sleeps = append(h.sleeps, d) }),
	)
	return h
}

func (h *harness) do(method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	req = req.WithContext(WithToken(req.Context(), &channel.AccessToken{ID: "tok-1", Name: "test"}))
	rec := httptest.NewRecorder()
	h.orch.ServeHTTP(rec, req)
	return rec
}

const chatBody = `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`

// --- Failover ---

func TestFailoverStopsAtFirstSuccess(t *testing.T) {
	up := newFakeUpstream(t,
		status(http.StatusInternalServerError, `{"error":"boom"}`),
		status(http.StatusTooManyRequests, `{"error":"slow down"}`),
		status(http.StatusOK, `{"id":"ok","usage":{"prompt_tokens":3,"completion_tokens":4,"total_tokens":7}}`),
	)
	h := newHarness(t, []channel.Channel{
		openAIChannel("a", up.URL), openAIChannel("b", up.URL), openAIChannel("c", up.URL),
	}, 2)

	rec := h.do(http.MethodPost, "/v1/chat/completions", chatBody, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"id":"ok","usage":{"prompt_tokens":3,"completion_tokens":4,"total_tokens":7}}`, rec.Body.String())
	assert.Len(t, up.recorded(), 3, "the third candidate answers and nothing else is tried")
	assert.Empty(t, h.sleeps, "success within the first round never waits")

	events := h.recorder.all()
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, stream.StatusOK, ev.Status)
	assert.Equal(t, "tok-1", ev.TokenID)
	assert.NotEmpty(t, ev.ChannelID)
	assert.Equal(t, "gpt-4o", ev.Model)
	assert.Equal(t, "/v1/chat/completions", ev.Path)
	assert.Equal(t, 7, ev.TotalTokens)
	require.NotNil(t, ev.FirstTokenLatencyMs)
	assert.Equal(t, ev.LatencyMs, *ev.FirstTokenLatencyMs)
}

func TestRetryRoundsThenPassThroughLastError(t *testing.T) {
	up := newFakeUpstream(t, status(http.StatusBadGateway, `{"error":"down"}`))
	h := newHarness(t, []channel.Channel{openAIChannel("a", up.URL), openAIChannel("b", up.URL)}, 3)

	rec := h.do(http.MethodPost, "/v1/chat/completions", chatBody, nil)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.JSONEq(t, `{"error":"down"}`, rec.Body.String(), "the upstream error is relayed verbatim")
	assert.Len(t, up.recorded(), 6, "two candidates times three rounds")
	assert.Equal(t, []time.Duration{50 * time.Millisecond, 50 * time.Millisecond}, h.sleeps)

	events := h.recorder.all()
	require.Len(t, events, 1)
	assert.Equal(t, stream.StatusError, events[0].Status)
}

func TestNonRetryableErrorStopsSearch(t *testing.T) {
	up := newFakeUpstream(t, status(http.StatusUnauthorized, `{"error":"bad key"}`))
	h := newHarness(t, []channel.Channel{openAIChannel("a", up.URL), openAIChannel("b", up.URL)}, 3)

	rec := h.do(http.MethodPost, "/v1/chat/completions", chatBody, nil)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Len(t, up.recorded(), 1)
	assert.Empty(t, h.sleeps)
}

func TestTransportErrorsEndInGatewayError(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	h := newHarness(t, []channel.Channel{openAIChannel("a", deadURL)}, 2)
	rec := h.do(http.MethodPost, "/v1/chat/completions", chatBody, nil)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, CodeUpstreamUnavailable, gjson.Get(rec.Body.String(), "error.code").String())
	assert.Len(t, h.sleeps, 1)

	events := h.recorder.all()
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, stream.StatusError, ev.Status)
	assert.Empty(t, ev.ChannelID)
	assert.Zero(t, ev.TotalTokens)
	require.NotNil(t, ev.FirstTokenLatencyMs)
}

func TestNoCandidatesMakesNoCalls(t *testing.T) {
	up := newFakeUpstream(t, status(http.StatusOK, `{}`))

	t.Run("no channels", func(t *testing.T) {
		h := newHarness(t, nil, 1)
		rec := h.do(http.MethodPost, "/v1/chat/completions", chatBody, nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, CodeNoAvailableChannels, gjson.Get(rec.Body.String(), "error.code").String())
	})

	t.Run("allow-list excludes everything", func(t *testing.T) {
		h := newHarness(t, []channel.Channel{openAIChannel("a", up.URL)}, 1)
		req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(chatBody))
		req = req.WithContext(WithToken(req.Context(), &channel.AccessToken{ID: "t", AllowedChannels: []string{"other"}}))
		rec := httptest.NewRecorder()
		h.orch.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("only zero weight channels", func(t *testing.T) {
		ch := openAIChannel("a", up.URL)
		ch.Weight = 0
		h := newHarness(t, []channel.Channel{ch}, 1)
		rec := h.do(http.MethodPost, "/v1/chat/completions", chatBody, nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, CodeNoAvailableChannels, gjson.Get(rec.Body.String(), "error.code").String())
		assert.Empty(t, h.recorder.all(), "nothing was attempted, so nothing is recorded")
	})

	assert.Empty(t, up.recorded())
}

func TestUntranslatableBodyIsClientError(t *testing.T) {
	up := newFakeUpstream(t, status(http.StatusOK, `{}`))
	claude := channel.Channel{
		ID: "c", Name: "c", BaseURL: up.URL, APIKey: "ak", Weight: 1, Status: channel.StatusActive,
		Metadata: channel.Metadata{SiteType: channel.SiteAnthropic},
	}
	h := newHarness(t, []channel.Channel{claude}, 2)

	rec := h.do(http.MethodPost, "/v1/chat/completions", `{"model":"gpt-4o"}`, nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, CodeInvalidBody, gjson.Get(rec.Body.String(), "error.code").String())
	assert.Empty(t, up.recorded())
	assert.Empty(t, h.recorder.all())
}

// --- Request shaping ---

func TestHeadersAndQueryAreRebuilt(t *testing.T) {
	up := newFakeUpstream(t, status(http.StatusOK, `{}`))
	ch := openAIChannel("a", up.URL+"/")
	ch.Metadata.HeaderOverrides = map[string]string{"X-Custom": "yes"}
	ch.Metadata.QueryOverrides = map[string]string{"api-version": "2"}
	h := newHarness(t, []channel.Channel{ch}, 1)
	h.orch.dir.(*fakeDirectory).tokens = map[string][]channel.CallToken{
		"a": {{ID: "t0", ChannelID: "a", APIKey: ""}, {ID: "t1", ChannelID: "a", APIKey: "sk-call"}},
	}

	rec := h.do(http.MethodPost, "/v1/chat/completions?key=gw-secret&trace=1", chatBody, map[string]string{
		"Authorization": "Bearer gw-secret",
		"X-Goog-Api-Key": "gw-secret",
		"X-Admin-Token":  "admin",
		"X-Request-Tag":  "keep-me",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	calls := up.recorded()
	require.Len(t, calls, 1)
	got := calls[0]
	assert.Equal(t, "/v1/chat/completions", got.path)
	assert.Equal(t, "Bearer sk-call", got.header.Get("Authorization"))
	assert.Equal(t, "sk-call", got.header.Get("X-Api-Key"))
	assert.Empty(t, got.header.Get("X-Goog-Api-Key"))
	assert.Empty(t, got.header.Get("X-Admin-Token"))
	assert.Equal(t, "keep-me", got.header.Get("X-Request-Tag"))
	assert.Equal(t, "yes", got.header.Get("X-Custom"))
	assert.Equal(t, "api-version=2&trace=1", got.query, "the gateway key is not forwarded")
	assert.JSONEq(t, chatBody, got.body)
}

func TestAnthropicAuthScheme(t *testing.T) {
	up := newFakeUpstream(t, status(http.StatusOK, `{"usage":{"input_tokens":2,"output_tokens":5}}`))
	claude := channel.Channel{
		ID: "c", Name: "c", BaseURL: up.URL, APIKey: "ak", Weight: 1, Status: channel.StatusActive,
		Metadata: channel.Metadata{SiteType: channel.SiteAnthropic},
	}
	h := newHarness(t, []channel.Channel{claude}, 1)

	body := `{"model":"claude-x","max_tokens":10,"messages":[{"role":"user","content":"hi"}]}`
	rec := h.do(http.MethodPost, "/v1/messages", body, map[string]string{"X-Api-Key": "gw"})
	require.Equal(t, http.StatusOK, rec.Code)

	got := up.recorded()[0]
	assert.Equal(t, "ak", got.header.Get("X-Api-Key"))
	assert.Equal(t, "2023-06-01", got.header.Get("Anthropic-Version"))
	assert.Empty(t, got.header.Get("Authorization"))
	assert.JSONEq(t, body, got.body, "same dialect without mapping is forwarded verbatim")

	ev := h.recorder.all()[0]
	assert.Equal(t, 7, ev.TotalTokens)
}

func TestModelMappingRewritesOnlyTheModel(t *testing.T) {
	up := newFakeUpstream(t, status(http.StatusOK, `{}`))
	ch := openAIChannel("a", up.URL)
	ch.Metadata.ModelMapping = map[string]string{"gpt-4.1": "gpt-4o-mini"}
	h := newHarness(t, []channel.Channel{ch}, 1)

	h.do(http.MethodPost, "/v1/chat/completions",
		`{"model":"gpt-4.1","temperature":0.3,"messages":[{"role":"user","content":"hi"}],"x_vendor":{"a":1}}`, nil)

	got := up.recorded()[0].body
	assert.Equal(t, "gpt-4o-mini", gjson.Get(got, "model").String())
	assert.Equal(t, 0.3, gjson.Get(got, "temperature").Float())
	assert.Equal(t, int64(1), gjson.Get(got, "x_vendor.a").Int(), "unknown fields survive")

	assert.Equal(t, "gpt-4.1", h.recorder.all()[0].Model, "usage keeps the requested model")
}

func TestGeminiPathModelSubstitution(t *testing.T) {
	up := newFakeUpstream(t, status(http.StatusOK, `{"usageMetadata":{"promptTokenCount":1,"candidatesTokenCount":2,"totalTokenCount":3}}`))
	gem := channel.Channel{
		ID: "g", Name: "g", BaseURL: up.URL, APIKey: "gk", Weight: 1, Status: channel.StatusActive,
		Metadata: channel.Metadata{SiteType: channel.SiteGemini, ModelMapping: map[string]string{"gpt-x": "gemini-pro"}},
	}
	h := newHarness(t, []channel.Channel{gem}, 1)

	body := `{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`
	rec := h.do(http.MethodPost, "/v1beta/models/gpt-x:generateContent?key=gw", body, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	got := up.recorded()[0]
	assert.Equal(t, "/v1beta/models/gemini-pro:generateContent", got.path)
	assert.Equal(t, "gk", got.header.Get("X-Goog-Api-Key"))
	assert.Empty(t, got.query)
	assert.JSONEq(t, body, got.body)
	assert.Equal(t, 3, h.recorder.all()[0].TotalTokens)
}

func TestGeminiChannelWithoutModelIsSkipped(t *testing.T) {
	up := newFakeUpstream(t, status(http.StatusOK, `{}`))
	gem := channel.Channel{
		ID: "g", Name: "g", BaseURL: up.URL, APIKey: "gk", Weight: 1, Status: channel.StatusActive,
		Metadata: channel.Metadata{SiteType: channel.SiteGemini},
	}
	h := newHarness(t, []channel.Channel{gem}, 1)

	rec := h.do(http.MethodPost, "/v1/chat/completions", `{"messages":[{"role":"user","content":"hi"}]}`, nil)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Empty(t, up.recorded())
}

func TestCrossDialectTranslation(t *testing.T) {
	up := newFakeUpstream(t, status(http.StatusOK, `{}`))
	h := newHarness(t, []channel.Channel{openAIChannel("a", up.URL)}, 1)

	rec := h.do(http.MethodPost, "/v1/messages",
		`{"model":"claude-x","system":"be brief","max_tokens":10,"messages":[{"role":"user","content":"hi"}]}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	got := up.recorded()[0]
	assert.Equal(t, "/v1/chat/completions", got.path)
	assert.Equal(t, "claude-x", gjson.Get(got.body, "model").String())
	assert.Equal(t, "system", gjson.Get(got.body, "messages.0.role").String())
	assert.Equal(t, "be brief", gjson.Get(got.body, "messages.0.content").String())
	assert.Equal(t, "Bearer sk-a", got.header.Get("Authorization"))
}

func TestResponsesFallbackPath(t *testing.T) {
	up := newFakeUpstream(t,
		status(http.StatusNotFound, `{"error":"no such route"}`),
		status(http.StatusOK, `{"usage":{"input_tokens":1,"output_tokens":1,"total_tokens":2}}`),
	)
	h := newHarness(t, []channel.Channel{openAIChannel("a", up.URL)}, 1)

	rec := h.do(http.MethodPost, "/v1/responses", `{"model":"gpt-4o","input":"hi"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	calls := up.recorded()
	require.Len(t, calls, 2)
	assert.Equal(t, "/v1/responses", calls[0].path)
	assert.Equal(t, "/responses", calls[1].path)
	assert.Equal(t, calls[0].body, calls[1].body)
	assert.Equal(t, "/responses", h.recorder.all()[0].Path)
}

func TestEndpointOverrideRoutesThroughBuilder(t *testing.T) {
	up := newFakeUpstream(t, status(http.StatusOK, `{}`))
	ch := openAIChannel("a", up.URL)
	ch.Metadata.EndpointOverrides.Chat = up.URL + "/custom/{model}/chat"
	h := newHarness(t, []channel.Channel{ch}, 1)

	rec := h.do(http.MethodPost, "/v1/chat/completions", chatBody, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/custom/gpt-4o/chat", up.recorded()[0].path)
}

// --- Usage ---

func TestUsageFromHeadersWhenBodyHasNone(t *testing.T) {
	up := newFakeUpstream(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set(stream.HeaderPromptTokens, "10")
		w.Header().Set(stream.HeaderCompletionTokens, "5")
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"x"}`)
	})
	h := newHarness(t, []channel.Channel{openAIChannel("a", up.URL)}, 1)

	h.do(http.MethodPost, "/v1/chat/completions", chatBody, nil)

	ev := h.recorder.all()[0]
	assert.Equal(t, 10, ev.PromptTokens)
	assert.Equal(t, 5, ev.CompletionTokens)
	assert.Equal(t, 15, ev.TotalTokens)
}

func TestStreamRelayAndBackgroundUsage(t *testing.T) {
	events := []string{
		`data: {"choices":[{"delta":{"content":"Hel"}}]}`,
		`data: {"choices":[{"delta":{"content":"lo"}}]}`,
		`data: {"choices":[],"usage":{"prompt_tokens":4,"completion_tokens":2,"total_tokens":6}}`,
		`data: [DONE]`,
	}
	sse := strings.Join(events, "\n\n") + "\n\n"
	up := newFakeUpstream(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, ev := range events {
			_, _ = io.WriteString(w, ev+"\n\n")
			flusher.Flush()
		}
	})
	h := newHarness(t, []channel.Channel{openAIChannel("a", up.URL)}, 1)

	rec := h.do(http.MethodPost, "/v1/chat/completions",
		`{"model":"gpt-4o","stream":true,"messages":[{"role":"user","content":"hi"}]}`, nil)
	h.orch.Wait()

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, sse, rec.Body.String())
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	sent := up.recorded()[0].body
	assert.True(t, gjson.Get(sent, "stream_options.include_usage").Bool(), "usage is requested from the upstream")

	recorded := h.recorder.all()
	require.Len(t, recorded, 1)
	ev := recorded[0]
	assert.True(t, ev.Stream)
	assert.Equal(t, stream.StatusOK, ev.Status)
	assert.Equal(t, 6, ev.TotalTokens)
	assert.NotNil(t, ev.FirstTokenLatencyMs)
}

func TestStreamHeaderUsageWins(t *testing.T) {
	up := newFakeUpstream(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set(stream.HeaderTotalTokens, "99")
		_, _ = io.WriteString(w, "data: {\"usage\":{\"prompt_tokens\":1,\"completion_tokens\":1,\"total_tokens\":2}}\n\n")
	})
	h := newHarness(t, []channel.Channel{openAIChannel("a", up.URL)}, 1)

	h.do(http.MethodPost, "/v1/chat/completions",
		`{"model":"gpt-4o","stream":true,"stream_options":{"include_usage":false},"messages":[]}`, nil)
	h.orch.Wait()

	assert.Equal(t, 99, h.recorder.all()[0].TotalTokens)
	assert.True(t, gjson.Get(up.recorded()[0].body, "stream_options.include_usage").Bool())
}

func TestForceIncludeUsage(t *testing.T) {
	cases := map[string]string{
		`{"stream":true}`:                                        `{"stream":true,"stream_options":{"include_usage":true}}`,
		`{"stream":true,"stream_options":"x"}`:                   `{"stream":true,"stream_options":{"include_usage":true}}`,
		`{"stream":true,"stream_options":{"include_usage":true}}`: `{"stream":true,"stream_options":{"include_usage":true}}`,
		`{"stream":true,"stream_options":{"foo":1}}`:             `{"stream":true,"stream_options":{"foo":1,"include_usage":true}}`,
	}
	for in, want := range cases {
		assert.JSONEq(t, want, string(forceIncludeUsage([]byte(in))), in)
	}
}

func TestTargetURL(t *testing.T) {
	q := map[string][]string{"key": {"gw"}, "alt": {"sse"}}
	assert.Equal(t, "https://up.example.com/v1/x?alt=sse",
		targetURL("https://up.example.com", "/v1/x", "", q, nil))
	assert.Equal(t, "https://abs.example.com/run?alt=sse&api-version=3&fixed=1",
		targetURL("https://up.example.com", "/ignored", "https://abs.example.com/run?fixed=1", q, map[string]string{"api-version": "3"}))
	assert.Equal(t, "https://up.example.com/v1/x", targetURL("https://up.example.com", "/v1/x", "", nil, nil))
}

func TestRecorderFailureDoesNotReachClient(t *testing.T) {
	up := newFakeUpstream(t, status(http.StatusOK, `{"ok":true}`))
	var calls atomic.Int32
	orch := New(
		&fakeDirectory{channels: []channel.Channel{openAIChannel("a", up.URL)}},
		failingRecorder{calls: &calls},
		config.ProxyConfig{RetryRounds: 1},
	)
	rec := httptest.NewRecorder()
	orch.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(chatBody)))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
	assert.Equal(t, int32(1), calls.Load())
}

type failingRecorder struct{ calls *atomic.Int32 }

func (f failingRecorder) RecordUsage(context.Context, stream.UsageEvent) error {
	f.calls.Add(1)
	return assert.AnError
}
