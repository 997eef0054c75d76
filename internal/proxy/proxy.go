// Package proxy is the gateway's request pipeline: it picks upstream
// channels for a client request, translates the request when the dialects
// differ, fails over between channels, and records token usage.
package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/howard-nolan/llmgateway/internal/channel"
	"github.com/howard-nolan/llmgateway/internal/config"
	"github.com/howard-nolan/llmgateway/internal/log"
	"github.com/howard-nolan/llmgateway/internal/metrics"
	"github.com/howard-nolan/llmgateway/internal/stream"
)

// maxRequestBody bounds how much of a client body is read into memory.
const maxRequestBody = 32 << 20

// Directory lists the channels requests can be routed to.
type Directory interface {
	ListActiveChannels(ctx context.Context) ([]channel.Channel, error)
	// ListCallTokens returns call tokens grouped by channel id.
	ListCallTokens(ctx context.Context, channelIDs []string) (map[string][]channel.CallToken, error)
}

// UsageRecorder persists one usage event.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, ev stream.UsageEvent) error
}

// Orchestrator is the catch-all proxy handler.
type Orchestrator struct {
	dir      Directory
	usage    UsageRecorder
	selector *channel.Selector
	client   *http.Client
	metrics  *metrics.Metrics

	retryRounds  int
	retryDelay   time.Duration
	usageTimeout time.Duration

	sleep func(time.Duration)
	now   func() time.Time

	// background tracks detached stream usage recorders so shutdown can
	// wait for them.
	background sync.WaitGroup
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithClient sets the HTTP client used for upstream calls.
func WithClient(c *http.Client) Option {
	return func(o *Orchestrator) { o.client = c }
}

// WithSelector sets the channel selector, usually one with a seeded source.
func WithSelector(s *channel.Selector) Option {
	return func(o *Orchestrator) { o.selector = s }
}

// WithMetrics sets the collectors to record into.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithSleep replaces the delay between retry rounds.
func WithSleep(sleep func(time.Duration)) Option {
	return func(o *Orchestrator) { o.sleep = sleep }
}

// New builds an Orchestrator from the proxy config.
func New(dir Directory, usage UsageRecorder, cfg config.ProxyConfig, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		dir:          dir,
		usage:        usage,
		retryRounds:  max(cfg.RetryRounds, 1),
		retryDelay:   max(cfg.RetryDelay, 0),
		usageTimeout: cfg.UsageTimeout,
		sleep:        time.Sleep,
		now:          time.Now,
	}
	if o.usageTimeout <= 0 {
		o.usageTimeout = 30 * time.Second
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.selector == nil {
		o.selector = channel.NewSelector(nil)
	}
	if o.client == nil {
		o.client = NewClient(cfg.UpstreamTimeout)
	}
	return o
}

// NewClient returns the upstream HTTP client. The timeout only bounds the
// wait for response headers; a long stream is allowed to keep going.
func NewClient(headerTimeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = headerTimeout
	return &http.Client{Transport: transport}
}

// Wait blocks until every background usage recorder has finished.
func (o *Orchestrator) Wait() {
	o.background.Wait()
}

// attempt is the outcome of the retry loop.
type attempt struct {
	resp    *http.Response
	channel *channel.Channel
	path    string // upstream path that produced resp
}

func (o *Orchestrator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	token := TokenFrom(ctx)

	// --- Step 1: Parse ---
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		WriteError(w, http.StatusBadRequest, CodeInvalidBody, "could not read request body")
		return
	}
	in := parseInbound(r, body)
	code := http.StatusOK
	defer func() {
		o.metrics.ObserveRequest(string(in.dialect), string(in.kind), code)
	}()

	// --- Step 2: Select ---
	channels, err := o.dir.ListActiveChannels(ctx)
	if err != nil {
		log.Errorf("proxy: listing channels: %v", err)
		code = http.StatusInternalServerError
		WriteError(w, code, CodeInternal, "could not load channels")
		return
	}
	// WeightedOrder leaves out channels with no positive weight, so an empty
	// order means nothing is selectable even when candidates matched.
	ordered := o.selector.WeightedOrder(channel.Candidates(channels, token, in.model))
	if len(ordered) == 0 {
		code = http.StatusServiceUnavailable
		WriteError(w, code, CodeNoAvailableChannels, "no channel can serve this request")
		return
	}
	tokens, err := o.dir.ListCallTokens(ctx, lo.Map(ordered, func(ch channel.Channel, _ int) string { return ch.ID }))
	if err != nil {
		log.Errorf("proxy: listing call tokens: %v", err)
		code = http.StatusInternalServerError
		WriteError(w, code, CodeInternal, "could not load channels")
		return
	}

	// --- Step 3: Attempt, round over round ---
	start := o.now()
	result, invalid := o.attempts(ctx, in, ordered, tokens)
	latency := o.now().Sub(start)
	if invalid {
		code = http.StatusBadRequest
		WriteError(w, code, CodeInvalidBody, "request body cannot be translated for the selected upstream")
		return
	}

	ev := stream.UsageEvent{
		Model:     in.model,
		Path:      result.path,
		LatencyMs: latency.Milliseconds(),
		Stream:    in.stream,
		Status:    stream.StatusError,
	}
	if token != nil {
		ev.TokenID = token.ID
	}

	if result.resp == nil {
		if !in.stream {
			ev.FirstTokenLatencyMs = lo.ToPtr(ev.LatencyMs)
		}
		o.record(ctx, ev)
		code = http.StatusBadGateway
		WriteError(w, code, CodeUpstreamUnavailable, "no upstream channel answered")
		return
	}

	// --- Step 4: Relay and account ---
	resp := result.resp
	defer resp.Body.Close()
	code = resp.StatusCode
	ev.ChannelID = result.channel.ID
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		ev.Status = stream.StatusOK
	}
	if in.stream {
		o.relayStream(ctx, w, resp, ev, start)
		return
	}
	o.relayBody(ctx, w, resp, ev)
}

// attempts runs the failover loop. It returns the response to relay (nil
// when no exchange ever completed) or invalid when the body cannot be
// translated for a candidate's dialect.
func (o *Orchestrator) attempts(ctx context.Context, in *inbound, ordered []channel.Channel, tokens map[string][]channel.CallToken) (attempt, bool) {
	var last attempt
	last.path = in.path

	for round := 0; round < o.retryRounds; round++ {
		if round > 0 {
			o.sleep(o.retryDelay)
		}
		retry := false

		for i := range ordered {
			ch := &ordered[i]
			out, verdict := plan(in, ch, channel.KeyFor(ch, tokens[ch.ID]))
			switch verdict {
			case planSkip:
				continue
			case planInvalid:
				closeResponse(last.resp)
				return attempt{}, true
			}

			resp, path, err := o.exchange(ctx, in, ch, out)
			closeResponse(last.resp)
			if err != nil {
				log.Warnf("proxy: channel %s: %v", ch.Name, err)
				last = attempt{path: out.path}
				retry = true
				continue
			}
			last = attempt{resp: resp, channel: ch, path: path}
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return last, false
			}
			if !retryable(resp.StatusCode) {
				// A definitive upstream answer goes back to the client as is.
				return last, false
			}
			log.Debugf("proxy: channel %s answered %d, trying next", ch.Name, resp.StatusCode)
			retry = true
		}

		if !retry {
			break
		}
	}
	return last, false
}

// exchange performs one upstream call, plus the fallback path when the
// primary answers 400 or 404.
func (o *Orchestrator) exchange(ctx context.Context, in *inbound, ch *channel.Channel, out *outbound) (*http.Response, string, error) {
	base := channel.NormalizeBaseURL(ch.BaseURL)
	overrides := ch.Metadata.QueryOverrides

	resp, err := o.send(ctx, in.method, targetURL(base, out.path, out.absolute, in.query, overrides), out)
	if err != nil {
		return nil, out.path, err
	}
	if (resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusNotFound) && out.fallback != "" {
		closeResponse(resp)
		resp, err = o.send(ctx, in.method, targetURL(base, out.fallback, out.absolute, in.query, overrides), out)
		if err != nil {
			return nil, out.fallback, err
		}
		return resp, out.fallback, nil
	}
	return resp, out.path, nil
}

func (o *Orchestrator) send(ctx context.Context, method, target string, out *outbound) (*http.Response, error) {
	var body io.Reader = http.NoBody
	if len(out.body) > 0 {
		body = bytes.NewReader(out.body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("building upstream request: %w", err)
	}
	req.Header = out.header.Clone()

	start := o.now()
	resp, err := o.client.Do(req)
	elapsed := o.now().Sub(start)
	if err != nil {
		o.metrics.ObserveAttempt(string(out.dialect), "transport_error", elapsed)
		return nil, err
	}
	outcome := "ok"
	switch {
	case retryable(resp.StatusCode):
		outcome = "retryable"
	case resp.StatusCode >= 300:
		outcome = "rejected"
	}
	o.metrics.ObserveAttempt(string(out.dialect), outcome, elapsed)
	return resp, nil
}

func retryable(status int) bool {
	return status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500
}

func closeResponse(resp *http.Response) {
	if resp != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		_ = resp.Body.Close()
	}
}
