package proxy

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/howard-nolan/llmgateway/internal/log"
	"github.com/howard-nolan/llmgateway/internal/stream"
)

// Response headers that are hop-by-hop or no longer true once the body has
// been through the transport.
var droppedResponseHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Transfer-Encoding",
	"Upgrade",
	"Trailer",
}

func copyResponseHeaders(w http.ResponseWriter, resp *http.Response) {
	h := w.Header()
	for name, values := range resp.Header {
		h[name] = append([]string(nil), values...)
	}
	for _, name := range droppedResponseHeaders {
		h.Del(name)
	}
}

// relayBody forwards a non-streaming response and records its usage:
// counters from the JSON body when it has them, else from headers.
func (o *Orchestrator) relayBody(ctx context.Context, w http.ResponseWriter, resp *http.Response, ev stream.UsageEvent) {
	body, readErr := io.ReadAll(resp.Body)

	copyResponseHeaders(w, resp)
	w.Header().Del("Content-Length")
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(body); err != nil {
		log.Debugf("proxy: writing response: %v", err)
	}
	if readErr != nil {
		log.Warnf("proxy: reading upstream body: %v", readErr)
	}

	var usage *stream.Usage
	source := "none"
	if ev.Status == stream.StatusOK && strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		if usage = stream.FromJSON(body); usage != nil {
			source = "json"
		}
	}
	if usage == nil {
		if usage = stream.FromHeaders(resp.Header); usage != nil {
			source = "header"
		}
	}
	applyUsage(&ev, usage)
	ev.FirstTokenLatencyMs = lo.ToPtr(ev.LatencyMs)
	logUsage("immediate", source, ev, resp.StatusCode)
	o.record(ctx, ev)
}

// relayStream forwards a streamed response while a background goroutine
// scans a copy of it for usage. The client copy never waits for the scan.
func (o *Orchestrator) relayStream(ctx context.Context, w http.ResponseWriter, resp *http.Response, ev stream.UsageEvent, start time.Time) {
	immediate := stream.FromHeaders(resp.Header)

	tap := stream.NewTap()
	o.background.Add(1)
	go func() {
		defer o.background.Done()
		defer func() {
			if p := recover(); p != nil {
				log.Errorf("proxy: stream usage recorder panicked: %v", p)
			}
		}()
		defer tap.Discard()

		result, err := stream.Scan(tap, start)
		if err != nil {
			log.Debugf("proxy: scanning stream: %v", err)
		}

		usage, source := immediate, "header"
		if usage == nil {
			usage, source = result.Usage, "sse"
			if usage == nil {
				source = "sse-none"
			}
		}
		applyUsage(&ev, usage)
		if result.FirstToken {
			ms := result.FirstTokenLatency.Milliseconds()
			ev.FirstTokenLatencyMs = &ms
		}
		logUsage("stream", source, ev, resp.StatusCode)

		// The client may be long gone; recording must outlive its request.
		recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.usageTimeout)
		defer cancel()
		o.record(recordCtx, ev)
	}()

	copyResponseHeaders(w, resp)
	w.Header().Del("Content-Length")
	w.WriteHeader(resp.StatusCode)

	err := stream.Relay(w, io.TeeReader(resp.Body, tap))
	if err != nil {
		log.Debugf("proxy: relaying stream: %v", err)
	}
	_ = tap.CloseWithError(err)
}

func applyUsage(ev *stream.UsageEvent, u *stream.Usage) {
	if u == nil {
		return
	}
	ev.PromptTokens = u.PromptTokens
	ev.CompletionTokens = u.CompletionTokens
	ev.TotalTokens = u.TotalTokens
}

func logUsage(label, source string, ev stream.UsageEvent, status int) {
	log.Infow("usage "+label,
		"source", source,
		"total_tokens", ev.TotalTokens,
		"prompt_tokens", ev.PromptTokens,
		"completion_tokens", ev.CompletionTokens,
		"stream", ev.Stream,
		"status", status,
		"model", ev.Model,
		"path", ev.Path,
	)
}

// record persists ev. Failures are logged and never reach the client.
func (o *Orchestrator) record(ctx context.Context, ev stream.UsageEvent) {
	ev.CreatedAt = o.now()
	o.metrics.AddTokens(ev.PromptTokens, ev.CompletionTokens)
	if o.usage == nil {
		return
	}
	if err := o.usage.RecordUsage(context.WithoutCancel(ctx), ev); err != nil {
		log.Warnf("proxy: recording usage: %v", err)
	}
}
