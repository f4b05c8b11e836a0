// Package proxy is the core arbstr request pipeline.
//
// The Gateway receives an OpenAI-compatible chat-completion request, ranks
// the configured providers by cost, filters them through per-provider circuit
// breakers, and forwards the request — retrying and falling back on the
// non-streaming path, or observing the SSE byte stream on the streaming path
// to recover the usage object providers only emit in the final chunk.
//
// Key design constraints:
//   - The client body is forwarded byte-for-byte on the non-streaming path;
//     streaming requests are re-encoded with stream_options.include_usage
//     merged in.
//   - No lock is held across an upstream call, a backoff sleep, a probe wait,
//     or a database operation.
//   - Request logging is fire-and-forget; a log miss never fails a request.
package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/johnzilla/arbstr/internal/clock"
	"github.com/johnzilla/arbstr/internal/config"
	"github.com/johnzilla/arbstr/internal/metrics"
	"github.com/johnzilla/arbstr/internal/store"
	"github.com/johnzilla/arbstr/pkg/apierr"
	"github.com/valyala/fasthttp"
)

const (
	headerRequestID = "x-arbstr-request-id"
	headerLatencyMs = "x-arbstr-latency-ms"
	headerCostSats  = "x-arbstr-cost-sats"
	headerRetries   = "x-arbstr-retries"
	headerStreaming = "x-arbstr-streaming"

	headerPolicy = "X-Arbstr-Policy"
)

// GatewayOptions holds optional dependencies for a Gateway. All fields have
// working defaults.
type GatewayOptions struct {
	// Logger is the structured logger for request events. Defaults to
	// slog.Default.
	Logger *slog.Logger

	// Metrics enables Prometheus collection. Nil disables it.
	Metrics *metrics.Registry

	// Clock drives the circuit breaker timers. Defaults to the system clock.
	Clock clock.Clock

	// Upstream is the HTTP client used for provider calls. Defaults to a
	// client with no overall timeout (the handler owns the deadline).
	Upstream *http.Client
}

// Gateway is the main proxy. All dependencies are injected via the
// constructor so they can be replaced with doubles in tests.
type Gateway struct {
	cfg     *config.Config
	circuit *CircuitRegistry
	writer  *store.Writer
	reader  *store.Reader
	log     *slog.Logger
	metrics *metrics.Registry

	upstream httpDoer
	baseCtx  context.Context
}

// NewGateway creates a fully wired Gateway. writer and reader may be nil in
// tests that don't exercise the log.
func NewGateway(baseCtx context.Context, cfg *config.Config, writer *store.Writer, reader *store.Reader, opts GatewayOptions) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	upstream := opts.Upstream
	if upstream == nil {
		upstream = &http.Client{}
	}

	names := make([]string, 0, len(cfg.Providers))
	for i := range cfg.Providers {
		names = append(names, cfg.Providers[i].Name)
	}

	return &Gateway{
		cfg:      cfg,
		circuit:  NewCircuitRegistry(names, opts.Clock, log, opts.Metrics),
		writer:   writer,
		reader:   reader,
		log:      log,
		metrics:  opts.Metrics,
		upstream: upstream,
		baseCtx:  baseCtx,
	}
}

// Circuit exposes the registry for the health endpoint and tests.
func (g *Gateway) Circuit() *CircuitRegistry { return g.circuit }

// ── Inbound request parsing ──────────────────────────────────────────────────

// inboundRequest is the slice of the chat-completion body the gateway needs
// for routing. The full body is forwarded untouched.
type inboundRequest struct {
	Model    string `json:"model"`
	Stream   bool   `json:"stream"`
	Messages []struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"messages"`
}

// firstUserContent extracts the first user message's text for keyword-based
// policy matching. Array-form content is ignored.
func (r *inboundRequest) firstUserContent() string {
	for _, m := range r.Messages {
		if m.Role != "user" {
			continue
		}
		var s string
		if err := json.Unmarshal(m.Content, &s); err == nil {
			return s
		}
		return ""
	}
	return ""
}

// guardedRecorder routes circuit verdicts: the probe candidate's outcome goes
// through its guard (which wakes parked waiters), everything else straight to
// the registry.
type guardedRecorder struct {
	registry      *CircuitRegistry
	guard         *ProbeGuard
	probeProvider string
}

func (r *guardedRecorder) Success(provider string) {
	if r.guard != nil && provider == r.probeProvider {
		r.guard.Success()
		return
	}
	r.registry.RecordSuccess(provider)
}

func (r *guardedRecorder) Failure(provider string, le LastError) {
	if r.guard != nil && provider == r.probeProvider {
		r.guard.Failure(le)
		return
	}
	r.registry.RecordFailure(provider, le)
}

// ── POST /v1/chat/completions ────────────────────────────────────────────────

func (g *Gateway) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "chat_completions"
	streaming := false

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil {
			return
		}
		if streaming {
			return // finalised by the stream writer
		}
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start))
	}()

	correlationID, _ := ctx.UserValue("correlation_id").(string)
	body := append([]byte(nil), ctx.PostBody()...)

	// 1. Parse the routing slice of the body.
	var req inboundRequest
	if err := json.Unmarshal(body, &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Model == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "field 'model' is required")
		return
	}

	policyHint := string(ctx.Request.Header.Peek(headerPolicy))

	g.log.Info("request",
		slog.String("correlation_id", correlationID),
		slog.String("model", req.Model),
		slog.String("policy_hint", policyHint),
		slog.Bool("stream", req.Stream),
	)

	// 2. Rank candidates by cost under the active policy.
	candidates, pol, err := selectProviders(g.cfg, req.Model, policyHint, req.firstUserContent())
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}

	var policyName *string
	if pol != nil {
		policyName = &pol.Name
	}

	// 3. Filter through the circuit registry. Only the first accepted
	// candidate may hold the half-open probe; its guard is released on every
	// exit path so a cancelled probe can never wedge the breaker.
	accepted := make([]SelectedProvider, 0, len(candidates))
	var guard *ProbeGuard
	probeProvider := ""
	for _, cand := range candidates {
		allowProbe := len(accepted) == 0 && guard == nil
		permit, ok := g.circuit.Acquire(ctx, cand.Name, allowProbe)
		if !ok {
			continue
		}
		accepted = append(accepted, cand)
		if permit.Guard != nil {
			guard = permit.Guard
			probeProvider = cand.Name
		}
	}
	if len(accepted) == 0 {
		apierr.WriteError(ctx, apierr.CircuitOpen(req.Model))
		return
	}
	if guard != nil {
		defer guard.Release()
	}

	recorder := &guardedRecorder{
		registry:      g.circuit,
		guard:         guard,
		probeProvider: probeProvider,
	}

	meta := requestMeta{
		correlationID: correlationID,
		model:         req.Model,
		policy:        policyName,
		start:         start,
	}

	// 4. Dispatch.
	if req.Stream {
		streaming = g.handleStreaming(ctx, accepted[0], recorder, body, meta, route)
		return
	}
	g.handleBuffered(ctx, accepted, recorder, body, meta)
}

// requestMeta carries the per-request facts shared by both dispatch paths.
type requestMeta struct {
	correlationID string
	model         string
	policy        *string
	start         time.Time
}

// ── Non-streaming path ───────────────────────────────────────────────────────

func (g *Gateway) handleBuffered(ctx *fasthttp.RequestCtx, candidates []SelectedProvider, recorder circuitRecorder, body []byte, meta requestMeta) {
	attempts := &AttemptList{}

	exCtx, cancel := context.WithTimeout(g.baseCtx, executorDeadline)
	defer cancel()

	exec := newExecutor(g.upstream, recorder, g.log)
	res, err := exec.Do(exCtx, candidates, body, meta.correlationID, attempts)

	// The executor feeds no circuit verdict for a 4xx. A probe answered with a
	// client error reached a healthy provider, so it resolves as a success
	// rather than being counted as dropped by Release. A guard the executor
	// already resolved ignores this call.
	if gr, ok := recorder.(*guardedRecorder); ok && gr.guard != nil {
		for _, a := range attempts.Snapshot() {
			if a.Provider == gr.probeProvider && a.StatusCode >= 400 && a.StatusCode < 500 {
				gr.guard.Success()
				break
			}
		}
	}

	latency := time.Since(meta.start)
	ctx.Response.Header.Set(headerRetries, attempts.Header())
	ctx.Response.Header.Set(headerLatencyMs, strconv.FormatInt(latency.Milliseconds(), 10))

	if err != nil {
		apierr.WriteError(ctx, err)
		g.logBufferedFailure(meta, attempts, latency, err)
		return
	}

	if !res.Success {
		// Pass the upstream's error surface through untouched.
		ctx.SetStatusCode(res.StatusCode)
		if res.ContentType != "" {
			ctx.SetContentType(res.ContentType)
		} else {
			ctx.SetContentType("application/json")
		}
		ctx.SetBody(res.Body)
		g.insertRecord(store.RequestRecord{
			CorrelationID:  meta.correlationID,
			Timestamp:      meta.start,
			Model:          meta.model,
			Provider:       res.Provider,
			Policy:         meta.policy,
			LatencyMs:      latency.Milliseconds(),
			Success:        false,
			ErrorMessage:   strptr("upstream_error"),
			Retries:        attempts.Retries(),
			ProvidersTried: attempts.Providers(),
		})
		return
	}

	// Success: recover usage and compute the billed cost.
	var inTok, outTok *int64
	var cost *float64
	var usage struct {
		Usage *struct {
			PromptTokens     int64 `json:"prompt_tokens"`
			CompletionTokens int64 `json:"completion_tokens"`
		} `json:"usage"`
	}
	if jsonErr := json.Unmarshal(res.Body, &usage); jsonErr == nil && usage.Usage != nil {
		inTok = i64ptr(usage.Usage.PromptTokens)
		outTok = i64ptr(usage.Usage.CompletionTokens)
		if prov := findCandidate(candidates, res.Provider); prov != nil {
			c := prov.CostSats(*inTok, *outTok)
			cost = &c
			ctx.Response.Header.Set(headerCostSats, strconv.FormatFloat(c, 'f', 2, 64))
		}
	}

	if g.metrics != nil {
		if res.Provider != candidates[0].Name {
			g.metrics.RecordFailover(candidates[0].Name, res.Provider)
		}
		if inTok != nil && outTok != nil {
			c := 0.0
			if cost != nil {
				c = *cost
			}
			g.metrics.AddUsage(res.Provider, *inTok, *outTok, c)
		}
	}

	ctx.SetStatusCode(res.StatusCode)
	if res.ContentType != "" {
		ctx.SetContentType(res.ContentType)
	} else {
		ctx.SetContentType("application/json")
	}
	ctx.SetBody(res.Body)

	g.insertRecord(store.RequestRecord{
		CorrelationID:  meta.correlationID,
		Timestamp:      meta.start,
		Model:          meta.model,
		Provider:       res.Provider,
		Policy:         meta.policy,
		InputTokens:    inTok,
		OutputTokens:   outTok,
		CostSats:       cost,
		LatencyMs:      latency.Milliseconds(),
		Success:        true,
		Retries:        attempts.Retries(),
		ProvidersTried: attempts.Providers(),
	})

	g.log.Debug("response_ok",
		slog.String("correlation_id", meta.correlationID),
		slog.String("provider", res.Provider),
		slog.Int64("retries", attempts.Retries()),
		slog.Duration("elapsed", latency),
	)
}

// logBufferedFailure records an executor run that produced no passthrough
// response. A request that never reached any upstream leaves no row.
func (g *Gateway) logBufferedFailure(meta requestMeta, attempts *AttemptList, latency time.Duration, err error) {
	snap := attempts.Snapshot()
	if len(snap) == 0 {
		return
	}
	msg := "transport_error"
	var ae *apierr.Error
	if errors.As(err, &ae) && ae.Kind == apierr.KindTimeout {
		msg = "timeout"
	}
	g.insertRecord(store.RequestRecord{
		CorrelationID:  meta.correlationID,
		Timestamp:      meta.start,
		Model:          meta.model,
		Provider:       snap[len(snap)-1].Provider,
		Policy:         meta.policy,
		LatencyMs:      latency.Milliseconds(),
		Success:        false,
		ErrorMessage:   &msg,
		Retries:        attempts.Retries(),
		ProvidersTried: attempts.Providers(),
	})
}

// ── Streaming path ───────────────────────────────────────────────────────────

// arbstrTrailer is the extra SSE event injected after the upstream [DONE].
type arbstrTrailer struct {
	CostSats  *float64 `json:"cost_sats"`
	LatencyMs int64    `json:"latency_ms"`
}

// handleStreaming attempts a single provider (no retries) and pipes the SSE
// bytes through unchanged, wrapped by the stream observer. Returns true when
// a body stream writer took over response finalisation.
func (g *Gateway) handleStreaming(ctx *fasthttp.RequestCtx, cand SelectedProvider, recorder circuitRecorder, body []byte, meta requestMeta, route string) bool {
	merged, err := ensureIncludeUsage(body)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}

	req, err := http.NewRequestWithContext(g.baseCtx, http.MethodPost,
		upstreamURL(cand.URL), bytes.NewReader(merged))
	if err != nil {
		apierr.WriteError(ctx, apierr.Internal(err))
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	if cand.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cand.APIKey)
	}

	upstreamStart := time.Now()
	resp, err := g.upstream.Do(req)
	ttfb := time.Since(upstreamStart)

	if err != nil {
		recorder.Failure(cand.Name, LastError{Kind: "transport"})
		if g.metrics != nil {
			g.metrics.ObserveUpstreamAttempt(cand.Name, ClassTimeout.String(), ttfb)
		}
		apierr.WriteError(ctx, apierr.Transport(err))
		g.insertRecord(store.RequestRecord{
			CorrelationID: meta.correlationID,
			Timestamp:     meta.start,
			Model:         meta.model,
			Provider:      cand.Name,
			Policy:        meta.policy,
			Streaming:     true,
			LatencyMs:     ttfb.Milliseconds(),
			Success:       false,
			ErrorMessage:  strptr("transport_error"),
		})
		return false
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()

		cls := classify(resp.StatusCode, nil)
		if countsAsCircuitFailure(resp.StatusCode, nil) {
			recorder.Failure(cand.Name, LastError{Kind: "upstream_5xx", Status: resp.StatusCode})
		} else {
			// The provider answered; a client error is not a health signal,
			// but a probe needs its resolution either way.
			recorder.Success(cand.Name)
		}
		if g.metrics != nil {
			g.metrics.ObserveUpstreamAttempt(cand.Name, cls.String(), ttfb)
		}

		ctx.SetStatusCode(resp.StatusCode)
		ctx.SetContentType("application/json")
		ctx.SetBody(respBody)
		g.insertRecord(store.RequestRecord{
			CorrelationID: meta.correlationID,
			Timestamp:     meta.start,
			Model:         meta.model,
			Provider:      cand.Name,
			Policy:        meta.policy,
			Streaming:     true,
			LatencyMs:     ttfb.Milliseconds(),
			Success:       false,
			ErrorMessage:  strptr("upstream_error"),
		})
		return false
	}

	recorder.Success(cand.Name)
	if g.metrics != nil {
		g.metrics.ObserveUpstreamAttempt(cand.Name, ClassSuccess.String(), ttfb)
	}

	// The row goes in as soon as the upstream headers arrive; the usage
	// update lands after the stream drains. The single-writer queue keeps
	// them ordered.
	g.insertRecord(store.RequestRecord{
		CorrelationID: meta.correlationID,
		Timestamp:     meta.start,
		Model:         meta.model,
		Provider:      cand.Name,
		Policy:        meta.policy,
		Streaming:     true,
		LatencyMs:     ttfb.Milliseconds(),
		Success:       true,
	})

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.Response.Header.Set(headerStreaming, "true")

	observer := newStreamObserver(g.log)
	streamStart := time.Now()

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer
		defer resp.Body.Close()

		clientGone := false
		buf := make([]byte, 32*1024)
		for {
			n, rerr := resp.Body.Read(buf)
			if n > 0 {
				chunk := buf[:n]
				observer.Observe(chunk)
				if !clientGone {
					if _, werr := w.Write(chunk); werr != nil {
						clientGone = true
					} else if ferr := w.Flush(); ferr != nil {
						clientGone = true
					}
					// Keep draining the upstream after a disconnect so the
					// usage still lands in the post-stream update.
				}
			}
			if rerr != nil {
				break
			}
		}

		observer.Finalize()
		result := observer.Result()

		var cost *float64
		var inTok, outTok *int64
		if result.Usage != nil {
			in := int64(result.Usage.PromptTokens)
			out := int64(result.Usage.CompletionTokens)
			inTok, outTok = &in, &out
			c := cand.CostSats(in, out)
			cost = &c
		}

		if result.DoneReceived && !clientGone {
			trailer, _ := json.Marshal(map[string]arbstrTrailer{
				"arbstr": {CostSats: cost, LatencyMs: ttfb.Milliseconds()},
			})
			fmt.Fprintf(w, "data: %s\n\ndata: %s\n\n", trailer, sseDone)
			_ = w.Flush()
		}

		streamDur := time.Since(streamStart).Milliseconds()
		success := result.DoneReceived
		var errMsg *string
		outcome := "complete"
		switch {
		case clientGone:
			success = false
			errMsg = strptr("client_disconnected")
			outcome = "client_disconnected"
		case !result.DoneReceived:
			errMsg = strptr("stream_incomplete")
			outcome = "incomplete"
		}

		if g.writer != nil {
			g.writer.UpdateUsage(store.UsageUpdate{
				CorrelationID:    meta.correlationID,
				InputTokens:      inTok,
				OutputTokens:     outTok,
				CostSats:         cost,
				StreamDurationMs: &streamDur,
				Success:          success,
				ErrorMessage:     errMsg,
			})
		}

		if g.metrics != nil {
			g.metrics.RecordStream(outcome)
			if inTok != nil && outTok != nil && cost != nil {
				g.metrics.AddUsage(cand.Name, *inTok, *outTok, *cost)
			}
			g.metrics.ObserveHTTP(route, fasthttp.StatusOK, time.Since(meta.start))
			g.metrics.DecInFlight()
		}

		g.log.Info("stream finished",
			slog.String("correlation_id", meta.correlationID),
			slog.String("provider", cand.Name),
			slog.Bool("done_received", result.DoneReceived),
			slog.Bool("client_disconnected", clientGone),
			slog.Int64("stream_duration_ms", streamDur),
		)
	})
	return true
}

// ── Helpers ──────────────────────────────────────────────────────────────────

// ensureIncludeUsage merges stream_options.include_usage=true into the body
// unless the client already set the field (an explicit false is preserved).
func ensureIncludeUsage(body []byte) ([]byte, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, err
	}

	raw, ok := doc["stream_options"]
	if !ok || string(raw) == "null" {
		doc["stream_options"] = json.RawMessage(`{"include_usage":true}`)
		return json.Marshal(doc)
	}

	var opts map[string]json.RawMessage
	if err := json.Unmarshal(raw, &opts); err != nil {
		return nil, err
	}
	if _, present := opts["include_usage"]; !present {
		opts["include_usage"] = json.RawMessage("true")
		merged, err := json.Marshal(opts)
		if err != nil {
			return nil, err
		}
		doc["stream_options"] = merged
	}
	return json.Marshal(doc)
}

func upstreamURL(base string) string {
	for len(base) > 0 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	return base + "/chat/completions"
}

func (g *Gateway) insertRecord(rec store.RequestRecord) {
	if g.writer == nil {
		return
	}
	g.writer.Insert(rec)
}

func findCandidate(candidates []SelectedProvider, name string) *SelectedProvider {
	for i := range candidates {
		if candidates[i].Name == name {
			return &candidates[i]
		}
	}
	return nil
}

func strptr(s string) *string { return &s }
func i64ptr(v int64) *int64   { return &v }
