package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/johnzilla/arbstr/pkg/apierr"
)

const (
	// maxRetriesPerProvider allows up to 3 attempts per candidate.
	maxRetriesPerProvider = 2

	// executorDeadline bounds the whole non-streaming request.
	executorDeadline = 30 * time.Second
)

// backoffSchedule is indexed by retry number. Its length must equal
// maxRetriesPerProvider — a longer table would carry unreachable entries.
var backoffSchedule = []time.Duration{time.Second, 2 * time.Second}

// Classification buckets one upstream attempt for circuit and retry decisions.
type Classification int

const (
	ClassSuccess Classification = iota
	ClassRetryable
	ClassFatal
	ClassTimeout
	ClassCircuitOpen
)

func (c Classification) String() string {
	switch c {
	case ClassSuccess:
		return "success"
	case ClassRetryable:
		return "retryable"
	case ClassFatal:
		return "fatal"
	case ClassTimeout:
		return "timeout"
	case ClassCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// Attempt records one upstream send. StatusCode 0 means the request never got
// a response (transport error or timeout).
type Attempt struct {
	Provider       string
	StatusCode     int
	DurationMs     int64
	Classification Classification
}

// AttemptList is shared between the executor and the handler that owns the
// deadline, so attempts already made stay observable even when the deadline
// cancels the in-flight send.
type AttemptList struct {
	mu       sync.Mutex
	attempts []Attempt
}

func (l *AttemptList) add(a Attempt) {
	l.mu.Lock()
	l.attempts = append(l.attempts, a)
	l.mu.Unlock()
}

// Snapshot returns a copy of the attempts made so far.
func (l *AttemptList) Snapshot() []Attempt {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Attempt, len(l.attempts))
	copy(out, l.attempts)
	return out
}

// Header renders the x-arbstr-retries value: "<attempts>/<p1>[,<p2>…]" with
// providers deduplicated in first-attempt order.
func (l *AttemptList) Header() string {
	attempts := l.Snapshot()
	seen := make(map[string]bool, len(attempts))
	var names []string
	for _, a := range attempts {
		if !seen[a.Provider] {
			seen[a.Provider] = true
			names = append(names, a.Provider)
		}
	}
	return fmt.Sprintf("%d/%s", len(attempts), strings.Join(names, ","))
}

// Providers returns the deduplicated provider names in attempt order,
// comma-joined for the request log.
func (l *AttemptList) Providers() string {
	header := l.Header()
	if i := strings.IndexByte(header, '/'); i >= 0 {
		return header[i+1:]
	}
	return ""
}

// Retries is the attempt count beyond the first send.
func (l *AttemptList) Retries() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.attempts) == 0 {
		return 0
	}
	return int64(len(l.attempts) - 1)
}

// circuitRecorder receives the executor's per-candidate circuit verdicts. The
// gateway routes the probe candidate's events through its ProbeGuard and
// everything else to the registry.
type circuitRecorder interface {
	Success(provider string)
	Failure(provider string, le LastError)
}

// UpstreamResult is the terminal response of an executor run: the winning 2xx
// response, or the last attempt's response preserved for passthrough.
type UpstreamResult struct {
	StatusCode  int
	ContentType string
	Body        []byte
	Provider    string
	Success     bool
}

// Executor walks the ordered candidate list with per-provider retries and
// exponential backoff (non-streaming requests only).
type Executor struct {
	client  httpDoer
	circuit circuitRecorder
	log     *slog.Logger

	// sleep is replaced in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

func newExecutor(client httpDoer, circuit circuitRecorder, log *slog.Logger) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{
		client:  client,
		circuit: circuit,
		log:     log,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retryableStatus reports whether an upstream status justifies another
// attempt. 4xx responses (other than 429) will not change on retry.
func retryableStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// countsAsCircuitFailure reports whether an attempt outcome feeds the
// breaker: 5xx responses and transport/timeout errors only. 429 is retried
// but, like every client error, never trips a circuit.
func countsAsCircuitFailure(status int, err error) bool {
	return err != nil || status >= 500
}

// Do runs the candidates in order until one returns 2xx. body is forwarded
// byte-for-byte; correlationID doubles as the Idempotency-Key so a retried
// request is safe across providers.
//
// The terminal non-2xx response is returned (not an error) so the upstream's
// own OpenAI-compatible error body survives. Errors are returned only when
// there is nothing to pass through: deadline expiry, or a transport failure
// on the final attempt (a response from an earlier candidate is not kept).
func (e *Executor) Do(
	ctx context.Context,
	candidates []SelectedProvider,
	body []byte,
	correlationID string,
	attempts *AttemptList,
) (*UpstreamResult, error) {

	var last *UpstreamResult
	var lastTransportErr error

	for ci := range candidates {
		cand := &candidates[ci]
		failedAttempts := 0

		for attempt := 0; attempt <= maxRetriesPerProvider; attempt++ {
			if ctx.Err() != nil {
				return nil, apierr.Timeout()
			}

			start := time.Now()
			status, contentType, respBody, err := e.send(ctx, cand, body, correlationID)
			dur := time.Since(start)

			cls := classify(status, err)
			attempts.add(Attempt{
				Provider:       cand.Name,
				StatusCode:     status,
				DurationMs:     dur.Milliseconds(),
				Classification: cls,
			})

			switch cls {
			case ClassSuccess:
				e.circuit.Success(cand.Name)
				return &UpstreamResult{
					StatusCode:  status,
					ContentType: contentType,
					Body:        respBody,
					Provider:    cand.Name,
					Success:     true,
				}, nil

			case ClassRetryable, ClassTimeout:
				if countsAsCircuitFailure(status, err) {
					failedAttempts++
				}
				if err != nil {
					lastTransportErr = err
					last = nil
				} else {
					lastTransportErr = nil
					last = &UpstreamResult{
						StatusCode:  status,
						ContentType: contentType,
						Body:        respBody,
						Provider:    cand.Name,
					}
				}
				e.log.Warn("upstream attempt failed",
					slog.String("provider", cand.Name),
					slog.Int("status", status),
					slog.Int("attempt", attempt),
					slog.String("classification", cls.String()),
				)
				if ctx.Err() != nil {
					// The deadline killed the in-flight send; the attempt
					// above is already on the shared list.
					e.recordFailures(cand.Name, failedAttempts, status)
					return nil, apierr.Timeout()
				}
				if attempt < maxRetriesPerProvider {
					if e.sleep(ctx, backoffSchedule[attempt]) != nil {
						e.recordFailures(cand.Name, failedAttempts, status)
						return nil, apierr.Timeout()
					}
					continue
				}

			case ClassFatal:
				// Per-provider failure, but a client error never feeds the
				// breaker.
				lastTransportErr = nil
				last = &UpstreamResult{
					StatusCode:  status,
					ContentType: contentType,
					Body:        respBody,
					Provider:    cand.Name,
				}
				e.log.Warn("upstream rejected request",
					slog.String("provider", cand.Name),
					slog.Int("status", status),
				)
			}
			break
		}

		lastStatus := 0
		if last != nil {
			lastStatus = last.StatusCode
		}
		e.recordFailures(cand.Name, failedAttempts, lastStatus)
	}

	if last != nil {
		return last, nil
	}
	if lastTransportErr != nil {
		return nil, apierr.Transport(lastTransportErr)
	}
	return nil, apierr.Transport(errors.New("no candidates attempted"))
}

// recordFailures feeds one circuit failure per 5xx/timeout attempt of an
// exhausted candidate, so a failing primary still trips even when a later
// fallback wins.
func (e *Executor) recordFailures(provider string, count, lastStatus int) {
	kind := "upstream_5xx"
	if lastStatus == 0 {
		kind = "timeout"
	}
	for i := 0; i < count; i++ {
		e.circuit.Failure(provider, LastError{Kind: kind, Status: lastStatus})
	}
}

// send performs one upstream POST. The returned status is 0 when no response
// was received.
func (e *Executor) send(ctx context.Context, cand *SelectedProvider, body []byte, correlationID string) (int, string, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(cand.URL, "/")+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return 0, "", nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if cand.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cand.APIKey)
	}
	req.Header.Set("Idempotency-Key", correlationID)

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, "", nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, "", nil, err
	}
	return resp.StatusCode, resp.Header.Get("Content-Type"), respBody, nil
}

// classify buckets one attempt outcome.
func classify(status int, err error) Classification {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return ClassTimeout
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return ClassTimeout
		}
		return ClassRetryable
	}
	switch {
	case status >= 200 && status < 300:
		return ClassSuccess
	case retryableStatus(status):
		return ClassRetryable
	default:
		return ClassFatal
	}
}
