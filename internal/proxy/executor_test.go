package proxy

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/johnzilla/arbstr/pkg/apierr"
)

// recorderStub counts circuit verdicts without a real registry.
type recorderStub struct {
	mu        sync.Mutex
	successes map[string]int
	failures  map[string]int
}

func newRecorderStub() *recorderStub {
	return &recorderStub{successes: map[string]int{}, failures: map[string]int{}}
}

func (r *recorderStub) Success(provider string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.successes[provider]++
}

func (r *recorderStub) Failure(provider string, _ LastError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[provider]++
}

func fastExecutor(rec circuitRecorder) *Executor {
	e := newExecutor(http.DefaultClient, rec, nil)
	e.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return e
}

func candidateFor(name string, srv *httptest.Server) SelectedProvider {
	return SelectedProvider{Name: name, URL: srv.URL, APIKey: "sk-test-000000000000"}
}

func TestBackoffScheduleMatchesRetryCap(t *testing.T) {
	if len(backoffSchedule) != maxRetriesPerProvider {
		t.Fatalf("backoff schedule has %d entries for %d retries; dead entries are not allowed",
			len(backoffSchedule), maxRetriesPerProvider)
	}
}

func TestExecutor_RetryThenFallback(t *testing.T) {
	var p1Hits int
	p1 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p1Hits++
		http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusServiceUnavailable)
	}))
	defer p1.Close()

	p2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"x","usage":{"prompt_tokens":10,"completion_tokens":5}}`))
	}))
	defer p2.Close()

	rec := newRecorderStub()
	exec := fastExecutor(rec)
	attempts := &AttemptList{}

	res, err := exec.Do(context.Background(),
		[]SelectedProvider{candidateFor("p1", p1), candidateFor("p2", p2)},
		[]byte(`{"model":"gpt-4o"}`), "corr-1", attempts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !res.Success || res.Provider != "p2" {
		t.Errorf("expected success from p2, got %+v", res)
	}
	if p1Hits != maxRetriesPerProvider+1 {
		t.Errorf("p1 should see %d attempts, got %d", maxRetriesPerProvider+1, p1Hits)
	}
	if got := attempts.Header(); got != "4/p1,p2" {
		t.Errorf("retries header = %q, want %q", got, "4/p1,p2")
	}
	if got := attempts.Retries(); got != 3 {
		t.Errorf("retries = %d, want 3", got)
	}
	if rec.failures["p1"] != 3 {
		t.Errorf("p1 should accumulate 3 circuit failures, got %d", rec.failures["p1"])
	}
	if rec.successes["p2"] != 1 {
		t.Errorf("p2 should record one circuit success, got %d", rec.successes["p2"])
	}
}

func TestExecutor_FatalStatusDoesNotRetryOrTrip(t *testing.T) {
	var hits int
	p1 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		http.Error(w, `{"error":{"message":"bad request"}}`, http.StatusBadRequest)
	}))
	defer p1.Close()

	p2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"ok"}`))
	}))
	defer p2.Close()

	rec := newRecorderStub()
	exec := fastExecutor(rec)
	attempts := &AttemptList{}

	res, err := exec.Do(context.Background(),
		[]SelectedProvider{candidateFor("p1", p1), candidateFor("p2", p2)},
		[]byte(`{}`), "corr-2", attempts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if hits != 1 {
		t.Errorf("a 400 must not be retried; p1 saw %d attempts", hits)
	}
	if rec.failures["p1"] != 0 {
		t.Errorf("a 4xx must never feed the circuit, got %d failures", rec.failures["p1"])
	}
	if !res.Success || res.Provider != "p2" {
		t.Errorf("p2 should still be tried after p1's fatal status, got %+v", res)
	}
}

func TestExecutor_429RetriesButDoesNotTrip(t *testing.T) {
	var hits int
	p1 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		http.Error(w, `{"error":{"message":"slow down"}}`, http.StatusTooManyRequests)
	}))
	defer p1.Close()

	rec := newRecorderStub()
	exec := fastExecutor(rec)
	attempts := &AttemptList{}

	res, err := exec.Do(context.Background(),
		[]SelectedProvider{candidateFor("p1", p1)},
		[]byte(`{}`), "corr-3", attempts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if hits != maxRetriesPerProvider+1 {
		t.Errorf("429 should be retried, got %d attempts", hits)
	}
	if rec.failures["p1"] != 0 {
		t.Errorf("429 is a client error and must not trip the circuit, got %d", rec.failures["p1"])
	}
	if res.Success || res.StatusCode != http.StatusTooManyRequests {
		t.Errorf("the final 429 should pass through, got %+v", res)
	}
}

func TestExecutor_PassesThroughLastUpstreamBody(t *testing.T) {
	body := `{"error":{"message":"upstream exploded","type":"server_error"}}`
	p1 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, body, http.StatusBadGateway)
	}))
	defer p1.Close()

	exec := fastExecutor(newRecorderStub())
	attempts := &AttemptList{}

	res, err := exec.Do(context.Background(),
		[]SelectedProvider{candidateFor("p1", p1)},
		[]byte(`{}`), "corr-4", attempts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", res.StatusCode)
	}
	// http.Error appends a newline.
	if string(res.Body) != body+"\n" {
		t.Errorf("upstream body must survive verbatim, got %q", res.Body)
	}
}

func TestExecutor_DeadlinePreservesAttempts(t *testing.T) {
	p1 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Write([]byte(`{}`))
	}))
	defer p1.Close()

	exec := fastExecutor(newRecorderStub())
	attempts := &AttemptList{}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := exec.Do(ctx,
		[]SelectedProvider{candidateFor("p1", p1)},
		[]byte(`{}`), "corr-5", attempts)

	var ae *apierr.Error
	if !errors.As(err, &ae) || ae.Kind != apierr.KindTimeout {
		t.Fatalf("expected timeout error, got %v", err)
	}

	snap := attempts.Snapshot()
	if len(snap) == 0 {
		t.Fatal("the cancelled attempt must still be on the shared list")
	}
	if snap[0].Classification != ClassTimeout {
		t.Errorf("classification = %v, want timeout", snap[0].Classification)
	}
}

func TestExecutor_TransportErrorAllCandidates(t *testing.T) {
	// A server that is already closed refuses connections.
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	dead.Close()

	exec := fastExecutor(newRecorderStub())
	attempts := &AttemptList{}

	_, err := exec.Do(context.Background(),
		[]SelectedProvider{candidateFor("p1", dead)},
		[]byte(`{}`), "corr-6", attempts)

	var ae *apierr.Error
	if !errors.As(err, &ae) || ae.Kind != apierr.KindTransport {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestExecutor_SendsAuthAndIdempotencyHeaders(t *testing.T) {
	var gotAuth, gotIdem string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotIdem = r.Header.Get("Idempotency-Key")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	exec := fastExecutor(newRecorderStub())
	_, err := exec.Do(context.Background(),
		[]SelectedProvider{candidateFor("p1", srv)},
		[]byte(`{}`), "corr-7", &AttemptList{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotAuth != "Bearer sk-test-000000000000" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotIdem != "corr-7" {
		t.Errorf("Idempotency-Key = %q, want the correlation id", gotIdem)
	}
}
