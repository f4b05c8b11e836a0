package proxy

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/johnzilla/arbstr/internal/clock"
	"github.com/johnzilla/arbstr/internal/metrics"
)

// cbState represents the operational state of a per-provider circuit breaker.
//
//	cbClosed   — normal operation; all requests pass through.
//	cbOpen     — provider is failing; requests are rejected immediately.
//	cbHalfOpen — recovery window; one probe request tests the provider.
type cbState int

const (
	cbClosed   cbState = 0
	cbOpen     cbState = 1
	cbHalfOpen cbState = 2
)

func (s cbState) label() string {
	switch s {
	case cbOpen:
		return "open"
	case cbHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

const (
	// failureThreshold is the number of consecutive 5xx/timeout failures
	// that trips a breaker.
	failureThreshold = 3

	// openDuration is how long a tripped breaker rejects traffic before
	// allowing a probe.
	openDuration = 30 * time.Second
)

// LastError captures the failure that the breaker saw most recently.
type LastError struct {
	Kind   string
	Status int
	At     time.Time
}

// PermitType distinguishes a normal pass-through permit from the single
// half-open probe.
type PermitType int

const (
	PermitNormal PermitType = iota
	PermitProbe
)

// Permit is permission to send one request to a provider. A probe permit
// carries the guard that must resolve the probe's outcome.
type Permit struct {
	Type  PermitType
	Guard *ProbeGuard
}

// providerBreaker holds per-provider circuit state. All fields are protected
// by mu; the lock is never held across a wait.
type providerBreaker struct {
	mu sync.Mutex

	state         cbState
	failureCount  int
	openedAt      time.Time
	tripCount     int64
	probeInflight bool

	lastError       *LastError
	lastFailureTime time.Time
	lastSuccessTime time.Time

	// waiters are requests parked while a probe is in flight. Each channel
	// is buffered so resolution never blocks; subscribers register before
	// dropping mu, so a wakeup cannot be missed and stale results from
	// earlier probe cycles are never observed.
	waiters []chan bool
}

// CircuitRegistry manages independent circuit breakers for each configured
// provider. The map is fixed at construction; each breaker is internally
// concurrency-safe.
type CircuitRegistry struct {
	mu       sync.RWMutex
	breakers map[string]*providerBreaker

	clk     clock.Clock
	log     *slog.Logger
	metrics *metrics.Registry
}

// NewCircuitRegistry creates one breaker per provider name. Unknown names are
// always allowed — the registry is opt-in for configured providers.
func NewCircuitRegistry(names []string, clk clock.Clock, log *slog.Logger, met *metrics.Registry) *CircuitRegistry {
	if clk == nil {
		clk = clock.System{}
	}
	if log == nil {
		log = slog.Default()
	}
	r := &CircuitRegistry{
		breakers: make(map[string]*providerBreaker, len(names)),
		clk:      clk,
		log:      log,
		metrics:  met,
	}
	for _, name := range names {
		r.breakers[name] = &providerBreaker{state: cbClosed}
		if met != nil {
			met.SetCircuitState(name, int64(cbClosed))
		}
	}
	return r
}

func (r *CircuitRegistry) get(provider string) *providerBreaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.breakers[provider]
}

// acquireDecision is the outcome computed under the breaker lock.
type acquireDecision int

const (
	decideAllow acquireDecision = iota
	decideProbe
	decideWait
	decideReject
)

// Acquire asks for permission to send one request to provider.
//
//   - Closed → Normal permit.
//   - Open, timer not elapsed → rejected.
//   - Open, timer elapsed → lazy transition to HalfOpen; the first caller
//     gets the Probe permit, later callers wait for the probe's outcome.
//   - HalfOpen with a probe in flight → wait; probe success admits the
//     waiter with Normal semantics, probe failure rejects it.
//
// allowProbe=false turns a would-be probe into a rejection; the gateway uses
// it so that at most one candidate per request can hold a probe.
// Unknown provider names are always allowed.
func (r *CircuitRegistry) Acquire(ctx context.Context, provider string, allowProbe bool) (Permit, bool) {
	b := r.get(provider)
	if b == nil {
		return Permit{Type: PermitNormal}, true
	}

	now := r.clk.Now()

	b.mu.Lock()

	if b.state == cbOpen {
		if now.Sub(b.openedAt) < openDuration {
			b.mu.Unlock()
			r.noteRejection(provider, cbOpen)
			return Permit{}, false
		}
		b.state = cbHalfOpen
		r.noteTransition(provider, cbHalfOpen)
	}

	var decision acquireDecision
	var wait chan bool

	switch b.state {
	case cbClosed:
		decision = decideAllow

	case cbHalfOpen:
		switch {
		case !b.probeInflight:
			if allowProbe {
				b.probeInflight = true
				decision = decideProbe
			} else {
				decision = decideReject
			}
		default:
			if allowProbe {
				wait = make(chan bool, 1)
				b.waiters = append(b.waiters, wait)
				decision = decideWait
			} else {
				decision = decideReject
			}
		}
	}

	b.mu.Unlock()

	switch decision {
	case decideAllow:
		return Permit{Type: PermitNormal}, true

	case decideProbe:
		return Permit{
			Type:  PermitProbe,
			Guard: &ProbeGuard{registry: r, provider: provider},
		}, true

	case decideWait:
		select {
		case ok := <-wait:
			if ok {
				return Permit{Type: PermitNormal}, true
			}
			r.noteRejection(provider, cbOpen)
			return Permit{}, false
		case <-ctx.Done():
			return Permit{}, false
		}

	default:
		r.noteRejection(provider, b.currentState())
		return Permit{}, false
	}
}

// RecordSuccess resets the failure count. A success while half-open belongs
// to the probe and is reported through its guard instead.
func (r *CircuitRegistry) RecordSuccess(provider string) {
	b := r.get(provider)
	if b == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount = 0
	b.lastSuccessTime = r.clk.Now()
	if b.state == cbHalfOpen && !b.probeInflight {
		b.state = cbClosed
		r.noteTransition(provider, cbClosed)
	}
}

// RecordFailure counts one 5xx/timeout failure. Reaching the threshold while
// closed trips the breaker. 4xx responses must never reach this method — the
// classification decision belongs to the caller.
func (r *CircuitRegistry) RecordFailure(provider string, le LastError) {
	b := r.get(provider)
	if b == nil {
		return
	}

	now := r.clk.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailureTime = now
	le.At = now
	b.lastError = &le

	if b.state == cbHalfOpen {
		// Probe outcomes are resolved via the guard; a stray failure here
		// only updates the observables.
		return
	}

	b.failureCount++
	if b.state == cbClosed && b.failureCount >= failureThreshold {
		b.state = cbOpen
		b.openedAt = now
		b.tripCount++
		r.noteTransition(provider, cbOpen)
		r.log.Warn("circuit opened",
			slog.String("provider", provider),
			slog.Int("failures", b.failureCount),
			slog.String("last_error", le.Kind),
		)
	}
}

// resolveProbe records the half-open probe's outcome and wakes every parked
// waiter. Success closes the breaker; failure reopens it with a fresh timer.
func (r *CircuitRegistry) resolveProbe(provider string, ok bool, le LastError) {
	b := r.get(provider)
	if b == nil {
		return
	}

	now := r.clk.Now()

	b.mu.Lock()
	b.probeInflight = false

	if ok {
		b.state = cbClosed
		b.failureCount = 0
		b.lastSuccessTime = now
		r.noteTransition(provider, cbClosed)
	} else {
		b.state = cbOpen
		b.openedAt = now
		b.tripCount++
		le.At = now
		b.lastError = &le
		b.lastFailureTime = now
		r.noteTransition(provider, cbOpen)
	}

	waiters := b.waiters
	b.waiters = nil
	b.mu.Unlock()

	for _, ch := range waiters {
		ch <- ok
	}

	r.log.Info("probe resolved",
		slog.String("provider", provider),
		slog.Bool("success", ok),
		slog.Int("waiters", len(waiters)),
	)
}

func (b *providerBreaker) currentState() cbState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (r *CircuitRegistry) noteTransition(provider string, to cbState) {
	if r.metrics != nil {
		r.metrics.SetCircuitState(provider, int64(to))
		r.metrics.RecordCircuitTransition(provider, to.label())
	}
}

func (r *CircuitRegistry) noteRejection(provider string, state cbState) {
	if r.metrics != nil {
		r.metrics.RecordCircuitRejection(provider)
	}
	r.log.Debug("circuit rejected candidate",
		slog.String("provider", provider),
		slog.String("state", state.label()),
	)
}

// BreakerSnapshot is the observable state of one breaker.
type BreakerSnapshot struct {
	State           string     `json:"state"`
	FailureCount    int        `json:"failure_count"`
	TripCount       int64      `json:"trip_count,omitempty"`
	LastError       *LastError `json:"-"`
	LastFailureTime time.Time  `json:"-"`
	LastSuccessTime time.Time  `json:"-"`
}

// Snapshot returns the state of every breaker. Locks are taken per entry;
// there is no global lock.
func (r *CircuitRegistry) Snapshot() map[string]BreakerSnapshot {
	r.mu.RLock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	r.mu.RUnlock()

	out := make(map[string]BreakerSnapshot, len(names))
	for _, name := range names {
		b := r.get(name)
		if b == nil {
			continue
		}
		b.mu.Lock()
		out[name] = BreakerSnapshot{
			State:           b.state.label(),
			FailureCount:    b.failureCount,
			TripCount:       b.tripCount,
			LastError:       b.lastError,
			LastFailureTime: b.lastFailureTime,
			LastSuccessTime: b.lastSuccessTime,
		}
		b.mu.Unlock()
	}
	return out
}

// ProbeGuard pairs a probe permit with its obligatory resolution. Exactly one
// of Success, Failure, or Release (drop without resolution, treated as a
// failure) takes effect — whichever happens first. Deferring Release
// guarantees a half-open breaker cannot stay stuck when the probing request
// panics or is cancelled.
type ProbeGuard struct {
	registry *CircuitRegistry
	provider string
	once     sync.Once
}

// Success resolves the probe as healthy and closes the breaker.
func (g *ProbeGuard) Success() {
	g.once.Do(func() {
		g.registry.resolveProbe(g.provider, true, LastError{})
	})
}

// Failure resolves the probe as failed and reopens the breaker.
func (g *ProbeGuard) Failure(le LastError) {
	g.once.Do(func() {
		g.registry.resolveProbe(g.provider, false, le)
	})
}

// Release resolves a still-unresolved probe as failed with reason "dropped".
// Safe to defer unconditionally; it is a no-op after Success or Failure.
func (g *ProbeGuard) Release() {
	g.once.Do(func() {
		g.registry.resolveProbe(g.provider, false, LastError{Kind: "dropped"})
	})
}
