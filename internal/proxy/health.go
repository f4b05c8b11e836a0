package proxy

import (
	"github.com/valyala/fasthttp"
)

type (
	healthProvider struct {
		State        string `json:"state"`
		FailureCount int    `json:"failure_count"`
	}
	healthResponse struct {
		Status    string                    `json:"status"`
		Providers map[string]healthProvider `json:"providers"`
	}
)

// handleHealth reports the circuit state of every configured provider.
//
//	all closed (or none configured) → ok        200
//	some open or half-open          → degraded  200
//	all open                        → unhealthy 503
func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	snap := g.circuit.Snapshot()

	providers := make(map[string]healthProvider, len(snap))
	openCount := 0
	closedCount := 0
	for name, b := range snap {
		providers[name] = healthProvider{State: b.State, FailureCount: b.FailureCount}
		switch b.State {
		case "open":
			openCount++
		case "closed":
			closedCount++
		}
	}

	status := "ok"
	code := fasthttp.StatusOK
	switch {
	case len(snap) == 0 || closedCount == len(snap):
		// healthy
	case openCount == len(snap):
		status = "unhealthy"
		code = fasthttp.StatusServiceUnavailable
	default:
		status = "degraded"
	}

	ctx.SetStatusCode(code)
	writeJSON(ctx, healthResponse{Status: status, Providers: providers})
}
