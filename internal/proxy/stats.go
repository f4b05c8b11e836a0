package proxy

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/johnzilla/arbstr/internal/store"
	"github.com/johnzilla/arbstr/pkg/apierr"
	"github.com/valyala/fasthttp"
)

// rangePresets maps the ?range= shortcuts to window widths.
var rangePresets = map[string]time.Duration{
	"last_1h":  time.Hour,
	"last_24h": 24 * time.Hour,
	"last_7d":  7 * 24 * time.Hour,
	"last_30d": 30 * 24 * time.Hour,
}

const defaultRange = "last_7d"

// parseWindow resolves the query window: explicit since/until (RFC 3339)
// override the range preset; the default window is the last 7 days.
func parseWindow(args *fasthttp.Args) (time.Time, time.Time, *apierr.Error) {
	now := time.Now().UTC()

	preset := string(args.Peek("range"))
	if preset == "" {
		preset = defaultRange
	}
	width, ok := rangePresets[preset]
	if !ok {
		return time.Time{}, time.Time{}, apierr.BadRequest("unknown range preset %q", preset)
	}
	since, until := now.Add(-width), now

	if raw := string(args.Peek("since")); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, apierr.BadRequest("invalid 'since' timestamp %q", raw)
		}
		since = t
	}
	if raw := string(args.Peek("until")); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, apierr.BadRequest("invalid 'until' timestamp %q", raw)
		}
		until = t
	}
	return since, until, nil
}

// checkFilters 404s on a model or provider that neither the configuration nor
// the request log knows about.
func (g *Gateway) checkFilters(ctx *fasthttp.RequestCtx, model, provider string) bool {
	if model != "" && !g.cfg.HasModel(model) {
		seen := false
		if g.reader != nil {
			seen, _ = g.reader.ModelSeen(ctx, model)
		}
		if !seen {
			apierr.WriteError(ctx, apierr.NotFound("unknown model %q", model))
			return false
		}
	}
	if provider != "" && !g.cfg.HasProvider(provider) {
		seen := false
		if g.reader != nil {
			seen, _ = g.reader.ProviderSeen(ctx, provider)
		}
		if !seen {
			apierr.WriteError(ctx, apierr.NotFound("unknown provider %q", provider))
			return false
		}
	}
	return true
}

// ── GET /v1/stats ────────────────────────────────────────────────────────────

type (
	statsCounts struct {
		Total     int64 `json:"total"`
		Success   int64 `json:"success"`
		Error     int64 `json:"error"`
		Streaming int64 `json:"streaming"`
	}
	statsCosts struct {
		TotalCostSats     float64 `json:"total_cost_sats"`
		TotalInputTokens  int64   `json:"total_input_tokens"`
		TotalOutputTokens int64   `json:"total_output_tokens"`
	}
	statsPerformance struct {
		AvgLatencyMs float64 `json:"avg_latency_ms"`
	}
	statsBlock struct {
		Counts      statsCounts      `json:"counts"`
		Costs       statsCosts       `json:"costs"`
		Performance statsPerformance `json:"performance"`
	}
	statsResponse struct {
		Since       string                `json:"since"`
		Until       string                `json:"until"`
		Counts      statsCounts           `json:"counts"`
		Costs       statsCosts            `json:"costs"`
		Performance statsPerformance      `json:"performance"`
		Models      map[string]statsBlock `json:"models,omitempty"`
		Empty       bool                  `json:"empty,omitempty"`
		Message     string                `json:"message,omitempty"`
	}
)

func toBlock(a store.Aggregate) statsBlock {
	return statsBlock{
		Counts: statsCounts{
			Total:     a.Total,
			Success:   a.SuccessCount,
			Error:     a.ErrorCount,
			Streaming: a.StreamingCount,
		},
		Costs: statsCosts{
			TotalCostSats:     a.TotalCostSats,
			TotalInputTokens:  a.TotalInputTokens,
			TotalOutputTokens: a.TotalOutputTokens,
		},
		Performance: statsPerformance{AvgLatencyMs: a.AvgLatencyMs},
	}
}

func (g *Gateway) handleStats(ctx *fasthttp.RequestCtx) {
	if g.reader == nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, "request log unavailable")
		return
	}

	args := ctx.QueryArgs()
	since, until, aerr := parseWindow(args)
	if aerr != nil {
		apierr.WriteError(ctx, aerr)
		return
	}

	model := string(args.Peek("model"))
	provider := string(args.Peek("provider"))
	if !g.checkFilters(ctx, model, provider) {
		return
	}

	f := store.Filter{Since: since, Until: until, Model: model, Provider: provider}
	agg, err := g.reader.Stats(ctx, f)
	if err != nil {
		apierr.WriteError(ctx, apierr.Internal(err))
		return
	}

	block := toBlock(agg)
	resp := statsResponse{
		Since:       store.FormatTime(since),
		Until:       store.FormatTime(until),
		Counts:      block.Counts,
		Costs:       block.Costs,
		Performance: block.Performance,
	}

	if strings.EqualFold(string(args.Peek("group_by")), "model") {
		byModel, err := g.reader.StatsByModel(ctx, f)
		if err != nil {
			apierr.WriteError(ctx, apierr.Internal(err))
			return
		}
		models := make(map[string]statsBlock, len(byModel))
		for name, a := range byModel {
			models[name] = toBlock(a)
		}
		// Configured models with zero traffic still appear, zeroed.
		for _, name := range g.cfg.ModelSet() {
			if _, ok := models[name]; !ok {
				models[name] = statsBlock{}
			}
		}
		resp.Models = models
	}

	if agg.Total == 0 {
		resp.Empty = true
		resp.Message = "no requests recorded in the selected window"
	}

	writeJSON(ctx, resp)
}

// ── GET /v1/requests ─────────────────────────────────────────────────────────

const (
	defaultPerPage = 20
	maxPerPage     = 100
)

type (
	requestTokens struct {
		Input  *int64 `json:"input"`
		Output *int64 `json:"output"`
	}
	requestCost struct {
		Sats *float64 `json:"sats"`
	}
	requestTiming struct {
		LatencyMs        int64  `json:"latency_ms"`
		StreamDurationMs *int64 `json:"stream_duration_ms,omitempty"`
	}
	requestError struct {
		Message string `json:"message"`
	}
	requestJSON struct {
		CorrelationID  string        `json:"correlation_id"`
		Timestamp      string        `json:"timestamp"`
		Model          string        `json:"model"`
		Provider       string        `json:"provider"`
		Policy         *string       `json:"policy,omitempty"`
		Streaming      bool          `json:"streaming"`
		Success        bool          `json:"success"`
		Retries        int64         `json:"retries"`
		ProvidersTried string        `json:"providers_tried,omitempty"`
		Tokens         requestTokens `json:"tokens"`
		Cost           requestCost   `json:"cost"`
		Timing         requestTiming `json:"timing"`
		Error          *requestError `json:"error,omitempty"`
	}
	requestsResponse struct {
		Page       int           `json:"page"`
		PerPage    int           `json:"per_page"`
		Total      int64         `json:"total"`
		TotalPages int64         `json:"total_pages"`
		Data       []requestJSON `json:"data"`
	}
)

func (g *Gateway) handleRequests(ctx *fasthttp.RequestCtx) {
	if g.reader == nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, "request log unavailable")
		return
	}

	args := ctx.QueryArgs()
	since, until, aerr := parseWindow(args)
	if aerr != nil {
		apierr.WriteError(ctx, aerr)
		return
	}

	model := string(args.Peek("model"))
	provider := string(args.Peek("provider"))
	if !g.checkFilters(ctx, model, provider) {
		return
	}

	f := store.Filter{Since: since, Until: until, Model: model, Provider: provider}

	for _, name := range []string{"success", "streaming"} {
		raw := string(args.Peek(name))
		if raw == "" {
			continue
		}
		v, err := strconv.ParseBool(raw)
		if err != nil {
			apierr.WriteError(ctx, apierr.BadRequest("invalid '%s' value %q", name, raw))
			return
		}
		if name == "success" {
			f.Success = &v
		} else {
			f.Streaming = &v
		}
	}

	sortBy := string(args.Peek("sort"))
	if sortBy == "" {
		sortBy = "timestamp"
	}
	if !store.ValidSortColumn(sortBy) {
		apierr.WriteError(ctx, apierr.BadRequest("invalid sort column %q", sortBy))
		return
	}

	order := strings.ToLower(string(args.Peek("order")))
	switch order {
	case "":
		order = "desc"
	case "asc", "desc":
	default:
		apierr.WriteError(ctx, apierr.BadRequest("invalid order %q; must be asc or desc", order))
		return
	}

	page := args.GetUintOrZero("page")
	if page < 1 {
		page = 1
	}
	perPage := args.GetUintOrZero("per_page")
	if perPage == 0 {
		perPage = defaultPerPage
	}
	if perPage < 1 {
		perPage = 1
	}
	if perPage > maxPerPage {
		perPage = maxPerPage
	}

	rows, total, err := g.reader.Requests(ctx, f, store.PageRequest{
		Sort:    sortBy,
		Desc:    order == "desc",
		Page:    page,
		PerPage: perPage,
	})
	if err != nil {
		apierr.WriteError(ctx, apierr.Internal(err))
		return
	}

	data := make([]requestJSON, 0, len(rows))
	for _, rec := range rows {
		rj := requestJSON{
			CorrelationID:  rec.CorrelationID,
			Timestamp:      store.FormatTime(rec.Timestamp),
			Model:          rec.Model,
			Provider:       rec.Provider,
			Policy:         rec.Policy,
			Streaming:      rec.Streaming,
			Success:        rec.Success,
			Retries:        rec.Retries,
			ProvidersTried: rec.ProvidersTried,
			Tokens:         requestTokens{Input: rec.InputTokens, Output: rec.OutputTokens},
			Cost:           requestCost{Sats: rec.CostSats},
			Timing:         requestTiming{LatencyMs: rec.LatencyMs, StreamDurationMs: rec.StreamDurationMs},
		}
		if rec.ErrorMessage != nil {
			rj.Error = &requestError{Message: *rec.ErrorMessage}
		}
		data = append(data, rj)
	}

	totalPages := (total + int64(perPage) - 1) / int64(perPage)
	writeJSON(ctx, requestsResponse{
		Page:       page,
		PerPage:    perPage,
		Total:      total,
		TotalPages: totalPages,
		Data:       data,
	})
}

// ── GET /v1/models and GET /providers ────────────────────────────────────────

type (
	modelJSON struct {
		ID     string `json:"id"`
		Object string `json:"object"`
	}
	modelsResponse struct {
		Object string      `json:"object"`
		Data   []modelJSON `json:"data"`
	}
)

func (g *Gateway) handleModels(ctx *fasthttp.RequestCtx) {
	names := g.cfg.ModelSet()
	data := make([]modelJSON, 0, len(names))
	for _, name := range names {
		data = append(data, modelJSON{ID: name, Object: "model"})
	}
	writeJSON(ctx, modelsResponse{Object: "list", Data: data})
}

type providerJSON struct {
	Name       string   `json:"name"`
	URL        string   `json:"url"`
	Models     []string `json:"models"`
	InputRate  int64    `json:"input_rate"`
	OutputRate int64    `json:"output_rate"`
	BaseFee    int64    `json:"base_fee"`
	APIKey     string   `json:"api_key"`
}

func (g *Gateway) handleProviders(ctx *fasthttp.RequestCtx) {
	out := make([]providerJSON, 0, len(g.cfg.Providers))
	for i := range g.cfg.Providers {
		p := &g.cfg.Providers[i]
		out = append(out, providerJSON{
			Name:       p.Name,
			URL:        p.URL,
			Models:     p.Models,
			InputRate:  p.InputRate,
			OutputRate: p.OutputRate,
			BaseFee:    p.BaseFee,
			APIKey:     p.MaskedKey(),
		})
	}
	writeJSON(ctx, map[string]any{"providers": out})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
