package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Reader answers aggregate and paginated queries over the request log. It
// holds its own read-only pool, disjoint from the Writer, and applies no
// migrations.
type Reader struct {
	db *sql.DB
}

// OpenReader opens the read-only pool at path.
func OpenReader(path string) (*Reader, error) {
	dsn := "file:" + path + "?mode=ro&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open reader %s: %w", path, err)
	}
	db.SetMaxOpenConns(readPoolMaxConns)
	return &Reader{db: db}, nil
}

func (r *Reader) Close() error { return r.db.Close() }

// Filter narrows a stats or requests query. Model and Provider are
// case-insensitive exact matches; zero time bounds are not applied.
type Filter struct {
	Since     time.Time
	Until     time.Time
	Model     string
	Provider  string
	Success   *bool
	Streaming *bool
}

// Aggregate is one row of aggregated request statistics.
type Aggregate struct {
	Total             int64
	SuccessCount      int64
	ErrorCount        int64
	StreamingCount    int64
	TotalCostSats     float64
	TotalInputTokens  int64
	TotalOutputTokens int64
	AvgLatencyMs      float64
}

// whereClause builds the shared WHERE fragment and its arguments.
func (f *Filter) whereClause() (string, []any) {
	var conds []string
	var args []any

	if !f.Since.IsZero() {
		conds = append(conds, "timestamp >= ?")
		args = append(args, FormatTime(f.Since))
	}
	if !f.Until.IsZero() {
		conds = append(conds, "timestamp < ?")
		args = append(args, FormatTime(f.Until))
	}
	if f.Model != "" {
		conds = append(conds, "LOWER(model) = LOWER(?)")
		args = append(args, f.Model)
	}
	if f.Provider != "" {
		conds = append(conds, "LOWER(provider) = LOWER(?)")
		args = append(args, f.Provider)
	}
	if f.Success != nil {
		conds = append(conds, "success = ?")
		args = append(args, *f.Success)
	}
	if f.Streaming != nil {
		conds = append(conds, "streaming = ?")
		args = append(args, *f.Streaming)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// TOTAL() instead of SUM() so empty windows aggregate to 0.0, not NULL.
const aggregateColumns = `
	COUNT(*),
	COUNT(CASE WHEN success = 1 THEN 1 END),
	COUNT(CASE WHEN success = 0 THEN 1 END),
	COUNT(CASE WHEN streaming = 1 THEN 1 END),
	TOTAL(cost_sats),
	TOTAL(input_tokens),
	TOTAL(output_tokens),
	COALESCE(AVG(latency_ms), 0.0)`

// Stats returns the single aggregate row for the filter window.
func (r *Reader) Stats(ctx context.Context, f Filter) (Aggregate, error) {
	where, args := f.whereClause()

	var a Aggregate
	err := r.db.QueryRowContext(ctx,
		"SELECT"+aggregateColumns+" FROM requests"+where, args...,
	).Scan(
		&a.Total, &a.SuccessCount, &a.ErrorCount, &a.StreamingCount,
		&a.TotalCostSats, &a.TotalInputTokens, &a.TotalOutputTokens,
		&a.AvgLatencyMs,
	)
	if err != nil {
		return Aggregate{}, fmt.Errorf("store: stats: %w", err)
	}
	return a, nil
}

// StatsByModel returns per-model aggregates for the filter window, keyed by
// the model name as stored.
func (r *Reader) StatsByModel(ctx context.Context, f Filter) (map[string]Aggregate, error) {
	where, args := f.whereClause()

	rows, err := r.db.QueryContext(ctx,
		"SELECT model,"+aggregateColumns+" FROM requests"+where+" GROUP BY model", args...,
	)
	if err != nil {
		return nil, fmt.Errorf("store: stats by model: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Aggregate)
	for rows.Next() {
		var model string
		var a Aggregate
		if err := rows.Scan(
			&model,
			&a.Total, &a.SuccessCount, &a.ErrorCount, &a.StreamingCount,
			&a.TotalCostSats, &a.TotalInputTokens, &a.TotalOutputTokens,
			&a.AvgLatencyMs,
		); err != nil {
			return nil, fmt.Errorf("store: stats by model scan: %w", err)
		}
		out[model] = a
	}
	return out, rows.Err()
}

// sortColumns is the ORDER BY whitelist. User input never reaches the SQL
// text directly.
var sortColumns = map[string]string{
	"timestamp":  "timestamp",
	"cost_sats":  "cost_sats",
	"latency_ms": "latency_ms",
}

// ValidSortColumn reports whether name may be used in ORDER BY.
func ValidSortColumn(name string) bool {
	_, ok := sortColumns[name]
	return ok
}

// PageRequest controls sorting and pagination for Requests.
type PageRequest struct {
	Sort    string // one of sortColumns; default "timestamp"
	Desc    bool
	Page    int // 1-based
	PerPage int // clamped to [1,100] by the caller
}

// Requests returns one page of matching rows plus the unpaginated total.
func (r *Reader) Requests(ctx context.Context, f Filter, p PageRequest) ([]RequestRecord, int64, error) {
	where, args := f.whereClause()

	var total int64
	if err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM requests"+where, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("store: requests count: %w", err)
	}

	col, ok := sortColumns[p.Sort]
	if !ok {
		col = "timestamp"
	}
	dir := "ASC"
	if p.Desc {
		dir = "DESC"
	}

	offset := (p.Page - 1) * p.PerPage
	query := fmt.Sprintf(`
		SELECT correlation_id, timestamp, model, provider, policy, streaming,
		       input_tokens, output_tokens, cost_sats, latency_ms,
		       stream_duration_ms, success, error_message, retries, providers_tried
		FROM requests%s ORDER BY %s %s, id %s LIMIT ? OFFSET ?`, where, col, dir, dir)

	rows, err := r.db.QueryContext(ctx, query, append(args, p.PerPage, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("store: requests: %w", err)
	}
	defer rows.Close()

	var out []RequestRecord
	for rows.Next() {
		var rec RequestRecord
		var ts string
		if err := rows.Scan(
			&rec.CorrelationID, &ts, &rec.Model, &rec.Provider, &rec.Policy,
			&rec.Streaming, &rec.InputTokens, &rec.OutputTokens, &rec.CostSats,
			&rec.LatencyMs, &rec.StreamDurationMs, &rec.Success,
			&rec.ErrorMessage, &rec.Retries, &rec.ProvidersTried,
		); err != nil {
			return nil, 0, fmt.Errorf("store: requests scan: %w", err)
		}
		if t, err := time.Parse(timeLayout, ts); err == nil {
			rec.Timestamp = t
		}
		out = append(out, rec)
	}
	return out, total, rows.Err()
}

// ModelSeen reports whether any logged request used the model.
func (r *Reader) ModelSeen(ctx context.Context, model string) (bool, error) {
	return r.seen(ctx, "model", model)
}

// ProviderSeen reports whether any logged request used the provider.
func (r *Reader) ProviderSeen(ctx context.Context, provider string) (bool, error) {
	return r.seen(ctx, "provider", provider)
}

func (r *Reader) seen(ctx context.Context, column, value string) (bool, error) {
	// column is one of two compile-time constants, never user input.
	var exists bool
	err := r.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM requests WHERE LOWER("+column+") = LOWER(?))", value,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("store: %s seen: %w", column, err)
	}
	return exists, nil
}
