package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) (*Writer, *Reader) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "arbstr.db")

	w, err := Open(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })

	r, err := OpenReader(path)
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })

	return w, r
}

// waitRows blocks until the reader sees at least want rows matching f, by
// polling the row count.
func waitRows(t *testing.T, r *Reader, f Filter, want int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		agg, err := r.Stats(context.Background(), f)
		if err == nil && agg.Total >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("writer did not apply %d rows in time", want)
}

func sampleRecord(id string, at time.Time) RequestRecord {
	cost := 3.5
	in, out := int64(100), int64(200)
	return RequestRecord{
		CorrelationID:  id,
		Timestamp:      at,
		Model:          "gpt-4o",
		Provider:       "cheap",
		Streaming:      false,
		InputTokens:    &in,
		OutputTokens:   &out,
		CostSats:       &cost,
		LatencyMs:      42,
		Success:        true,
		Retries:        0,
		ProvidersTried: "cheap",
	}
}

func TestWriter_InsertAndReadBack(t *testing.T) {
	w, r := openTestStore(t)

	now := time.Now().UTC()
	w.Insert(sampleRecord("corr-a", now))
	waitRows(t, r, Filter{}, 1)

	agg, err := r.Stats(context.Background(), Filter{
		Since: now.Add(-time.Minute),
		Until: now.Add(time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}
	if agg.Total != 1 || agg.SuccessCount != 1 || agg.ErrorCount != 0 {
		t.Errorf("counts = %+v", agg)
	}
	if agg.TotalCostSats != 3.5 {
		t.Errorf("total cost = %v, want 3.5", agg.TotalCostSats)
	}
	if agg.TotalInputTokens != 100 || agg.TotalOutputTokens != 200 {
		t.Errorf("tokens = %d/%d", agg.TotalInputTokens, agg.TotalOutputTokens)
	}
	if agg.AvgLatencyMs != 42 {
		t.Errorf("avg latency = %v", agg.AvgLatencyMs)
	}
}

func TestWriter_EmptyWindowAggregatesToZero(t *testing.T) {
	w, r := openTestStore(t)
	w.Insert(sampleRecord("corr-b", time.Now().UTC()))
	waitRows(t, r, Filter{}, 1)

	// A window in the distant past holds nothing.
	agg, err := r.Stats(context.Background(), Filter{
		Since: time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC),
		Until: time.Date(2000, 1, 2, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatal(err)
	}
	if agg.Total != 0 {
		t.Errorf("total = %d, want 0", agg.Total)
	}
	// TOTAL() gives 0.0 for empty sets where SUM() would give NULL.
	if agg.TotalCostSats != 0.0 || agg.AvgLatencyMs != 0.0 {
		t.Errorf("empty window should aggregate to zeros, got %+v", agg)
	}
}

func TestWriter_InsertThenUpdateUsage(t *testing.T) {
	w, r := openTestStore(t)

	now := time.Now().UTC()
	rec := sampleRecord("corr-c", now)
	rec.Streaming = true
	rec.InputTokens = nil
	rec.OutputTokens = nil
	rec.CostSats = nil
	w.Insert(rec)

	in, out := int64(12), int64(34)
	cost := 0.58
	dur := int64(1234)
	errMsg := "stream_incomplete"
	w.UpdateUsage(UsageUpdate{
		CorrelationID:    "corr-c",
		InputTokens:      &in,
		OutputTokens:     &out,
		CostSats:         &cost,
		StreamDurationMs: &dur,
		Success:          false,
		ErrorMessage:     &errMsg,
	})

	waitRows(t, r, Filter{}, 1)

	// Poll until the update has landed too (same goroutine, so once the row
	// reflects the update we know ordering held).
	deadline := time.Now().Add(2 * time.Second)
	for {
		rows, _, err := r.Requests(context.Background(), Filter{}, PageRequest{Page: 1, PerPage: 10})
		if err != nil {
			t.Fatal(err)
		}
		if len(rows) == 1 && rows[0].CostSats != nil {
			got := rows[0]
			if *got.CostSats != 0.58 || *got.InputTokens != 12 || *got.OutputTokens != 34 {
				t.Errorf("update did not apply: %+v", got)
			}
			if got.Success {
				t.Error("success should be false after the update")
			}
			if got.ErrorMessage == nil || *got.ErrorMessage != "stream_incomplete" {
				t.Errorf("error message = %v", got.ErrorMessage)
			}
			if got.StreamDurationMs == nil || *got.StreamDurationMs != 1234 {
				t.Errorf("stream duration = %v", got.StreamDurationMs)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("usage update never applied")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWriter_UpdateWithoutInsertWarnsOnly(t *testing.T) {
	w, r := openTestStore(t)

	// Must not panic or error the caller.
	w.UpdateUsage(UsageUpdate{CorrelationID: "never-inserted", Success: true})

	w.Insert(sampleRecord("corr-d", time.Now().UTC()))
	waitRows(t, r, Filter{}, 1)
}

func TestReader_FiltersAreCaseInsensitive(t *testing.T) {
	w, r := openTestStore(t)
	w.Insert(sampleRecord("corr-e", time.Now().UTC()))
	waitRows(t, r, Filter{}, 1)

	agg, err := r.Stats(context.Background(), Filter{Model: "GPT-4O", Provider: "CHEAP"})
	if err != nil {
		t.Fatal(err)
	}
	if agg.Total != 1 {
		t.Errorf("case-insensitive filter should match, got %d", agg.Total)
	}
}

func TestReader_StatsByModel(t *testing.T) {
	w, r := openTestStore(t)

	now := time.Now().UTC()
	a := sampleRecord("corr-f", now)
	b := sampleRecord("corr-g", now)
	b.Model = "gpt-4o-mini"
	w.Insert(a)
	w.Insert(b)
	waitRows(t, r, Filter{}, 2)

	byModel, err := r.StatsByModel(context.Background(), Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(byModel) != 2 {
		t.Fatalf("groups = %d, want 2", len(byModel))
	}
	if byModel["gpt-4o"].Total != 1 || byModel["gpt-4o-mini"].Total != 1 {
		t.Errorf("per-model totals wrong: %+v", byModel)
	}
}

func TestReader_Pagination(t *testing.T) {
	w, r := openTestStore(t)

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		rec := sampleRecord(correlate(i), base.Add(time.Duration(i)*time.Minute))
		cost := float64(i)
		rec.CostSats = &cost
		w.Insert(rec)
	}
	waitRows(t, r, Filter{}, 5)

	rows, total, err := r.Requests(context.Background(), Filter{},
		PageRequest{Sort: "timestamp", Desc: false, Page: 2, PerPage: 2})
	if err != nil {
		t.Fatal(err)
	}
	if total != 5 {
		t.Errorf("total = %d", total)
	}
	if len(rows) != 2 {
		t.Fatalf("page 2 should hold 2 rows, got %d", len(rows))
	}
	if rows[0].CorrelationID != "corr-2" || rows[1].CorrelationID != "corr-3" {
		t.Errorf("page 2 rows = %s, %s", rows[0].CorrelationID, rows[1].CorrelationID)
	}

	// Out-of-range page: empty data, same total.
	rows, total, err = r.Requests(context.Background(), Filter{},
		PageRequest{Sort: "timestamp", Page: 9, PerPage: 2})
	if err != nil {
		t.Fatal(err)
	}
	if total != 5 || len(rows) != 0 {
		t.Errorf("out-of-range page: total=%d rows=%d", total, len(rows))
	}
}

func TestReader_SortByCost(t *testing.T) {
	w, r := openTestStore(t)

	now := time.Now().UTC()
	for i, c := range []float64{2.5, 0.5, 9.0} {
		rec := sampleRecord(correlate(i), now.Add(time.Duration(i)*time.Second))
		cost := c
		rec.CostSats = &cost
		w.Insert(rec)
	}
	waitRows(t, r, Filter{}, 3)

	rows, _, err := r.Requests(context.Background(), Filter{},
		PageRequest{Sort: "cost_sats", Desc: true, Page: 1, PerPage: 10})
	if err != nil {
		t.Fatal(err)
	}
	if *rows[0].CostSats != 9.0 || *rows[2].CostSats != 0.5 {
		t.Errorf("descending cost sort wrong: %v, %v, %v",
			*rows[0].CostSats, *rows[1].CostSats, *rows[2].CostSats)
	}
}

func TestReader_SeenHelpers(t *testing.T) {
	w, r := openTestStore(t)
	w.Insert(sampleRecord("corr-h", time.Now().UTC()))
	waitRows(t, r, Filter{}, 1)

	if ok, _ := r.ModelSeen(context.Background(), "gpt-4o"); !ok {
		t.Error("gpt-4o should be seen")
	}
	if ok, _ := r.ModelSeen(context.Background(), "never-used"); ok {
		t.Error("never-used should not be seen")
	}
	if ok, _ := r.ProviderSeen(context.Background(), "CHEAP"); !ok {
		t.Error("provider lookup should be case-insensitive")
	}
}

func TestValidSortColumn(t *testing.T) {
	for _, ok := range []string{"timestamp", "cost_sats", "latency_ms"} {
		if !ValidSortColumn(ok) {
			t.Errorf("%s should be valid", ok)
		}
	}
	for _, bad := range []string{"id", "provider", "timestamp; DROP TABLE requests"} {
		if ValidSortColumn(bad) {
			t.Errorf("%s must be rejected", bad)
		}
	}
}

func correlate(i int) string {
	return "corr-" + string(rune('0'+i))
}
