package history

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/NodePath81/edgeprobe/internal/model"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func testResult(ts, measID string, downloadMbps float64) *model.RunResult {
	median := 12.5
	return &model.RunResult{
		TimestampUTC: ts,
		BaseURL:      "https://speed.example.com",
		MeasID:       measID,
		Server:       "AMS - Amsterdam - NL",
		IdleLatency:  model.LatencySummary{Sent: 8, Received: 8, MedianMs: &median},
		Download:     model.ThroughputSummary{Bytes: 1_000_000, Mbps: downloadMbps},
		Upload:       model.ThroughputSummary{Bytes: 500_000, Mbps: 20},
	}
}

func TestSaveAndRecent(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	if err := st.Save(ctx, testResult("2026-08-25T10:00:00Z", "aaaa", 80)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := st.Save(ctx, testResult("2026-08-26T10:00:00Z", "bbbb", 95)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	entries, err := st.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d", len(entries))
	}
	if entries[0].Result.MeasID != "bbbb" {
		t.Fatalf("newest first violated: %q", entries[0].Result.MeasID)
	}
	if entries[0].Result.Download.Mbps != 95 {
		t.Fatalf("round trip lost data: %+v", entries[0].Result.Download)
	}
	if entries[1].Result.IdleLatency.MedianMs == nil {
		t.Fatal("median lost in round trip")
	}
}

func TestRecentHonorsLimit(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		ts := "2026-08-2" + string(rune('0'+i)) + "T10:00:00Z"
		if err := st.Save(ctx, testResult(ts, "run", 50)); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	entries, err := st.Recent(ctx, 3)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
}

func TestExportCSV(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	if err := st.Save(ctx, testResult("2026-08-26T10:00:00Z", "cccc", 42)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	var buf bytes.Buffer
	if err := st.ExportCSV(ctx, &buf); err != nil {
		t.Fatalf("ExportCSV: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("csv lines = %d: %q", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[0], "timestamp_utc,") {
		t.Fatalf("header = %q", lines[0])
	}
	if !strings.Contains(lines[1], "cccc") || !strings.Contains(lines[1], "42.000") {
		t.Fatalf("row = %q", lines[1])
	}
}

func TestExportJSON(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	if err := st.Save(ctx, testResult("2026-08-26T10:00:00Z", "dddd", 33)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	var buf bytes.Buffer
	if err := st.ExportJSON(ctx, &buf); err != nil {
		t.Fatalf("ExportJSON: %v", err)
	}
	var results []model.RunResult
	if err := json.Unmarshal(buf.Bytes(), &results); err != nil {
		t.Fatalf("decode export: %v", err)
	}
	if len(results) != 1 || results[0].MeasID != "dddd" {
		t.Fatalf("export = %+v", results)
	}
}
