package exporter

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/khzaw/rangoonpulse/pkg/types"
)

type fakeFetcher struct {
	json      string
	md        string
	mode      string
	lastRunAt time.Time
	err       error
}

func (f *fakeFetcher) FetchLatest(ctx context.Context) (string, string, string, time.Time, error) {
	return f.json, f.md, f.mode, f.lastRunAt, f.err
}

func sampleReportJSON(t *testing.T) string {
	t.Helper()
	pct := 42.0
	r := types.Report{
		Mode:                 "apply-pr",
		CoverageDaysEstimate: 20,
		Summary:              types.ReportSummary{RecommendationCount: 3, UpsizeCount: 2, DownsizeCount: 1},
		Budget: types.BudgetSnapshot{
			AllocatableCPUM:   10000,
			AllocatableMemMi:  20000,
			CurrentPercentCPU: &pct,
		},
	}
	b, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("marshal sample report: %v", err)
	}
	return string(b)
}

func TestRefresh_PopulatesSnapshotOnSuccess(t *testing.T) {
	f := &fakeFetcher{json: sampleReportJSON(t), md: "# report", mode: "apply-pr", lastRunAt: time.Now()}
	e := New(f, time.Minute)

	e.refresh(context.Background())

	snap := e.snapshotCopy()
	if !snap.lastFetchOK {
		t.Fatalf("expected lastFetchOK=true, error=%q", snap.lastError)
	}
	if snap.report.Summary.RecommendationCount != 3 {
		t.Errorf("report not decoded into snapshot: %+v", snap.report)
	}
}

func TestRefresh_RecordsErrorOnFetchFailure(t *testing.T) {
	f := &fakeFetcher{err: context.DeadlineExceeded}
	e := New(f, time.Minute)

	e.refresh(context.Background())

	snap := e.snapshotCopy()
	if snap.lastFetchOK {
		t.Error("expected lastFetchOK=false on fetch error")
	}
	if snap.lastError == "" {
		t.Error("expected lastError to be recorded")
	}
}

func TestHandler_LatestJSONBeforeFirstFetch(t *testing.T) {
	e := New(&fakeFetcher{}, time.Minute)
	srv := httptest.NewServer(e.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/latest.json")
	if err != nil {
		t.Fatalf("GET /latest.json: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 503 {
		t.Errorf("status = %d, want 503 before any successful fetch", resp.StatusCode)
	}
}

func TestHandler_LatestJSONAfterFetch(t *testing.T) {
	f := &fakeFetcher{json: sampleReportJSON(t), md: "# report", mode: "report", lastRunAt: time.Now()}
	e := New(f, time.Minute)
	e.refresh(context.Background())

	srv := httptest.NewServer(e.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/latest.json")
	if err != nil {
		t.Fatalf("GET /latest.json: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestHandler_Healthz(t *testing.T) {
	e := New(&fakeFetcher{}, time.Minute)
	srv := httptest.NewServer(e.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestHandler_IndexRendersModeAndLastRun(t *testing.T) {
	lastRun := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	f := &fakeFetcher{json: sampleReportJSON(t), md: "# report body", mode: "apply-pr", lastRunAt: lastRun}
	e := New(f, time.Minute)
	e.refresh(context.Background())

	srv := httptest.NewServer(e.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), "Mode: apply-pr") {
		t.Errorf("index page missing mode:\n%s", body)
	}
	if !strings.Contains(string(body), "2026-01-02T03:04:05Z") {
		t.Errorf("index page missing last-run timestamp:\n%s", body)
	}
}

func TestNew_ClampsIntervalToMinimum(t *testing.T) {
	e := New(&fakeFetcher{}, time.Second)
	if e.interval < 5*time.Second {
		t.Errorf("interval = %v, want clamped to >= 5s", e.interval)
	}
}
