// Package exporter implements the advisor's passive scrape endpoint
// (C9): a periodic refresher fetches the published report blob and a
// shared snapshot backs /metrics, /latest.json, /latest.md, / and
// /healthz.
//
// The gauge declarations follow pkg/agent/metrics.go's promauto idiom
// (package-level GaugeVec/Gauge vars, one Record*-style setter); the
// refresher/handler split over one mutex-guarded snapshot follows
// pkg/agent/health.go's HealthServer (counters written by the agent,
// read under RLock by ServeHTTP).
package exporter

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"

	"github.com/khzaw/rangoonpulse/pkg/types"
)

var (
	metricFetchSuccess = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "advisor",
		Name:      "fetch_success",
		Help:      "1 if the last blob fetch succeeded, else 0.",
	})
	metricLastFetchTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "advisor",
		Name:      "last_fetch_timestamp_seconds",
		Help:      "Unix timestamp of the last blob fetch attempt.",
	})
	metricLastRunTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "advisor",
		Name:      "last_run_timestamp_seconds",
		Help:      "Unix timestamp the published report was generated at.",
	})
	metricCoverageDays = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "advisor",
		Name:      "coverage_days",
		Help:      "Estimated telemetry coverage window, in days.",
	})
	metricRecommendationCount = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "advisor",
		Name:      "recommendation_count",
		Help:      "Total recommendations in the latest report.",
	})
	metricRecommendationsByAction = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "advisor",
		Name:      "recommendations_by_action",
		Help:      "Recommendation count broken down by action.",
	}, []string{"action"})
	metricAllocatableCPU = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "advisor",
		Name:      "allocatable_cpu_millicores",
		Help:      "Cluster-wide allocatable CPU, in millicores.",
	})
	metricAllocatableMem = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "advisor",
		Name:      "allocatable_memory_mebibytes",
		Help:      "Cluster-wide allocatable memory, in mebibytes.",
	})
	metricCurrentPercentCPU = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "advisor",
		Name:      "current_percent_of_allocatable_cpu",
		Help:      "Current CPU requests as a percent of allocatable.",
	})
	metricCurrentPercentMem = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "advisor",
		Name:      "current_percent_of_allocatable_memory",
		Help:      "Current memory requests as a percent of allocatable.",
	})
	metricRecommendedPercentCPU = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "advisor",
		Name:      "recommended_percent_of_allocatable_cpu",
		Help:      "Recommended CPU requests as a percent of allocatable.",
	})
	metricRecommendedPercentMem = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "advisor",
		Name:      "recommended_percent_of_allocatable_memory",
		Help:      "Recommended memory requests as a percent of allocatable.",
	})
)

// BlobFetcher fetches the published report blob. It abstracts the
// publish-side ConfigMap/blob-store client so this package can be
// exercised without a live cluster.
type BlobFetcher interface {
	FetchLatest(ctx context.Context) (latestJSON, latestMD string, mode string, lastRunAt time.Time, err error)
}

// snapshot is the exporter's single shared-state record, per spec §5:
// {last_fetch_at, last_fetch_ok, last_error, report, latest_json,
// latest_md, mode, last_run_at}, protected by one mutex. Only the
// refresher writes; handlers read a copy.
type snapshot struct {
	lastFetchAt time.Time
	lastFetchOK bool
	lastError   string
	report      types.Report
	latestJSON  string
	latestMD    string
	mode        string
	lastRunAt   time.Time
}

// Exporter runs the periodic refresher and serves the HTTP surface.
type Exporter struct {
	fetcher  BlobFetcher
	interval time.Duration

	mu    sync.RWMutex
	state snapshot
}

// New builds an Exporter that refreshes from fetcher at the given
// interval (clamped to at least 5s per spec §9).
func New(fetcher BlobFetcher, interval time.Duration) *Exporter {
	if interval < 5*time.Second {
		interval = 5 * time.Second
	}
	return &Exporter{fetcher: fetcher, interval: interval}
}

// Run blocks, refreshing on the configured interval until ctx is done.
func (e *Exporter) Run(ctx context.Context) {
	e.refresh(ctx)
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.refresh(ctx)
		}
	}
}

func (e *Exporter) refresh(ctx context.Context) {
	latestJSON, latestMD, mode, lastRunAt, err := e.fetcher.FetchLatest(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.state.lastFetchAt = timeNow()
	if err != nil {
		e.state.lastFetchOK = false
		e.state.lastError = err.Error()
		klog.ErrorS(err, "Failed to fetch published report blob")
		metricFetchSuccess.Set(0)
		metricLastFetchTimestamp.Set(float64(e.state.lastFetchAt.Unix()))
		return
	}

	report, parseErr := decodeReport(latestJSON)
	e.state.lastFetchOK = parseErr == nil
	if parseErr != nil {
		e.state.lastError = parseErr.Error()
		klog.ErrorS(parseErr, "Failed to parse published report JSON")
		metricFetchSuccess.Set(0)
		metricLastFetchTimestamp.Set(float64(e.state.lastFetchAt.Unix()))
		return
	}

	e.state.lastError = ""
	e.state.report = report
	e.state.latestJSON = latestJSON
	e.state.latestMD = latestMD
	e.state.mode = mode
	e.state.lastRunAt = lastRunAt

	metricFetchSuccess.Set(1)
	metricLastFetchTimestamp.Set(float64(e.state.lastFetchAt.Unix()))
	metricLastRunTimestamp.Set(float64(lastRunAt.Unix()))
	metricCoverageDays.Set(report.CoverageDaysEstimate)
	metricRecommendationCount.Set(float64(report.Summary.RecommendationCount))
	metricRecommendationsByAction.WithLabelValues("upsize").Set(float64(report.Summary.UpsizeCount))
	metricRecommendationsByAction.WithLabelValues("downsize").Set(float64(report.Summary.DownsizeCount))
	metricAllocatableCPU.Set(report.Budget.AllocatableCPUM)
	metricAllocatableMem.Set(report.Budget.AllocatableMemMi)
	setOptionalGauge(metricCurrentPercentCPU, report.Budget.CurrentPercentCPU)
	setOptionalGauge(metricCurrentPercentMem, report.Budget.CurrentPercentMem)
	setOptionalGauge(metricRecommendedPercentCPU, report.Budget.RecommendedPercentCPU)
	setOptionalGauge(metricRecommendedPercentMem, report.Budget.RecommendedPercentMem)
}

func decodeReport(latestJSON string) (types.Report, error) {
	var r types.Report
	if latestJSON == "" {
		return r, fmt.Errorf("exporter: empty report JSON")
	}
	if err := json.Unmarshal([]byte(latestJSON), &r); err != nil {
		return types.Report{}, fmt.Errorf("exporter: decode report JSON: %w", err)
	}
	return r, nil
}

func setOptionalGauge(g prometheus.Gauge, v *float64) {
	if v == nil {
		return
	}
	g.Set(*v)
}

// timeNow exists purely to keep refresh's clock read in one seam for
// tests; production always calls time.Now.
var timeNow = time.Now

func (e *Exporter) snapshotCopy() snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Handler returns the http.Handler serving /metrics, /latest.json,
// /latest.md, / and /healthz.
func (e *Exporter) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/latest.json", e.handleLatestJSON)
	mux.HandleFunc("/latest.md", e.handleLatestMD)
	mux.HandleFunc("/", e.handleIndex)
	mux.HandleFunc("/healthz", e.handleHealthz)
	return mux
}

func (e *Exporter) handleLatestJSON(w http.ResponseWriter, r *http.Request) {
	s := e.snapshotCopy()
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if s.latestJSON == "" {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.Write([]byte(s.latestJSON))
}

func (e *Exporter) handleLatestMD(w http.ResponseWriter, r *http.Request) {
	s := e.snapshotCopy()
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	if s.latestMD == "" {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.Write([]byte(s.latestMD))
}

func (e *Exporter) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

const indexTemplate = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Resource Advisor</title>
</head>
<body>
<p>Mode: %s</p>
<p>Last run: <span id="last-run">%s</span></p>
<script>
(function() {
  var el = document.getElementById("last-run");
  var d = new Date(el.textContent);
  if (!isNaN(d.getTime())) {
    el.textContent = d.toLocaleString();
  }
})();
</script>
<div>%s</div>
</body>
</html>
`

func (e *Exporter) handleIndex(w http.ResponseWriter, r *http.Request) {
	s := e.snapshotCopy()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	lastRun := ""
	if !s.lastRunAt.IsZero() {
		lastRun = s.lastRunAt.UTC().Format(time.RFC3339)
	}
	body := renderMarkdownBodyPlaceholder(s.latestMD)
	fmt.Fprintf(w, indexTemplate, s.mode, lastRun, body)
}

// renderMarkdownBodyPlaceholder wraps the raw markdown in a <pre> block.
// A full markdown-to-HTML renderer is out of scope for this endpoint;
// the exporter's job is presence, not fidelity of rendering.
func renderMarkdownBodyPlaceholder(md string) string {
	if md == "" {
		return "<pre>(no report yet)</pre>"
	}
	return "<pre>" + htmlEscape(md) + "</pre>"
}

func htmlEscape(s string) string {
	return html.EscapeString(s)
}
