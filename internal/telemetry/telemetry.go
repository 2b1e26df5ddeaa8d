// Package telemetry implements the advisor's telemetry gateway (C2): it
// executes scalar instant queries against a Prometheus-compatible
// time-series source and reduces the result to a best value or absent.
//
// The HTTP call shape (a http.Client with a fixed timeout, a query string
// built by hand and url.QueryEscape-d, decoding the Prometheus response
// envelope into an anonymous struct) is grounded on the teacher's
// pkg/agent/slo_checker.go SLOChecker. The PromQL-construction style
// (explicit query-builder methods, regexp.QuoteMeta escaping of the
// workload name inside the pod regex, strconv.Quote for label values) is
// grounded on the other_examples kubenow internal/metrics QueryBuilder.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"k8s.io/klog/v2"

	"github.com/khzaw/rangoonpulse/pkg/types"
)

// Gateway executes scalar PromQL instant queries with a bounded timeout.
type Gateway struct {
	baseURL    string
	httpClient *http.Client
}

// New constructs a Gateway against baseURL (e.g. http://prometheus:9090).
// The spec caps telemetry calls at 45s; New bakes that in as the
// client timeout so every call site inherits it without repeating it.
func New(baseURL string) *Gateway {
	return &Gateway{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 45 * time.Second},
	}
}

// instantQueryEnvelope mirrors the subset of the Prometheus HTTP API's
// instant-query response this gateway reads.
type instantQueryEnvelope struct {
	Status string `json:"status"`
	Data   struct {
		ResultType string `json:"resultType"`
		Result     []struct {
			Value []interface{} `json:"value"`
		} `json:"result"`
	} `json:"data"`
}

// QueryScalar executes expr as an instant query and reduces the result by
// maximum across returned rows. ok is false on transport error,
// non-success status, an empty result set, or an unparseable sample
// value — any of these is logged and treated as "no data for this item"
// by the caller, never as a fatal condition.
func (g *Gateway) QueryScalar(ctx context.Context, expr string) (value float64, ok bool) {
	if g == nil || g.baseURL == "" {
		return 0, false
	}

	reqURL := fmt.Sprintf("%s/api/v1/query?query=%s", g.baseURL, url.QueryEscape(expr))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		klog.V(2).InfoS("Telemetry query build failed", "expr", expr, "err", err)
		return 0, false
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		klog.V(2).InfoS("Telemetry query transport error", "expr", expr, "err", err)
		return 0, false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		klog.V(2).InfoS("Telemetry query non-success status", "expr", expr, "status", resp.StatusCode)
		return 0, false
	}

	var env instantQueryEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		klog.V(2).InfoS("Telemetry query unparseable envelope", "expr", expr, "err", err)
		return 0, false
	}
	if env.Status != "success" {
		klog.V(2).InfoS("Telemetry query envelope reported failure", "expr", expr, "status", env.Status)
		return 0, false
	}
	if len(env.Data.Result) == 0 {
		return 0, false
	}

	best := 0.0
	found := false
	for _, row := range env.Data.Result {
		v, rowOK := parseSampleValue(row.Value)
		if !rowOK {
			continue
		}
		if !found || v > best {
			best = v
			found = true
		}
	}
	return best, found
}

// parseSampleValue reads the [timestamp, "value"] pair the Prometheus API
// returns for a single instant-query sample.
func parseSampleValue(value []interface{}) (float64, bool) {
	if len(value) != 2 {
		return 0, false
	}
	s, ok := value[1].(string)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// escapeLabel quotes s for use as a PromQL label-matcher value.
func escapeLabel(s string) string {
	return strconv.Quote(s)
}

// escapeRegexLiteral regexp.QuoteMeta's a workload name for embedding in a
// PromQL regex matcher, matching the kubenow QueryBuilder idiom.
func escapeRegexLiteral(s string) string {
	return regexp.QuoteMeta(s)
}

// PodRegex derives the pod-name regex family for a workload, per spec
// §4.2: a statefulset's pods are ordinal-suffixed ("W-0", "W-1", ...); any
// other kind uses the pod-template-hash suffix shape.
func PodRegex(kind types.WorkloadKind, workloadName string) string {
	escaped := escapeRegexLiteral(workloadName)
	if kind == types.KindStatefulSet {
		return escaped + "-[0-9]+"
	}
	return escaped + "-.+"
}

// CPUP95Query builds the CPU p95 query for one (namespace, workload,
// container), literally as specified: a 0.95 quantile over a 5m rate,
// subqueried over the configured window/resolution.
func CPUP95Query(namespace string, kind types.WorkloadKind, workloadName, container, window, resolution string) string {
	pod := PodRegex(kind, workloadName)
	return fmt.Sprintf(
		`quantile_over_time(0.95, rate(container_cpu_usage_seconds_total{namespace=%s,pod=~%s,container=%s,image!=""}[5m])[%s:%s])`,
		escapeLabel(namespace), escapeLabel(pod), escapeLabel(container), window, resolution,
	)
}

// MemP95Query builds the memory p95 query for one container.
func MemP95Query(namespace string, kind types.WorkloadKind, workloadName, container, window, resolution string) string {
	pod := PodRegex(kind, workloadName)
	return fmt.Sprintf(
		`quantile_over_time(0.95, container_memory_working_set_bytes{namespace=%s,pod=~%s,container=%s,image!=""}[%s:%s])`,
		escapeLabel(namespace), escapeLabel(pod), escapeLabel(container), window, resolution,
	)
}

// RestartsQuery builds the restart-count-over-window query for one container.
func RestartsQuery(namespace string, kind types.WorkloadKind, workloadName, container, window string) string {
	pod := PodRegex(kind, workloadName)
	return fmt.Sprintf(
		`sum(increase(kube_pod_container_status_restarts_total{namespace=%s,pod=~%s,container=%s}[%s]))`,
		escapeLabel(namespace), escapeLabel(pod), escapeLabel(container), window,
	)
}

// CoverageDaysQuery builds the primary coverage-days estimate query.
func CoverageDaysQuery() string {
	return `(time() - (max(prometheus_tsdb_lowest_timestamp) / 1000)) / 86400`
}

// CoverageDaysFallbackQuery builds the coverage-days fallback query, used
// when the primary query returns absent (e.g. the TSDB metric isn't
// exposed by this Prometheus build).
func CoverageDaysFallbackQuery() string {
	return `(time() - max(process_start_time_seconds{job=~".*prometheus.*"})) / 86400`
}

// CoverageDays executes the coverage-days query with its documented
// fallback and returns the estimate, or 0 if neither query yields data.
func (g *Gateway) CoverageDays(ctx context.Context) float64 {
	if v, ok := g.QueryScalar(ctx, CoverageDaysQuery()); ok {
		return v
	}
	if v, ok := g.QueryScalar(ctx, CoverageDaysFallbackQuery()); ok {
		return v
	}
	klog.V(2).InfoS("Coverage-days query and fallback both returned no data")
	return 0
}

// Sample gathers the full UsageSample for one container, querying CPU,
// memory and restarts independently so that a single absent metric
// doesn't suppress the others.
func (g *Gateway) Sample(ctx context.Context, namespace string, kind types.WorkloadKind, workloadName, container, window, resolution string) types.UsageSample {
	var sample types.UsageSample

	if v, ok := g.QueryScalar(ctx, CPUP95Query(namespace, kind, workloadName, container, window, resolution)); ok {
		milli := v * 1000
		sample.CPUP95Milli = &milli
	}
	if v, ok := g.QueryScalar(ctx, MemP95Query(namespace, kind, workloadName, container, window, resolution)); ok {
		mi := v / (1024 * 1024)
		sample.MemP95Mi = &mi
	}
	if v, ok := g.QueryScalar(ctx, RestartsQuery(namespace, kind, workloadName, container, window)); ok {
		restarts := v
		sample.RestartsInWindow = &restarts
	}

	return sample
}
