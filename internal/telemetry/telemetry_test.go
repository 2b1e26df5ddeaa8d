package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/khzaw/rangoonpulse/pkg/types"
)

func newTestServer(t *testing.T, body string, status int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
}

func TestQueryScalar_SingleResult(t *testing.T) {
	srv := newTestServer(t, `{"status":"success","data":{"resultType":"vector","result":[{"value":[1,"12.5"]}]}}`, http.StatusOK)
	defer srv.Close()

	g := New(srv.URL)
	v, ok := g.QueryScalar(context.Background(), "up")
	if !ok {
		t.Fatalf("expected ok=true")
	}
	if v != 12.5 {
		t.Errorf("got %v, want 12.5", v)
	}
}

func TestQueryScalar_MaxReduction(t *testing.T) {
	srv := newTestServer(t, `{"status":"success","data":{"resultType":"vector","result":[
		{"value":[1,"3"]},{"value":[1,"9"]},{"value":[1,"5"]}
	]}}`, http.StatusOK)
	defer srv.Close()

	g := New(srv.URL)
	v, ok := g.QueryScalar(context.Background(), "up")
	if !ok || v != 9 {
		t.Errorf("QueryScalar max reduction = %v, %v, want 9, true", v, ok)
	}
}

func TestQueryScalar_EmptyResultIsAbsent(t *testing.T) {
	srv := newTestServer(t, `{"status":"success","data":{"resultType":"vector","result":[]}}`, http.StatusOK)
	defer srv.Close()

	g := New(srv.URL)
	_, ok := g.QueryScalar(context.Background(), "up")
	if ok {
		t.Errorf("expected ok=false for empty result set")
	}
}

func TestQueryScalar_NonSuccessStatusIsAbsent(t *testing.T) {
	srv := newTestServer(t, `{"status":"error"}`, http.StatusOK)
	defer srv.Close()

	g := New(srv.URL)
	_, ok := g.QueryScalar(context.Background(), "up")
	if ok {
		t.Errorf("expected ok=false for error envelope status")
	}
}

func TestQueryScalar_HTTPErrorIsAbsent(t *testing.T) {
	srv := newTestServer(t, `boom`, http.StatusInternalServerError)
	defer srv.Close()

	g := New(srv.URL)
	_, ok := g.QueryScalar(context.Background(), "up")
	if ok {
		t.Errorf("expected ok=false for non-200 status")
	}
}

func TestQueryScalar_UnparseableEnvelopeIsAbsent(t *testing.T) {
	srv := newTestServer(t, `not json`, http.StatusOK)
	defer srv.Close()

	g := New(srv.URL)
	_, ok := g.QueryScalar(context.Background(), "up")
	if ok {
		t.Errorf("expected ok=false for unparseable envelope")
	}
}

func TestQueryScalar_NilGatewayIsAbsent(t *testing.T) {
	var g *Gateway
	_, ok := g.QueryScalar(context.Background(), "up")
	if ok {
		t.Errorf("expected ok=false for nil gateway")
	}
}

func TestPodRegex(t *testing.T) {
	if got := PodRegex(types.KindStatefulSet, "redis"); got != "redis-[0-9]+" {
		t.Errorf("statefulset regex = %q", got)
	}
	if got := PodRegex(types.KindDeployment, "api"); got != "api-.+" {
		t.Errorf("deployment regex = %q", got)
	}
}

func TestPodRegex_EscapesSpecialCharacters(t *testing.T) {
	got := PodRegex(types.KindDeployment, "my.app")
	if !strings.Contains(got, `my\.app`) {
		t.Errorf("expected escaped dot in %q", got)
	}
}

func TestCPUP95Query_LiteralShape(t *testing.T) {
	q := CPUP95Query("default", types.KindDeployment, "api", "web", "14d", "1h")
	want := fmt.Sprintf(`quantile_over_time(0.95, rate(container_cpu_usage_seconds_total{namespace=%s,pod=~%s,container=%s,image!=""}[5m])[14d:1h])`,
		`"default"`, `"api-.+"`, `"web"`)
	if q != want {
		t.Errorf("CPUP95Query =\n%s\nwant\n%s", q, want)
	}
}

func TestCoverageDays_FallsBackWhenPrimaryAbsent(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Write([]byte(`{"status":"success","data":{"resultType":"vector","result":[]}}`))
			return
		}
		w.Write([]byte(`{"status":"success","data":{"resultType":"vector","result":[{"value":[1,"21.5"]}]}}`))
	}))
	defer srv.Close()

	g := New(srv.URL)
	days := g.CoverageDays(context.Background())
	if days != 21.5 {
		t.Errorf("CoverageDays = %v, want 21.5 (via fallback)", days)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls (primary then fallback), got %d", calls)
	}
}

func TestSample_PartialAbsence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("query")
		if strings.Contains(q, "container_cpu_usage_seconds_total") {
			w.Write([]byte(`{"status":"success","data":{"resultType":"vector","result":[{"value":[1,"0.3"]}]}}`))
			return
		}
		w.Write([]byte(`{"status":"success","data":{"resultType":"vector","result":[]}}`))
	}))
	defer srv.Close()

	g := New(srv.URL)
	sample := g.Sample(context.Background(), "default", types.KindDeployment, "api", "web", "14d", "1h")
	if sample.CPUP95Milli == nil || *sample.CPUP95Milli != 300 {
		t.Errorf("expected CPUP95Milli=300, got %+v", sample.CPUP95Milli)
	}
	if sample.MemP95Mi != nil {
		t.Errorf("expected MemP95Mi absent, got %v", *sample.MemP95Mi)
	}
	if sample.RestartsInWindow != nil {
		t.Errorf("expected RestartsInWindow absent, got %v", *sample.RestartsInWindow)
	}
}
