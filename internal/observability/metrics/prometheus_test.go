package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drfirst/go-mar/internal/mar"
	"github.com/drfirst/go-mar/pkg/circuitbreaker"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("failed to read exposition: %v", err)
	}
	return string(body)
}

func TestMetrics_Observers(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveRequest("/r/", "GET", 200, "success", 40*time.Millisecond)
	m.ObserveRequest("/r/", "GET", 0, "transport_error", time.Second)
	m.ObserveCache("/r/", true)
	m.ObserveCache("/r/", false)
	m.ObserveCache("/r/", false)
	m.ObserveCells(map[mar.CellState]int{mar.CellAdministered: 3, mar.CellEmpty: 4})
	m.ObserveNotification("error")
	m.BreakerStateChanged("care", circuitbreaker.StateClosed, circuitbreaker.StateOpen)

	out := scrape(t, m)
	for _, want := range []string{
		`care_requests_total{method="GET",outcome="transport_error",route="/r/",status="0"} 1`,
		`care_request_duration_seconds_count{method="GET",route="/r/"} 2`,
		`query_cache_lookups_total{result="miss",route="/r/"} 2`,
		`mar_cells_total{state="administered"} 3`,
		`notifications_total{level="error"} 1`,
		`circuit_breaker_state{name="care"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %s in exposition", want)
		}
	}
}

func TestMetrics_BreakerRecovers(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.BreakerStateChanged("care", circuitbreaker.StateClosed, circuitbreaker.StateOpen)
	m.BreakerStateChanged("care", circuitbreaker.StateOpen, circuitbreaker.StateHalfOpen)
	m.BreakerStateChanged("care", circuitbreaker.StateHalfOpen, circuitbreaker.StateClosed)

	if out := scrape(t, m); !strings.Contains(out, `circuit_breaker_state{name="care"} 0`) {
		t.Errorf("expected closed gauge, got:\n%s", out)
	}
}
