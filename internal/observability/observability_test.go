package observability_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"OutcomeLedger/internal/observability"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

func TestReadiness(t *testing.T) {
	h := observability.NewHealthChecker()

	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("before ready: got %d, want 503", rec.Code)
	}

	h.SetReady(true)
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("ready: got %d, want 200", rec.Code)
	}

	h.AddCheck("postgres", func(ctx context.Context) error { return errors.New("connection refused") })
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("failing check: got %d, want 503", rec.Code)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	failed, _ := body["failed"].(map[string]interface{})
	if failed["postgres"] != "connection refused" {
		t.Errorf("unexpected body %v", body)
	}
}

func TestLiveness(t *testing.T) {
	h := observability.NewHealthChecker()
	rec := httptest.NewRecorder()
	h.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("got %d, want 200", rec.Code)
	}
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestNewMetrics_IsolatedRegistry(t *testing.T) {
	// two registries must not collide
	r1, r2 := prometheus.NewRegistry(), prometheus.NewRegistry()
	m1 := observability.NewMetrics(r1)
	m2 := observability.NewMetrics(r2)

	m1.CoreCommandsApplied.WithLabelValues("split").Inc()
	m2.CoreCommandsApplied.WithLabelValues("split")

	if got := counterValue(t, r1, "outcome_core_commands_applied_total"); got != 1 {
		t.Errorf("r1: got %v, want 1", got)
	}
	if got := counterValue(t, r2, "outcome_core_commands_applied_total"); got != 0 {
		t.Errorf("r2: got %v, want 0", got)
	}
}

func TestLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	logger := observability.NewLoggerTo(&buf, "test", observability.ParseLogLevel("warn"))

	logger.Info().Msg("hidden")
	if buf.Len() != 0 {
		t.Errorf("info should be filtered at warn, got %q", buf.String())
	}

	logger.Warn().Msg("shown")
	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["component"] != "test" || entry["level"] != zerolog.WarnLevel.String() {
		t.Errorf("unexpected entry %v", entry)
	}
}
