package observability

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func TestNilObserverIsSafe(t *testing.T) {
	var o *AccessObserver
	o.RecordDecision("owner", "blocked", false)
	o.RecordSweep("", 1, 1, nil)
	o.RecordEnqueue("owner", true, nil)
	o.RecordWebhook("payment", "processed", nil)
	o.RecordLink("owner", "connected", 2)
	if o.DenyCount("owner") != 0 {
		t.Fatalf("expected nil observer to report zero denials")
	}
}

func TestRecordDecisionCountsAndAlerts(t *testing.T) {
	var buf bytes.Buffer
	metrics := NewMetrics()
	o := NewAccessObserver(zerolog.New(&buf), metrics)

	for i := 0; i < 10; i++ {
		o.RecordDecision("owner-1", "blocked", false)
	}
	o.RecordDecision("owner-1", "active", true)

	if got := o.DenyCount("owner-1"); got != 10 {
		t.Fatalf("expected 10 denials, got %d", got)
	}
	if got := testutil.ToFloat64(metrics.AccessDecisions.WithLabelValues("blocked")); got != 10 {
		t.Fatalf("expected blocked counter 10, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.AccessDecisions.WithLabelValues("active")); got != 1 {
		t.Fatalf("expected active counter 1, got %v", got)
	}
	if !strings.Contains(buf.String(), "repeated_deny_count") {
		t.Fatalf("expected repeated denial warning in logs, got %s", buf.String())
	}
}

func TestRecordSweepMetrics(t *testing.T) {
	metrics := NewMetrics()
	o := NewAccessObserver(zerolog.Nop(), metrics)

	o.RecordSweep("", 2, 1, nil)
	o.RecordSweep("owner-1", 0, 0, errors.New("db down"))

	if got := testutil.ToFloat64(metrics.SweepBlocked.WithLabelValues("test")); got != 2 {
		t.Fatalf("expected 2 test blocks, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.SweepBlocked.WithLabelValues("active")); got != 1 {
		t.Fatalf("expected 1 active block, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.SweepRuns.WithLabelValues("owner", "error")); got != 1 {
		t.Fatalf("expected 1 failed scoped run, got %v", got)
	}
}

func TestMetricsHandlerExposesCounters(t *testing.T) {
	metrics := NewMetrics()
	NewAccessObserver(zerolog.Nop(), metrics).RecordWebhook("payment", "processed", nil)

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `agendaclinica_billing_webhook_events_total{result="processed",topic="payment"} 1`) {
		t.Fatalf("expected webhook counter in exposition, got:\n%s", rec.Body.String())
	}
}

func TestNewLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("warn", false, &buf)
	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Fatalf("unexpected log output: %s", buf.String())
	}
	if NewLogger("bogus", false, &buf).GetLevel() != zerolog.InfoLevel {
		t.Fatalf("expected unknown level to fall back to info")
	}
}
