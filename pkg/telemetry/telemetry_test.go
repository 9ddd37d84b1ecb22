package telemetry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"trace": zerolog.TraceLevel,
		"debug": zerolog.DebugLevel,
		"info":  zerolog.InfoLevel,
		"warn":  zerolog.WarnLevel,
		"error": zerolog.ErrorLevel,
		"loud":  zerolog.InfoLevel,
		"":      zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLoggerWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleetsetup.log")
	logger, err := NewLogger(LoggingConfig{Level: "warn", Format: "json", Output: path})
	if err != nil {
		t.Fatal(err)
	}

	zl := logger.Zerolog()
	zl.Info().Msg("hidden")
	zl.Warn().Str("request_id", "REQ1").Msg("shown")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)
	if strings.Contains(out, "hidden") {
		t.Error("info message written at warn level")
	}
	if !strings.Contains(out, `"request_id":"REQ1"`) || !strings.Contains(out, "shown") {
		t.Errorf("log = %s", out)
	}
}

func TestShutdownClosesLogFile(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Output = filepath.Join(t.TempDir(), "fleetsetup.log")

	tel, err := NewTelemetry(cfg)
	if err != nil {
		t.Fatal(err)
	}
	file := tel.Logger.file
	if file == nil {
		t.Fatal("file output has no open file")
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := file.Write([]byte("late")); !errors.Is(err, os.ErrClosed) {
		t.Errorf("write after shutdown: %v, want os.ErrClosed", err)
	}
	// A second shutdown is harmless.
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Error(err)
	}

	stderr, err := NewLogger(LoggingConfig{Output: "stderr"})
	if err != nil {
		t.Fatal(err)
	}
	if err := stderr.Close(); err != nil {
		t.Errorf("closing a stderr logger: %v", err)
	}
}

func TestMetricsRecord(t *testing.T) {
	cfg := DefaultConfig().Metrics
	m, err := NewMetrics(cfg)
	if err != nil {
		t.Fatal(err)
	}

	m.RecordRequestStarted(false)
	m.RecordMachineStarted()
	m.RecordTaskAttempt("disable_ipv6", "transient", time.Second)
	m.RecordRetry("disable_ipv6", "transient")
	m.RecordTaskAttempt("disable_ipv6", "", time.Second)
	m.RecordTaskCompleted("disable_ipv6", "completed")
	m.RecordError("transient", "ACTION_TIMEOUT")
	m.RecordMachineCompleted("completed", time.Minute)
	m.RecordRequestCompleted("completed", time.Minute)

	if got := testutil.ToFloat64(m.taskAttempts.WithLabelValues("disable_ipv6", "ok")); got != 1 {
		t.Errorf("ok attempts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.taskRetries.WithLabelValues("disable_ipv6", "transient")); got != 1 {
		t.Errorf("retries = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.activeRequests); got != 0 {
		t.Errorf("active requests = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.activeMachines); got != 0 {
		t.Errorf("active machines = %v, want 0", got)
	}

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "fleetsetup_requests_completed_total" {
			found = true
		}
	}
	if !found {
		t.Error("requests_completed_total not registered under the namespace")
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "fleetsetup_task_attempts_total") {
		t.Error("handler does not expose task attempts")
	}
}

func TestDisabledTelemetryIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordRequestStarted(true)
	m.RecordError("permanent", "")
	if m.Registry() != nil {
		t.Error("nil metrics has a registry")
	}

	disabled, err := NewMetrics(MetricsConfig{})
	if err != nil {
		t.Fatal(err)
	}
	disabled.RecordTaskAttempt("x", "", time.Second)
	if err := disabled.StartMetricsServer(context.Background()); err != nil {
		t.Error(err)
	}

	var tr *Tracer
	_, span := tr.StartRequestSpan(context.Background(), "REQ1")
	RecordError(span, errors.New("boom"))
	span.End()
	if err := tr.Shutdown(context.Background()); err != nil {
		t.Error(err)
	}
}

func TestNewTelemetry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "none"

	tel, err := NewTelemetry(cfg)
	if err != nil {
		t.Fatal(err)
	}
	ctx, span := tel.Tracer.StartTaskSpan(context.Background(), "PC-001", "disable_ipv6", 1)
	if !span.SpanContext().IsValid() {
		t.Error("sampled span has no trace id")
	}
	RecordSuccess(span)
	span.End()
	if err := tel.Shutdown(ctx); err != nil {
		t.Error(err)
	}

	cfg = DefaultConfig()
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "zipkin"
	if _, err := NewTelemetry(cfg); err == nil {
		t.Error("expected an error for an unknown exporter")
	}
}
