package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"json logs", func(c *Config) { c.Logging.Format = "json" }, false},
		{"empty service name", func(c *Config) { c.ServiceName = "" }, true},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, true},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, true},
		{"bad exporter", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "jaeger" }, true},
		{"otlp without endpoint", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "otlp" }, true},
		{"bad sampling", func(c *Config) { c.Tracing.SamplingRate = 2 }, true},
		{"metrics without path", func(c *Config) { c.Metrics.Path = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, LoggingConfig{Level: "debug", Format: "json"}).
		NewComponentLogger("lifecycle").
		WithRequestID("req-42").
		WithStoryID(7)

	logger.WithError(errors.New("boom")).Warn("swap rolled back")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log line %q: %v", buf.String(), err)
	}

	want := map[string]interface{}{
		"level":      "warn",
		"component":  "lifecycle",
		"request_id": "req-42",
		"story_id":   float64(7),
		"error":      "boom",
		"message":    "swap rolled back",
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("expected %s=%v, got %v", k, v, entry[k])
		}
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, LoggingConfig{Level: "warn", Format: "json"})

	logger.Info("hidden")
	logger.Debug("hidden")
	if buf.Len() != 0 {
		t.Errorf("expected no output below warn, got %q", buf.String())
	}

	logger.Warnf("shown %d", 2)
	if !strings.Contains(buf.String(), "shown 2") {
		t.Errorf("expected error line, got %q", buf.String())
	}
}

func TestFromContextDefault(t *testing.T) {
	if FromContext(context.Background()) == nil {
		t.Fatal("expected a default logger")
	}
}

func TestMetricsHandler(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	m.RecordStoryOperation("insert", nil)
	m.RecordStoryOperation("insert", errors.New("x"))
	m.SetStoryCount(3)
	m.RecordSwap("success", 10*time.Millisecond)
	m.RecordExport(nil)
	m.RecordExternalChange()
	m.RecordHTTPRequest("POST /story", "201", time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{
		`storyboard_story_operations_total{op="insert",result="success"} 1`,
		`storyboard_story_operations_total{op="insert",result="error"} 1`,
		`storyboard_stories 3`,
		`storyboard_db_swaps_total{result="success"} 1`,
		`storyboard_db_exports_total{result="success"} 1`,
		`storyboard_db_external_changes_total 1`,
		`storyboard_http_requests_total{code="201",route="POST /story"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected metrics output to contain %q", want)
		}
	}
}

func TestDisabledMetricsAreNoop(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}
	m.RecordStoryOperation("insert", nil)
	m.RecordSwap("success", time.Second)

	var nilMetrics *Metrics
	nilMetrics.RecordExport(nil)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 from disabled metrics, got %d", rec.Code)
	}
}

func TestStartOperationWithoutTelemetry(t *testing.T) {
	ic := StartOperation(context.Background(), "story.list")
	if ic.Logger == nil || ic.Timer == nil {
		t.Fatal("expected logger and timer")
	}
	ic.End(errors.New("ignored"))
}

func TestStartOperationWithTelemetry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Output = "stderr"
	tel, err := NewTelemetry(cfg)
	if err != nil {
		t.Fatalf("failed to create telemetry: %v", err)
	}
	defer tel.Shutdown(context.Background())

	ic := StartOperation(tel.WithContext(context.Background()), "db.export")
	if FromTelemetryContext(ic.Ctx) != tel {
		t.Error("expected telemetry to survive in the operation context")
	}
	ic.End(nil)
}

func TestNilTracerSpan(t *testing.T) {
	var tr *Tracer
	_, span := tr.StartSpan(context.Background(), "noop")
	EndSpan(span, nil)
	if TraceID(context.Background()) != "" {
		t.Error("expected empty trace id without a span")
	}
}
