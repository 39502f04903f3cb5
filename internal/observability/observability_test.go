package observability

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestLoggerRedactsSensitiveKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf, Format: "json"})

	logger.Info("provider connected", "provider", "openai", "access_token", "sk-proj-abcdef1234567890abcdef")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("log output is not JSON: %v", err)
	}
	if record["access_token"] != "[REDACTED]" {
		t.Fatalf("access_token = %v", record["access_token"])
	}
	if record["provider"] != "openai" {
		t.Fatalf("provider = %v", record["provider"])
	}
}

func TestLoggerRedactsSecretShapedValues(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf, Format: "json"})

	logger.Warn("request failed", "detail", "401 for key sk-ant-REDACTED")

	out := buf.String()
	if strings.Contains(out, "sk-ant-") {
		t.Fatalf("anthropic key leaked: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Fatalf("no redaction marker: %s", out)
	}
}

func TestRedactStringJWT(t *testing.T) {
	in := "token eyJhbGciOiJIUzI1NiJ9.eyJzdWIiOiJ4In0.c2ln rest"
	out := RedactString(in)
	if strings.Contains(out, "eyJ") {
		t.Fatalf("jwt leaked: %s", out)
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf, Level: "warn"})

	logger.Info("hidden")
	logger.Warn("visible")

	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "visible") {
		t.Fatalf("level filtering broken: %s", out)
	}
}

func TestMetricsRecording(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordTurn("openai", "success", 1.5)
	m.RecordStep("openai", "gpt-4o", 100, 40)
	m.RecordToolExecution("bash", "success", 0.2)
	m.RecordError("busy", "session")
	m.BusDropCounter.Inc()
	m.ActiveSessions.Inc()

	if got := testutil.ToFloat64(m.TurnCounter.WithLabelValues("openai", "success")); got != 1 {
		t.Errorf("turns = %v", got)
	}
	if got := testutil.ToFloat64(m.TokensUsed.WithLabelValues("openai", "gpt-4o", "input")); got != 100 {
		t.Errorf("input tokens = %v", got)
	}
	if got := testutil.ToFloat64(m.ToolExecutionCounter.WithLabelValues("bash", "success")); got != 1 {
		t.Errorf("tool executions = %v", got)
	}
	if got := testutil.ToFloat64(m.ErrorCounter.WithLabelValues("busy", "session")); got != 1 {
		t.Errorf("errors = %v", got)
	}
	if got := testutil.ToFloat64(m.BusDropCounter); got != 1 {
		t.Errorf("bus drops = %v", got)
	}
	if got := testutil.ToFloat64(m.ActiveSessions); got != 1 {
		t.Errorf("active sessions = %v", got)
	}
}

func TestNewTracerWithoutEndpointIsNoop(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{})
	if tracer == nil {
		t.Fatal("tracer is nil")
	}
	if err := shutdown(t.Context()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
