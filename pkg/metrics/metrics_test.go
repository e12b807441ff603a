package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_RecordAndExpose(t *testing.T) {
	m := New("test")
	m.RecordTransition("active", "rotating")
	m.RecordTransition("active", "rotating")
	m.RecordToolCall("update_document", "ok", 5*time.Millisecond)
	m.RecordAudio("out", 4096)
	m.RecordAudio("out", 0)

	if got := testutil.ToFloat64(m.StateTransitions.WithLabelValues("active", "rotating")); got != 2 {
		t.Fatalf("transitions=%v, want 2", got)
	}
	if got := testutil.ToFloat64(m.AudioBytesTotal.WithLabelValues("out")); got != 4096 {
		t.Fatalf("audio bytes=%v", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `test_tool_calls_total{outcome="ok",tool="update_document"} 1`) {
		t.Fatalf("metrics output missing tool counter:\n%s", body)
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordTransition("a", "b")
	m.RecordRotation("timer")
	m.RecordReconnect("scheduled")
	m.RecordSessionOpen()
	m.RecordSessionClose()
	m.RecordInterrupt()
	m.RecordError("timeout")
	m.RecordRecording("ok", 10)
	m.RecordConnect("ok", time.Second)
	if m.Registry() != nil {
		t.Fatalf("nil metrics registry")
	}
}
