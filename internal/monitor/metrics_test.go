package monitor

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics()
	m.RecordExecution("python", "completed", 120*time.Millisecond)
	m.RecordStep("cpp", "compile", time.Second, true, false, false)
	m.RecordRejection("queue_full")
	m.SetLoad(3, 2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, want := range []string{
		`coderunner_executions_total{language="python",status="completed"} 1`,
		`coderunner_timeouts_total{language="cpp",stage="compile"} 1`,
		`coderunner_rejections_total{reason="queue_full"} 1`,
		`coderunner_active_executions 3`,
		`coderunner_queued_executions 2`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.RecordExecution("python", "completed", time.Second)
	m.RecordStep("python", "run", time.Second, true, true, true)
	m.RecordQueueWait(time.Second)
	m.RecordRejection("queue_full")
	m.RecordError("internal")
	m.RecordSecurityEvent("fork_bomb")
	m.RecordCodeSize(10)
	m.RecordOutputSize(10)
	m.SetLoad(1, 1)
}
