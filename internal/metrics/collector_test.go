// SPDX-License-Identifier: MPL-2.0

package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/invowk/remexec/pkg/types"
)

func TestScriptLifecycleMetrics(t *testing.T) {
	t.Parallel()

	c := NewCollector()
	c.ScriptStarted("native")
	c.ScriptStarted("native")
	c.ScriptCompleted("native", 0, time.Second)

	if got := testutil.ToFloat64(c.scriptsRunning); got != 1 {
		t.Errorf("scripts_running = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.scriptsStarted.WithLabelValues("native")); got != 2 {
		t.Errorf("scripts_started_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.scriptsCompleted.WithLabelValues("native", "success")); got != 1 {
		t.Errorf("scripts_completed_total{success} = %v, want 1", got)
	}
}

func TestOutcome(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code types.ExitCode
		want string
	}{
		{0, "success"},
		{2, "failure"},
		{types.CanceledExitCode, "canceled"},
		{types.TimeoutExitCode, "timeout"},
		{types.UnknownResultExitCode, "agent_error"},
	}
	for _, tt := range tests {
		if got := outcome(tt.code); got != tt.want {
			t.Errorf("outcome(%d) = %q, want %q", tt.code, got, tt.want)
		}
	}
}

func TestNilCollectorIsNoop(t *testing.T) {
	t.Parallel()

	var c *Collector
	c.ScriptStarted("native")
	c.ScriptCompleted("native", 1, time.Millisecond)
	c.RPCAttempt("GetStatus", "success")
	c.HTTPRequest("/v3/status", http.StatusOK, time.Millisecond)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("nil Handler status = %d, want 404", rec.Code)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	t.Parallel()

	c := NewCollector()
	c.RPCAttempt("StartScript", "transient")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `remexec_rpc_call_attempts_total{call="StartScript",outcome="transient"} 1`) {
		t.Errorf("metrics output missing rpc attempt counter:\n%s", rec.Body.String())
	}
}
