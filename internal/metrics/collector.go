// SPDX-License-Identifier: MPL-2.0

// Package metrics holds the Prometheus collectors of the agent and the client.
// A nil *Collector is valid and records nothing, so components can be
// constructed without metrics in tests.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/invowk/remexec/pkg/types"
)

const namespace = "remexec"

// Collector groups every metric the process exposes.
type Collector struct {
	registry *prometheus.Registry

	scriptsStarted   *prometheus.CounterVec
	scriptsCompleted *prometheus.CounterVec
	scriptsRunning   prometheus.Gauge
	scriptDuration   *prometheus.HistogramVec

	rpcAttempts  *prometheus.CounterVec
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// NewCollector creates a collector with its own registry, including the Go
// runtime and process collectors.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		scriptsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scripts_started_total",
			Help:      "Scripts launched, by execution backend.",
		}, []string{"backend"}),
		scriptsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scripts_completed_total",
			Help:      "Scripts that reached the Complete state, by outcome.",
		}, []string{"backend", "outcome"}),
		scriptsRunning: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scripts_running",
			Help:      "Scripts currently registered and not complete.",
		}),
		scriptDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "script_duration_seconds",
			Help:      "Wall-clock duration of scripts from launch to completion.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 4, 10),
		}, []string{"backend"}),
		rpcAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_call_attempts_total",
			Help:      "Client RPC attempts, by call name and classified outcome.",
		}, []string{"call", "outcome"}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Agent HTTP requests, by route and status code.",
		}, []string{"route", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Agent HTTP request latency, by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// ScriptStarted records a launch on backend.
func (c *Collector) ScriptStarted(backend string) {
	if c == nil {
		return
	}
	c.scriptsStarted.WithLabelValues(backend).Inc()
	c.scriptsRunning.Inc()
}

// ScriptCompleted records the outcome of a script launched on backend.
func (c *Collector) ScriptCompleted(backend string, code types.ExitCode, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.scriptsCompleted.WithLabelValues(backend, outcome(code)).Inc()
	c.scriptsRunning.Dec()
	c.scriptDuration.WithLabelValues(backend).Observe(elapsed.Seconds())
}

// RPCAttempt records one attempt of a client call.
func (c *Collector) RPCAttempt(call, result string) {
	if c == nil {
		return
	}
	c.rpcAttempts.WithLabelValues(call, result).Inc()
}

// HTTPRequest records one agent request.
func (c *Collector) HTTPRequest(route string, status int, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	c.httpDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

func outcome(code types.ExitCode) string {
	switch {
	case code.IsSuccess():
		return "success"
	case code == types.CanceledExitCode:
		return "canceled"
	case code == types.TimeoutExitCode:
		return "timeout"
	case code.IsSentinel():
		return "agent_error"
	default:
		return "failure"
	}
}
