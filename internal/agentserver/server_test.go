// SPDX-License-Identifier: MPL-2.0

package agentserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"go.uber.org/goleak"

	"github.com/invowk/remexec/internal/agentclient"
	"github.com/invowk/remexec/internal/issue"
	"github.com/invowk/remexec/internal/metrics"
	"github.com/invowk/remexec/internal/orchestrator"
	"github.com/invowk/remexec/internal/rpc"
	"github.com/invowk/remexec/internal/runtime"
	"github.com/invowk/remexec/internal/scriptservice"
	"github.com/invowk/remexec/internal/workspace"
	"github.com/invowk/remexec/pkg/contracts"
	"github.com/invowk/remexec/pkg/types"
)

const testToken = "test-token"

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type testAgent struct {
	url     string
	metrics *metrics.Collector
	http    *http.Client
}

func newService(t *testing.T, collector *metrics.Collector) *scriptservice.Service {
	t.Helper()
	registry := runtime.NewRegistry()
	registry.Register(runtime.NewVirtualBackend())
	return scriptservice.New(scriptservice.Options{
		Workspaces:       workspace.NewFactory(t.TempDir()),
		Backends:         registry,
		Metrics:          collector,
		Logger:           log.New(io.Discard),
		MaxWaitForFinish: 5 * time.Second,
	})
}

func newTestAgent(t *testing.T) *testAgent {
	t.Helper()
	collector := metrics.NewCollector()
	svc := newService(t, collector)
	srv, err := New(Options{Token: testToken, Service: svc, Metrics: collector, MaxWaitForFinish: 5 * time.Second})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		svc.Shutdown(ctx)
	})
	return &testAgent{url: ts.URL, metrics: collector, http: ts.Client()}
}

func (a *testAgent) client(t *testing.T, token string) *agentclient.Client {
	t.Helper()
	c, err := agentclient.New(a.url, token, agentclient.WithHTTPClient(a.http))
	if err != nil {
		t.Fatalf("agentclient.New() error = %v", err)
	}
	return c
}

func (a *testAgent) post(t *testing.T, route, body string) (int, contracts.ErrorResponse) {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, a.url+route, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := a.http.Do(req)
	if err != nil {
		t.Fatalf("POST %s error = %v", route, err)
	}
	defer resp.Body.Close()
	var er contracts.ErrorResponse
	_ = json.NewDecoder(resp.Body).Decode(&er)
	return resp.StatusCode, er
}

func stdout(lines []types.ProcessOutputLine) []string {
	var out []string
	for _, l := range lines {
		if l.Source == types.SourceStdout {
			out = append(out, l.Text)
		}
	}
	return out
}

func TestNewRequiresService(t *testing.T) {
	t.Parallel()

	if _, err := New(Options{}); !errors.Is(err, ErrNoService) {
		t.Errorf("New() error = %v, want ErrNoService", err)
	}
}

func TestStartStatusCompleteOverHTTP(t *testing.T) {
	t.Parallel()
	agent := newTestAgent(t)
	v3 := agent.client(t, testToken).Generation(types.GenerationV3)
	ctx := t.Context()

	ticket := types.NewScriptTicket()
	resp, err := v3.StartScript(ctx, &contracts.StartScriptCommand{
		Ticket:     ticket,
		ScriptBody: "echo A; sleep 1; echo B",
	})
	if err != nil {
		t.Fatalf("StartScript() error = %v", err)
	}
	if resp.Ticket != ticket {
		t.Fatalf("StartScript() ticket = %q, want %q", resp.Ticket, ticket)
	}

	var (
		logs     []types.ProcessOutputLine
		next     int64
		sawOnlyA bool
	)
	deadline := time.Now().Add(10 * time.Second)
	for {
		status, err := v3.GetStatus(ctx, &contracts.ScriptStatusRequest{Ticket: ticket, LastLogSequence: next})
		if err != nil {
			t.Fatalf("GetStatus() error = %v", err)
		}
		logs = append(logs, status.Logs...)
		next = status.NextLogSequence
		if slices.Equal(stdout(logs), []string{"A"}) && !status.State.IsComplete() {
			sawOnlyA = true
		}
		if status.State.IsComplete() {
			if status.ExitCode != 0 {
				t.Errorf("exit code = %d, want 0", status.ExitCode)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("script did not complete")
		}
		time.Sleep(20 * time.Millisecond)
	}

	if !sawOnlyA {
		t.Error("never observed A alone while the script was running")
	}
	if got := stdout(logs); !slices.Equal(got, []string{"A", "B"}) {
		t.Errorf("stdout = %v, want [A B]", got)
	}

	if err := v3.CompleteScript(ctx, &contracts.CompleteScriptCommand{Ticket: ticket}); err != nil {
		t.Fatalf("CompleteScript() error = %v", err)
	}
	after, err := v3.GetStatus(ctx, &contracts.ScriptStatusRequest{Ticket: ticket})
	if err != nil {
		t.Fatalf("GetStatus() after complete error = %v", err)
	}
	if after.ExitCode != types.UnknownScriptExitCode {
		t.Errorf("exit code after complete = %d, want %d", after.ExitCode, types.UnknownScriptExitCode)
	}
}

func TestOrchestratorOverHTTP(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		opts orchestrator.NegotiatorOptions
		want types.ProtocolGeneration
	}{
		{name: "v3", want: types.GenerationV3},
		{name: "v2", opts: orchestrator.NegotiatorOptions{DisableV3: true}, want: types.GenerationV2},
		{name: "v1", opts: orchestrator.NegotiatorOptions{DisableV3: true, DisableV2: true}, want: types.GenerationV1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			agent := newTestAgent(t)
			executor := rpc.NewExecutor(rpc.Policy{
				Backoff:       rpc.Backoff{Initial: time.Millisecond, Multiplier: 2, Max: 10 * time.Millisecond},
				RetryDuration: 5 * time.Second,
			}, nil, agent.metrics)

			opts := orchestrator.Options{
				Negotiation: tt.opts,
				PollBackoff: rpc.Backoff{Initial: 10 * time.Millisecond, Multiplier: 1.5, Max: 50 * time.Millisecond},
			}
			orch, err := orchestrator.NewFactory(agent.client(t, testToken).Clients(), executor, opts, nil).Create(t.Context())
			if err != nil {
				t.Fatalf("Create() error = %v", err)
			}
			if orch.Generation() != tt.want {
				t.Fatalf("Generation() = %s, want %s", orch.Generation(), tt.want)
			}

			result, err := orch.ExecuteScript(t.Context(), &contracts.StartScriptCommand{
				ScriptBody: "echo A; sleep 1; echo B; exit 3",
			})
			if err != nil {
				t.Fatalf("ExecuteScript() error = %v", err)
			}
			if result.ExitCode != 3 {
				t.Errorf("exit code = %d, want 3", result.ExitCode)
			}
			if got := stdout(result.Logs); !slices.Equal(got, []string{"A", "B"}) {
				t.Errorf("stdout = %v, want [A B]", got)
			}
		})
	}
}

func TestErrorResponses(t *testing.T) {
	t.Parallel()
	agent := newTestAgent(t)
	podStart := func() string {
		cmd := contracts.StartScriptCommand{
			Ticket:           types.NewScriptTicket(),
			ScriptBody:       "echo hi",
			ExecutionContext: types.PodExecutionContext(types.PodContext{Image: "busybox"}),
		}
		b, err := json.Marshal(cmd)
		if err != nil {
			t.Fatal(err)
		}
		return string(b)
	}

	tests := []struct {
		name       string
		route      string
		body       string
		wantStatus int
		wantCode   string
	}{
		{
			name:       "malformed body",
			route:      "/v3/start",
			body:       "{",
			wantStatus: http.StatusBadRequest,
			wantCode:   contracts.CodeBadRequest,
		},
		{
			name:       "empty ticket",
			route:      "/v3/status",
			body:       `{"ticket":""}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   contracts.CodeBadRequest,
		},
		{
			name:       "negative log sequence",
			route:      "/v2/status",
			body:       `{"ticket":"abc","lastLogSequence":-1}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   contracts.CodeBadRequest,
		},
		{
			name:       "empty script body",
			route:      "/v2/start",
			body:       `{"ticket":"abc","scriptBody":""}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   contracts.CodeBadRequest,
		},
		{
			name:       "pod without pod backend",
			route:      "/v3/start",
			body:       podStart(),
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   contracts.CodeNoBackend,
		},
		{
			name:       "pod on v2",
			route:      "/v2/start",
			body:       podStart(),
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   contracts.CodeUnsupportedGeneration,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			status, er := agent.post(t, tt.route, tt.body)
			if status != tt.wantStatus {
				t.Errorf("status = %d, want %d", status, tt.wantStatus)
			}
			if er.Code != tt.wantCode {
				t.Errorf("code = %q, want %q (error %q)", er.Code, tt.wantCode, er.Error)
			}
		})
	}
}

func TestAuthentication(t *testing.T) {
	t.Parallel()
	agent := newTestAgent(t)

	anonymous := agent.client(t, "")
	if err := anonymous.Health(t.Context()); err != nil {
		t.Errorf("Health() without token error = %v", err)
	}

	_, err := anonymous.GetCapabilities(t.Context())
	var ae *issue.ActionableError
	if !errors.As(err, &ae) || ae.Issue != issue.UnauthorizedID {
		t.Fatalf("GetCapabilities() without token error = %v, want unauthorized guide", err)
	}
	var se *agentclient.StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusUnauthorized {
		t.Errorf("status error = %v, want 401", se)
	}
	if rpc.Classify(err) != rpc.Fatal {
		t.Errorf("Classify() = %s, want fatal", rpc.Classify(err))
	}

	caps, err := agent.client(t, testToken).GetCapabilities(t.Context())
	if err != nil {
		t.Fatalf("GetCapabilities() error = %v", err)
	}
	for _, g := range []types.ProtocolGeneration{types.GenerationV1, types.GenerationV2, types.GenerationV3} {
		if !caps.Supports(g.Capability()) {
			t.Errorf("capabilities %v missing %s", caps.SupportedCapabilities, g.Capability())
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	agent := newTestAgent(t)
	c := agent.client(t, testToken)
	if _, err := c.GetCapabilities(t.Context()); err != nil {
		t.Fatalf("GetCapabilities() error = %v", err)
	}

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, agent.url+contracts.RouteMetrics, nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := agent.http.Do(req)
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(body, []byte(`route="GET /capabilities",status="200"`)) {
		t.Errorf("metrics do not record the capabilities request:\n%s", body)
	}
}

func TestServerLifecycle(t *testing.T) {
	t.Parallel()
	svc := newService(t, nil)
	srv, err := New(Options{Service: svc})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if srv.State() != StateCreated {
		t.Fatalf("State() = %s, want created", srv.State())
	}

	if err := srv.Start(t.Context()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if srv.State() != StateRunning {
		t.Fatalf("State() = %s, want running", srv.State())
	}
	if err := srv.Start(t.Context()); err == nil {
		t.Error("second Start() succeeded")
	}

	transport := &http.Transport{}
	defer transport.CloseIdleConnections()
	c, err := agentclient.New(srv.URL(), "", agentclient.WithHTTPClient(&http.Client{Transport: transport}))
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Health(t.Context()); err != nil {
		t.Fatalf("Health() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if srv.State() != StateStopped {
		t.Errorf("State() = %s, want stopped", srv.State())
	}
	if err := srv.Stop(ctx); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
	if err := c.Health(t.Context()); err == nil {
		t.Error("Health() succeeded after Stop")
	} else if rpc.Classify(err) != rpc.Transient {
		t.Errorf("Classify(%v) = %s, want transient", err, rpc.Classify(err))
	}
}

func TestStartWithCancelledContextFails(t *testing.T) {
	t.Parallel()
	srv, err := New(Options{Service: newService(t, nil)})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	if err := srv.Start(ctx); err == nil {
		t.Fatal("Start() with cancelled context succeeded")
	}
	if srv.State() != StateFailed || srv.Err() == nil {
		t.Errorf("State() = %s, Err() = %v, want failed with error", srv.State(), srv.Err())
	}
}
