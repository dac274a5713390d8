// SPDX-License-Identifier: MPL-2.0

package agentclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/invowk/remexec/internal/issue"
	"github.com/invowk/remexec/internal/rpc"
	"github.com/invowk/remexec/pkg/contracts"
	"github.com/invowk/remexec/pkg/types"
)

func TestNewRejectsEmptyURL(t *testing.T) {
	t.Parallel()

	if _, err := New("", ""); !errors.Is(err, ErrEmptyServerURL) {
		t.Errorf("New(\"\") error = %v, want ErrEmptyServerURL", err)
	}
	c, err := New("http://agent:8765/", "")
	if err != nil {
		t.Fatal(err)
	}
	if c.BaseURL() != "http://agent:8765" {
		t.Errorf("BaseURL() = %q, trailing slash not trimmed", c.BaseURL())
	}
}

func TestStatusErrorClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status int
		want   rpc.Class
	}{
		{status: http.StatusInternalServerError, want: rpc.Transient},
		{status: http.StatusBadGateway, want: rpc.Transient},
		{status: http.StatusServiceUnavailable, want: rpc.Transient},
		{status: http.StatusTooManyRequests, want: rpc.Transient},
		{status: http.StatusRequestTimeout, want: rpc.Transient},
		{status: http.StatusBadRequest, want: rpc.Fatal},
		{status: http.StatusNotFound, want: rpc.Fatal},
		{status: http.StatusUnprocessableEntity, want: rpc.Fatal},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			t.Parallel()
			err := &StatusError{Method: http.MethodPost, Route: "/v3/status", StatusCode: tt.status}
			if got := rpc.Classify(err); got != tt.want {
				t.Errorf("Classify(%d) = %s, want %s", tt.status, got, tt.want)
			}
		})
	}
}

func TestRetriesUnavailableAgent(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(contracts.ScriptStatusResponse{
			Ticket: "t1",
			State:  types.ProcessStateComplete,
			Logs:   []types.ProcessOutputLine{{Sequence: 0, Source: types.SourceStdout, Text: "A"}},
		})
	}))
	defer ts.Close()

	c, err := New(ts.URL, "secret", WithHTTPClient(ts.Client()))
	if err != nil {
		t.Fatal(err)
	}
	executor := rpc.NewExecutor(rpc.Policy{
		Backoff:       rpc.Backoff{Initial: time.Millisecond, Multiplier: 2, Max: 5 * time.Millisecond},
		RetryDuration: 5 * time.Second,
	}, nil, nil)

	v3 := c.Generation(types.GenerationV3)
	resp, err := rpc.Call(t.Context(), executor, "GetStatus", true, func(ctx context.Context) (*contracts.ScriptStatusResponse, error) {
		return v3.GetStatus(ctx, &contracts.ScriptStatusRequest{Ticket: "t1"})
	})
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
	if len(resp.Logs) != 1 || resp.Logs[0].Text != "A" {
		t.Errorf("logs = %+v", resp.Logs)
	}
}

func TestNoBackendCarriesGuide(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(contracts.ErrorResponse{Error: "no backend for pod", Code: contracts.CodeNoBackend})
	}))
	defer ts.Close()

	c, err := New(ts.URL, "", WithHTTPClient(ts.Client()))
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.Generation(types.GenerationV3).StartScript(t.Context(), &contracts.StartScriptCommand{Ticket: "t1", ScriptBody: "x"})

	var ae *issue.ActionableError
	if !errors.As(err, &ae) || ae.Issue != issue.NoBackendID {
		t.Fatalf("error = %v, want no-backend guide", err)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.Message != "no backend for pod" {
		t.Errorf("status error = %+v", se)
	}
}
