// SPDX-License-Identifier: MPL-2.0

package issue

import (
	"errors"
	"strings"
	"testing"
)

func TestActionableErrorMessage(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection refused")
	tests := []struct {
		name string
		err  *ActionableError
		want string
	}{
		{name: "operation only", err: &ActionableError{Operation: "start script"}, want: "failed to start script"},
		{name: "with resource", err: &ActionableError{Operation: "start script", Resource: "agent"}, want: "failed to start script: agent"},
		{
			name: "with cause",
			err:  &ActionableError{Operation: "start script", Resource: "agent", Cause: cause},
			want: "failed to start script: agent: connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorContextBuild(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")
	err := NewErrorContext().
		WithOperation("load configuration").
		WithResource("config.cue").
		WithSuggestion("check the syntax").
		WithIssue(ConfigLoadFailedID).
		Wrap(cause).
		BuildError()

	if !errors.Is(err, cause) {
		t.Fatalf("errors.Is(err, cause) = false")
	}
	var ae *ActionableError
	if !errors.As(err, &ae) {
		t.Fatalf("error type = %T", err)
	}
	if ae.Issue != ConfigLoadFailedID || !ae.HasSuggestions() {
		t.Errorf("built %+v", ae)
	}

	if NewErrorContext().Wrap(cause).BuildError() != nil {
		t.Error("BuildError() without operation should be nil")
	}
}

func TestFormat(t *testing.T) {
	t.Parallel()

	inner := errors.New("dial tcp: refused")
	err := &ActionableError{
		Operation:   "start script",
		Suggestions: []string{"start the agent"},
		Cause:       &ActionableError{Operation: "call /v3/start", Cause: inner},
	}

	short := err.Format(false)
	if !strings.Contains(short, "• start the agent") || strings.Contains(short, "Error chain") {
		t.Errorf("Format(false) = %q", short)
	}
	verbose := err.Format(true)
	if !strings.Contains(verbose, "Error chain:") || !strings.Contains(verbose, "2. dial tcp: refused") {
		t.Errorf("Format(true) = %q", verbose)
	}
}

func TestCatalogIsComplete(t *testing.T) {
	t.Parallel()

	for id := AgentUnreachableID; id <= ClusterUnavailableID; id++ {
		i := Get(id)
		if i == nil {
			t.Errorf("Get(%d) = nil", id)
			continue
		}
		if i.ID() != id || !strings.HasPrefix(strings.TrimSpace(i.Markdown()), "# ") {
			t.Errorf("guide %d is malformed", id)
		}
	}
	if Get(0) != nil {
		t.Error("Get(0) should be nil")
	}
}

func TestRenderAppendsLinks(t *testing.T) {
	t.Parallel()

	out, err := Get(ClusterUnavailableID).Render("notty")
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if !strings.Contains(out, "cluster is not reachable") || !strings.Contains(out, "kubernetes.io") {
		t.Errorf("Render() = %q", out)
	}
}
