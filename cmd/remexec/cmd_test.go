// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/invowk/remexec/internal/agentserver"
	"github.com/invowk/remexec/internal/config"
	"github.com/invowk/remexec/internal/issue"
	"github.com/invowk/remexec/internal/runtime"
	"github.com/invowk/remexec/internal/scriptservice"
	"github.com/invowk/remexec/internal/workspace"
	"github.com/invowk/remexec/pkg/types"
)

type cliResult struct {
	stdout string
	stderr string
	err    error
}

func runCLI(t *testing.T, stdin string, args ...string) cliResult {
	t.Helper()
	var stdout, stderr bytes.Buffer
	app := NewApp(Dependencies{Stdout: &stdout, Stderr: &stderr})
	root := NewRootCommand(app)
	root.SetArgs(args)
	root.SetIn(strings.NewReader(stdin))
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	err := root.ExecuteContext(t.Context())
	return cliResult{stdout: stdout.String(), stderr: stderr.String(), err: err}
}

// startAgent serves a virtual-backend agent and returns a config file that
// points the client at it.
func startAgent(t *testing.T) string {
	t.Helper()
	registry := runtime.NewRegistry()
	registry.Register(runtime.NewVirtualBackend())
	svc := scriptservice.New(scriptservice.Options{
		Workspaces:       workspace.NewFactory(t.TempDir()),
		Backends:         registry,
		Logger:           log.New(io.Discard),
		MaxWaitForFinish: 5 * time.Second,
	})
	srv, err := agentserver.New(agentserver.Options{Token: "cli-token", Service: svc, MaxWaitForFinish: 5 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		svc.Shutdown(ctx)
	})

	cfg := config.DefaultConfig()
	cfg.Client.ServerURL = ts.URL
	cfg.Client.Token = "cli-token"
	cfg.Client.RetryDuration = 5 * time.Second
	cfg.Client.Poll = config.PollConfig{InitialDelay: 10 * time.Millisecond, Multiplier: 1.5, MaxDelay: 50 * time.Millisecond}
	cfg.Log.Level = "error"
	path := filepath.Join(t.TempDir(), "config.cue")
	if err := os.WriteFile(path, []byte(config.GenerateCUE(cfg)), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestGetVersionString(t *testing.T) {
	// Not parallel: subtests mutate package-level Version/Commit/BuildDate vars.

	t.Run("ldflags version takes priority", func(t *testing.T) {
		origVersion, origCommit, origBuildDate := Version, Commit, BuildDate
		t.Cleanup(func() {
			Version, Commit, BuildDate = origVersion, origCommit, origBuildDate
		})

		Version, Commit, BuildDate = "v1.2.3", "abc1234", "2026-06-15T10:00:00Z"
		want := "v1.2.3 (commit: abc1234, built: 2026-06-15T10:00:00Z)"
		if got := getVersionString(); got != want {
			t.Errorf("getVersionString() = %q, want %q", got, want)
		}
	})

	t.Run("dev build", func(t *testing.T) {
		origVersion := Version
		t.Cleanup(func() { Version = origVersion })

		Version = "dev"
		if got := getVersionString(); got != "dev (built from source)" {
			t.Errorf("getVersionString() = %q", got)
		}
	})
}

func TestConfigSchemaCommand(t *testing.T) {
	t.Parallel()

	res := runCLI(t, "", "config", "schema")
	if res.err != nil {
		t.Fatalf("config schema error = %v", res.err)
	}
	if !strings.Contains(res.stdout, "#Config:") {
		t.Errorf("schema output missing #Config:\n%s", res.stdout)
	}
}

func TestConfigShowCommand(t *testing.T) {
	t.Parallel()
	path := startAgent(t)

	res := runCLI(t, "", "--config", path, "config", "show")
	if res.err != nil {
		t.Fatalf("config show error = %v", res.err)
	}
	if !strings.Contains(res.stdout, `token:                         "cli-token"`) {
		t.Errorf("config show did not print the client token:\n%s", res.stdout)
	}
	if !strings.Contains(res.stderr, path) {
		t.Errorf("config show did not name the file %s:\n%s", path, res.stderr)
	}
}

func TestRunCheckSyntax(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		script  string
		wantErr bool
	}{
		{name: "valid", script: "echo hi; for f in a b; do echo $f; done"},
		{name: "unterminated if", script: "if true; then echo hi", wantErr: true},
		{name: "unclosed quote", script: "echo 'oops", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res := runCLI(t, "", "run", "--check-syntax", "-c", tt.script)
			if (res.err != nil) != tt.wantErr {
				t.Fatalf("run --check-syntax error = %v, wantErr %v", res.err, tt.wantErr)
			}
			if !tt.wantErr && !strings.Contains(res.stdout, "syntax OK") {
				t.Errorf("stdout = %q, want syntax OK", res.stdout)
			}
		})
	}
}

func TestRunAgainstAgent(t *testing.T) {
	t.Parallel()
	path := startAgent(t)

	res := runCLI(t, "", "--config", path, "run", "-c", `echo A; sleep 1; echo "$1"; exit 3`, "--", "B")
	var exitErr *ExitError
	if !errors.As(res.err, &exitErr) || exitErr.Code != 3 {
		t.Fatalf("run error = %v, want exit code 3 (stderr %q)", res.err, res.stderr)
	}
	if res.stdout != "A\nB\n" {
		t.Errorf("stdout = %q, want %q", res.stdout, "A\nB\n")
	}
}

func TestRunFromStdin(t *testing.T) {
	t.Parallel()
	path := startAgent(t)

	res := runCLI(t, "echo from-stdin\n", "--config", path, "run", "-")
	if res.err != nil {
		t.Fatalf("run - error = %v (stderr %q)", res.err, res.stderr)
	}
	if res.stdout != "from-stdin\n" {
		t.Errorf("stdout = %q", res.stdout)
	}
}

func TestStatusOfUnknownTicket(t *testing.T) {
	t.Parallel()
	path := startAgent(t)

	res := runCLI(t, "", "--config", path, "status", "no-such-ticket")
	if res.err != nil {
		t.Fatalf("status error = %v", res.err)
	}
	if !strings.Contains(res.stderr, types.UnknownScriptExitCode.Describe()) {
		t.Errorf("stderr = %q, want unknown script exit code", res.stderr)
	}
}

func TestCapabilitiesCommand(t *testing.T) {
	t.Parallel()
	path := startAgent(t)

	res := runCLI(t, "", "--config", path, "capabilities")
	if res.err != nil {
		t.Fatalf("capabilities error = %v", res.err)
	}
	for _, want := range []string{"ScriptServiceV1", "ScriptServiceV3", "selected generation: v3"} {
		if !strings.Contains(res.stdout, want) {
			t.Errorf("stdout missing %q:\n%s", want, res.stdout)
		}
	}
}

func TestExitForCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code      types.ExitCode
		wantExit  int
		wantIssue issue.ID
	}{
		{code: 0},
		{code: 7, wantExit: 7},
		{code: types.CanceledExitCode, wantExit: 1, wantIssue: issue.ScriptCancelledID},
		{code: types.UnknownResultExitCode, wantExit: 1, wantIssue: issue.UnknownResultID},
		{code: types.UnknownScriptExitCode, wantExit: 1, wantIssue: issue.UnknownScriptID},
		{code: types.FatalExitCode, wantExit: 1},
	}

	for _, tt := range tests {
		t.Run(tt.code.Describe(), func(t *testing.T) {
			t.Parallel()
			err := exitForCode(tt.code)
			if tt.wantExit == 0 {
				if err != nil {
					t.Fatalf("exitForCode(0) = %v", err)
				}
				return
			}
			var exitErr *ExitError
			if !errors.As(err, &exitErr) || exitErr.Code != tt.wantExit {
				t.Fatalf("exitForCode(%d) = %v, want exit %d", tt.code, err, tt.wantExit)
			}
			var ae *issue.ActionableError
			gotIssue := issue.ID(0)
			if errors.As(err, &ae) {
				gotIssue = ae.Issue
			}
			if gotIssue != tt.wantIssue {
				t.Errorf("issue = %d, want %d", gotIssue, tt.wantIssue)
			}
		})
	}
}

func TestScriptBody(t *testing.T) {
	t.Parallel()
	file := filepath.Join(t.TempDir(), "script.sh")
	if err := os.WriteFile(file, []byte("echo file"), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		inline  string
		args    []string
		want    string
		wantErr bool
	}{
		{name: "inline", inline: "echo hi", want: "echo hi"},
		{name: "file", args: []string{file}, want: "echo file"},
		{name: "stdin", args: []string{"-"}, want: "echo stdin"},
		{name: "nothing", wantErr: true},
		{name: "both", inline: "echo hi", args: []string{file}, wantErr: true},
		{name: "two files", args: []string{file, file}, wantErr: true},
		{name: "missing file", args: []string{filepath.Join(t.TempDir(), "missing.sh")}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := scriptBody(strings.NewReader("echo stdin"), tt.inline, tt.args)
			if (err != nil) != tt.wantErr {
				t.Fatalf("scriptBody() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("scriptBody() = %q, want %q", got, tt.want)
			}
		})
	}
}
