// SPDX-License-Identifier: MPL-2.0

// Package agentclient speaks the agent's HTTP protocol and implements the
// service interfaces the orchestrator drives.
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/invowk/remexec/internal/issue"
	"github.com/invowk/remexec/internal/orchestrator"
	"github.com/invowk/remexec/pkg/contracts"
	"github.com/invowk/remexec/pkg/types"
)

// ErrEmptyServerURL is returned by New when no agent URL is given.
var ErrEmptyServerURL = errors.New("agent server URL must not be empty")

type (
	// Client calls one agent. It is safe for concurrent use.
	Client struct {
		baseURL string
		token   string
		http    *http.Client
	}

	// Option customizes a Client.
	Option func(*Client)

	// StatusError is a non-2xx agent response.
	StatusError struct {
		Method     string
		Route      string
		StatusCode int
		Code       string
		Message    string
	}

	v1Client struct{ c *Client }

	// genClient serves V2 and V3.
	genClient struct {
		c   *Client
		gen types.ProtocolGeneration
	}
)

// WithHTTPClient replaces the default HTTP client. Per-attempt timeouts come
// from the caller's context, so the client itself needs none.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New creates a client for the agent at baseURL. An empty token sends no
// Authorization header.
func New(baseURL, token string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		return nil, ErrEmptyServerURL
	}
	c := &Client{baseURL: baseURL, token: token, http: &http.Client{}}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the agent URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Clients returns the orchestrator view of the agent.
func (c *Client) Clients() orchestrator.Clients {
	return orchestrator.Clients{
		Capabilities: c,
		V1:           c.V1(),
		V2:           c.Generation(types.GenerationV2),
		V3:           c.Generation(types.GenerationV3),
	}
}

// V1 returns the first generation client.
func (c *Client) V1() orchestrator.ScriptServiceV1 { return v1Client{c: c} }

// Generation returns the client of V2 or V3.
func (c *Client) Generation(g types.ProtocolGeneration) orchestrator.ScriptServiceV3 {
	return genClient{c: c, gen: g}
}

// Health checks that the agent answers.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, contracts.RouteHealth, nil, nil)
}

// GetCapabilities queries the protocol generations the agent supports.
func (c *Client) GetCapabilities(ctx context.Context) (*contracts.Capabilities, error) {
	var caps contracts.Capabilities
	if err := c.do(ctx, http.MethodGet, contracts.RouteCapabilities, nil, &caps); err != nil {
		return nil, err
	}
	return &caps, nil
}

func (c *Client) do(ctx context.Context, method, route string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", route, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+route, reader)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", route, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, route, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.statusError(method, route, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to read %s response: %w", route, err)
	}
	return nil
}

// statusError decodes the error body and attaches a troubleshooting guide to
// failures the user can fix.
func (c *Client) statusError(method, route string, resp *http.Response) error {
	se := &StatusError{Method: method, Route: route, StatusCode: resp.StatusCode}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var er contracts.ErrorResponse
	if json.Unmarshal(body, &er) == nil && er.Error != "" {
		se.Code, se.Message = er.Code, er.Error
	} else {
		se.Message = strings.TrimSpace(string(body))
	}

	var id issue.ID
	switch se.Code {
	case contracts.CodeUnauthorized:
		id = issue.UnauthorizedID
	case contracts.CodeNoBackend:
		id = issue.NoBackendID
	default:
		return se
	}
	return issue.NewErrorContext().
		WithOperation("call agent").
		WithResource(c.baseURL).
		WithIssue(id).
		Wrap(se).
		BuildError()
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s %s: %s", e.Method, e.Route, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Route, e.StatusCode, e.Message)
}

// Transient reports whether retrying the call may succeed.
func (e *StatusError) Transient() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode == http.StatusRequestTimeout
}

func (v v1Client) StartScript(ctx context.Context, cmd *contracts.StartScriptCommand) (types.ScriptTicket, error) {
	var resp contracts.StartScriptResponseV1
	if err := v.c.do(ctx, http.MethodPost, contracts.Route(types.GenerationV1, contracts.OpStart), cmd, &resp); err != nil {
		return "", err
	}
	return resp.Ticket, nil
}

func (v v1Client) GetStatus(ctx context.Context, req *contracts.ScriptStatusRequest) (*contracts.ScriptStatusResponse, error) {
	return v.c.status(ctx, types.GenerationV1, contracts.OpStatus, req)
}

func (v v1Client) CancelScript(ctx context.Context, req *contracts.CancelScriptCommand) (*contracts.ScriptStatusResponse, error) {
	return v.c.status(ctx, types.GenerationV1, contracts.OpCancel, req)
}

func (v v1Client) CompleteScript(ctx context.Context, req *contracts.ScriptStatusRequest) (*contracts.ScriptStatusResponse, error) {
	return v.c.status(ctx, types.GenerationV1, contracts.OpComplete, req)
}

func (g genClient) StartScript(ctx context.Context, cmd *contracts.StartScriptCommand) (*contracts.ScriptStatusResponse, error) {
	return g.c.status(ctx, g.gen, contracts.OpStart, cmd)
}

func (g genClient) GetStatus(ctx context.Context, req *contracts.ScriptStatusRequest) (*contracts.ScriptStatusResponse, error) {
	return g.c.status(ctx, g.gen, contracts.OpStatus, req)
}

func (g genClient) CancelScript(ctx context.Context, req *contracts.CancelScriptCommand) (*contracts.ScriptStatusResponse, error) {
	return g.c.status(ctx, g.gen, contracts.OpCancel, req)
}

func (g genClient) CompleteScript(ctx context.Context, req *contracts.CompleteScriptCommand) error {
	return g.c.do(ctx, http.MethodPost, contracts.Route(g.gen, contracts.OpComplete), req, nil)
}

func (c *Client) status(ctx context.Context, g types.ProtocolGeneration, op string, body any) (*contracts.ScriptStatusResponse, error) {
	var resp contracts.ScriptStatusResponse
	if err := c.do(ctx, http.MethodPost, contracts.Route(g, op), body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
