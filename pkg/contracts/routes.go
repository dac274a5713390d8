// SPDX-License-Identifier: MPL-2.0

package contracts

import (
	"github.com/invowk/remexec/pkg/types"
)

// Operation names, used as the last path segment of generation routes.
const (
	OpStart    = "start"
	OpStatus   = "status"
	OpCancel   = "cancel"
	OpComplete = "complete"
)

// Fixed routes.
const (
	RouteCapabilities = "/capabilities"
	RouteHealth       = "/health"
	RouteMetrics      = "/metrics"
)

// Error codes carried by ErrorResponse.
const (
	CodeBadRequest            = "bad_request"
	CodeUnauthorized          = "unauthorized"
	CodeNoBackend             = "no_backend"
	CodeUnsupportedGeneration = "unsupported_generation"
	CodeInternal              = "internal"
)

// ErrorResponse is the body of every non-2xx agent response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Route returns the path of op for generation g, e.g. "/v3/start".
func Route(g types.ProtocolGeneration, op string) string {
	return "/" + g.String() + "/" + op
}
