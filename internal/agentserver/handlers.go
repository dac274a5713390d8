// SPDX-License-Identifier: MPL-2.0

package agentserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/invowk/remexec/internal/runtime"
	"github.com/invowk/remexec/internal/scriptservice"
	"github.com/invowk/remexec/pkg/contracts"
	"github.com/invowk/remexec/pkg/types"
)

// maxRequestBody bounds a request, which may carry workspace files.
const maxRequestBody = 64 << 20

type (
	// validator is implemented by every request message.
	validator interface{ Validate() error }

	// statusRecorder captures the status code for metrics.
	statusRecorder struct {
		http.ResponseWriter
		status int
	}
)

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	svc := s.opts.Service

	mux.HandleFunc("GET "+contracts.RouteHealth, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("GET "+contracts.RouteMetrics, s.opts.Metrics.Handler())

	s.handle(mux, "GET "+contracts.RouteCapabilities, func(w http.ResponseWriter, r *http.Request) {
		caps, err := svc.GetCapabilities(r.Context())
		s.reply(w, caps, err)
	})

	v1 := svc.V1()
	s.handle(mux, post(types.GenerationV1, contracts.OpStart), decode(s, func(ctx context.Context, cmd *contracts.StartScriptCommand) (any, error) {
		ticket, err := v1.StartScript(ctx, cmd)
		return &contracts.StartScriptResponseV1{Ticket: ticket}, err
	}))
	s.handle(mux, post(types.GenerationV1, contracts.OpStatus), decode(s, anyResult(v1.GetStatus)))
	s.handle(mux, post(types.GenerationV1, contracts.OpCancel), decode(s, anyResult(v1.CancelScript)))
	s.handle(mux, post(types.GenerationV1, contracts.OpComplete), decode(s, anyResult(v1.CompleteScript)))

	s.generation(mux, types.GenerationV2, svc.V2())
	s.generation(mux, types.GenerationV3, svc.V3())

	return s.authenticate(mux)
}

// generation registers the routes shared by V2 and V3.
func (s *Server) generation(mux *http.ServeMux, g types.ProtocolGeneration, svc interface {
	StartScript(context.Context, *contracts.StartScriptCommand) (*contracts.ScriptStatusResponse, error)
	GetStatus(context.Context, *contracts.ScriptStatusRequest) (*contracts.ScriptStatusResponse, error)
	CancelScript(context.Context, *contracts.CancelScriptCommand) (*contracts.ScriptStatusResponse, error)
	CompleteScript(context.Context, *contracts.CompleteScriptCommand) error
},
) {
	s.handle(mux, post(g, contracts.OpStart), decode(s, anyResult(svc.StartScript)))
	s.handle(mux, post(g, contracts.OpStatus), decode(s, anyResult(svc.GetStatus)))
	s.handle(mux, post(g, contracts.OpCancel), decode(s, anyResult(svc.CancelScript)))
	s.handle(mux, post(g, contracts.OpComplete), decode(s, func(ctx context.Context, cmd *contracts.CompleteScriptCommand) (any, error) {
		return struct{}{}, svc.CompleteScript(ctx, cmd)
	}))
}

func post(g types.ProtocolGeneration, op string) string {
	return http.MethodPost + " " + contracts.Route(g, op)
}

// handle registers h under pattern and records its metrics.
func (s *Server) handle(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		s.opts.Metrics.HTTPRequest(r.Pattern, rec.status, time.Since(start))
	})
}

func anyResult[Req any, Resp any](call func(context.Context, *Req) (Resp, error)) func(context.Context, *Req) (any, error) {
	return func(ctx context.Context, req *Req) (any, error) {
		return call(ctx, req)
	}
}

// decode reads a JSON request, validates it and replies with call's result.
func decode[Req any, PReq interface {
	*Req
	validator
}](s *Server, call func(context.Context, *Req) (any, error),
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := new(Req)
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(req); err != nil {
			s.sendError(w, http.StatusBadRequest, contracts.CodeBadRequest, fmt.Sprintf("invalid request body: %v", err))
			return
		}
		if err := PReq(req).Validate(); err != nil {
			s.sendError(w, http.StatusBadRequest, contracts.CodeBadRequest, err.Error())
			return
		}
		resp, err := call(r.Context(), req)
		s.reply(w, resp, err)
	}
}

func (s *Server) reply(w http.ResponseWriter, resp any, err error) {
	if err != nil {
		status, code := classify(err)
		if status == http.StatusInternalServerError {
			s.logger.Error("request failed", "error", err)
		}
		s.sendError(w, status, code, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Debug("failed to write response", "error", err)
	}
}

// classify maps a service error to an HTTP status and error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, scriptservice.ErrInvalidRequest):
		return http.StatusBadRequest, contracts.CodeBadRequest
	case errors.Is(err, runtime.ErrNoBackend):
		return http.StatusUnprocessableEntity, contracts.CodeNoBackend
	case errors.Is(err, scriptservice.ErrUnsupportedExecutionContext):
		return http.StatusUnprocessableEntity, contracts.CodeUnsupportedGeneration
	default:
		return http.StatusInternalServerError, contracts.CodeInternal
	}
}

func (s *Server) sendError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(contracts.ErrorResponse{Error: msg, Code: code})
}

// authenticate checks the bearer token on every route except health.
func (s *Server) authenticate(next http.Handler) http.Handler {
	if s.opts.Token == "" {
		return next
	}
	want := []byte("Bearer " + s.opts.Token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != contracts.RouteHealth &&
			subtle.ConstantTimeCompare([]byte(r.Header.Get("Authorization")), want) != 1 {
			s.sendError(w, http.StatusUnauthorized, contracts.CodeUnauthorized, "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}
