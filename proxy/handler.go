// Package proxy wires the authenticator, prompt injector, router, and
// response parser into the single HTTP handler this proxy exposes:
// POST /v1/chat/completions. The wiring itself carries no translation
// logic of its own.
package proxy

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"toolcall-proxy/auth"
	"toolcall-proxy/config"
	"toolcall-proxy/inject"
	"toolcall-proxy/internal"
	"toolcall-proxy/logger"
	"toolcall-proxy/parser"
	"toolcall-proxy/router"
	"toolcall-proxy/types"
)

// maxRequestBodyBytes bounds how much of a client request this proxy
// will read before giving up, so a client cannot exhaust memory with an
// unbounded body.
const maxRequestBodyBytes = 10 << 20

// Handler implements http.Handler for POST /v1/chat/completions,
// composing the pipeline in order: Authenticator, PromptInjector,
// Router, ResponseParser.
type Handler struct {
	manager  *config.Manager
	authn    *auth.Authenticator
	injector *inject.Injector
	router   *router.Router
}

// NewHandler creates a Handler bound to manager's live configuration
// snapshot. The router's HTTP client timeout is seeded from the
// snapshot present at construction time; Dispatch always re-reads
// manager.Load() per request for routing decisions, so only the
// connection-pool timeout is fixed at startup.
func NewHandler(manager *config.Manager) *Handler {
	cfg := manager.Load()
	timeout := time.Duration(cfg.Server.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 180 * time.Second
	}
	return &Handler{
		manager:  manager,
		authn:    auth.New(),
		injector: inject.New(),
		router:   router.New(timeout),
	}
}

// ServeHTTP handles a single POST /v1/chat/completions call.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cfg := h.manager.Load()

	requestID := uuid.New().String()
	ctx := internal.WithRequestID(r.Context(), requestID)
	ctx, l := logger.ContextLoggerFromConfig(ctx, cfg)

	if r.Method != http.MethodPost {
		types.WriteError(w, http.StatusMethodNotAllowed, types.ErrorDetail{
			Message: "only POST is supported",
			Type:    "invalid_request_error",
		})
		return
	}

	if !h.authn.Authenticate(r, cfg) {
		auth.WriteUnauthorized(w)
		return
	}
	clientKey := auth.ExtractBearerKey(r)

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes))
	if err != nil {
		types.WriteError(w, http.StatusBadRequest, types.ErrorDetail{
			Message: "failed to read request body",
			Type:    "invalid_request_error",
		})
		return
	}

	req, err := inject.ParseRequest(raw)
	if err != nil {
		types.WriteError(w, http.StatusBadRequest, types.ErrorDetail{
			Message: err.Error(),
			Type:    "invalid_request_error",
		})
		return
	}

	logger.LogRequest(ctx, l, req.Model, len(req.Tools))
	if len(req.Tools) > 0 {
		logger.LogToolSchemas(ctx, l, req.Tools)
	}
	if len(req.Messages) > 20 {
		logger.LogLargeConversation(ctx, l, len(req.Messages))
	}

	outReq, fcActive := h.injector.Inject(req, cfg)
	logger.LogInjection(ctx, l, fcActive, len(req.Tools), inject.TriggerToken)

	result, err := h.router.Dispatch(ctx, cfg, outReq, requestID, clientKey)
	if err != nil {
		writeUpstreamError(w, err)
		return
	}

	if result.Streaming {
		h.serveStreaming(ctx, w, result, req.Model, req.Tools, fcActive)
		return
	}

	h.serveNonStreaming(ctx, w, result, req.Tools, fcActive)
}

// serveNonStreaming writes the (possibly parsed) non-streaming upstream
// response to the client.
func (h *Handler) serveNonStreaming(ctx context.Context, w http.ResponseWriter, result *router.Result, declaredTools []types.Tool, fcActive bool) {
	l := logger.FromContext(ctx, nil)

	if !fcActive {
		// No tool-calling instructions were ever injected, so nothing
		// needs to be extracted: the upstream body is forwarded
		// byte-for-byte (property 8, scenario E1).
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(result.RawBody)
		return
	}

	before := len(result.Response.Choices) > 0 && len(result.Response.Choices[0].Message.ToolCalls) > 0
	parser.ApplyNonStreaming(result.Response, inject.TriggerToken)
	if !before && len(result.Response.Choices) > 0 && len(result.Response.Choices[0].Message.ToolCalls) > 0 {
		calls := result.Response.Choices[0].Message.ToolCalls
		logger.LogTriggerDetected(ctx, l, "non_streaming", len(calls))
		validateExtractedCalls(ctx, l, declaredTools, calls)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(result.Response)
}

// validateExtractedCalls cross-checks calls against declaredTools and
// logs any mismatch; it never alters the response the client receives.
func validateExtractedCalls(ctx context.Context, l logger.Logger, declaredTools []types.Tool, calls []types.ToolCall) {
	v := parser.NewToolCallValidator(declaredTools)
	for _, f := range v.Validate(calls) {
		logger.LogToolCallValidation(ctx, l, f.Name, f.UnknownTool, f.MissingParams)
	}
}
