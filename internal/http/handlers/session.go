// Package handlers provides HTTP API handlers for osdrelay.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/osdrelay/internal/config"
	"github.com/jmylchreest/osdrelay/internal/observability"
	"github.com/jmylchreest/osdrelay/internal/pipeline"
)

// SessionController is the part of pipeline.Controller the session routes
// drive.
type SessionController interface {
	Template() pipeline.SessionConfig
	Start(ctx context.Context, cfg pipeline.SessionConfig) (string, error)
	Stop(ctx context.Context) error
	Status() (pipeline.Status, bool)
}

// SessionHandler handles overlay and session endpoints.
type SessionHandler struct {
	controller SessionController
	overrides  config.OverrideConfig
}

// NewSessionHandler creates a new session handler. Requests may not override
// the configured input, output or format until WithOverrides lists values.
func NewSessionHandler(controller SessionController) *SessionHandler {
	return &SessionHandler{controller: controller}
}

// WithOverrides sets the values requests may substitute for the configured
// pipeline.
func (h *SessionHandler) WithOverrides(overrides config.OverrideConfig) *SessionHandler {
	h.overrides = overrides
	return h
}

// Register registers the session routes with the API.
func (h *SessionHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "applyOverlay",
		Method:        http.MethodPost,
		Path:          "/api/v1/overlay",
		Summary:       "Apply overlay",
		Description:   "Stops the active session and starts a new one. Empty osd text starts a remux-only session.",
		Tags:          []string{"Session"},
		DefaultStatus: http.StatusAccepted,
	}, h.ApplyOverlay)

	huma.Register(api, huma.Operation{
		OperationID: "stopSession",
		Method:      http.MethodPost,
		Path:        "/api/v1/session/stop",
		Summary:     "Stop session",
		Description: "Stops the active session without starting another",
		Tags:        []string{"Session"},
	}, h.Stop)

	huma.Register(api, huma.Operation{
		OperationID: "getSession",
		Method:      http.MethodGet,
		Path:        "/api/v1/session",
		Summary:     "Get session",
		Description: "Returns the active session, or the last one to finish",
		Tags:        []string{"Session"},
	}, h.Get)
}

// ApplyOverlayInput is the input for the overlay endpoint.
type ApplyOverlayInput struct {
	Body ApplyOverlayRequest
}

// ApplyOverlayRequest carries the overlay text and optional overrides of the
// configured pipeline. Overrides must be listed in pipeline.overrides.
type ApplyOverlayRequest struct {
	OSD    string `json:"osd" doc:"Overlay text. Empty selects remux-only."`
	Input  string `json:"input,omitempty" doc:"Input URI override, one of pipeline.overrides.inputs"`
	Output string `json:"output,omitempty" doc:"Output URI override, one of pipeline.overrides.outputs"`
	Format string `json:"format,omitempty" doc:"Output container override, one of pipeline.overrides.formats"`
}

// ApplyOverlayOutput is the output for the overlay endpoint.
type ApplyOverlayOutput struct {
	Body SessionStartedResponse
}

// SessionStartedResponse acknowledges a started session.
type SessionStartedResponse struct {
	Status    string `json:"status"`
	SessionID string `json:"session_id"`
	Mode      string `json:"mode"`
}

// ApplyOverlay stops the active session and starts one with the requested
// overlay text. It returns once the new session is spawned.
func (h *SessionHandler) ApplyOverlay(ctx context.Context, input *ApplyOverlayInput) (*ApplyOverlayOutput, error) {
	if err := h.overrides.Check(input.Body.Input, input.Body.Output, input.Body.Format); err != nil {
		return nil, huma.Error403Forbidden(err.Error())
	}

	cfg := h.controller.Template().WithOSD(input.Body.OSD)
	if input.Body.Input != "" {
		cfg.Input = input.Body.Input
	}
	if input.Body.Output != "" {
		cfg.Output = input.Body.Output
	}
	if input.Body.Format != "" {
		cfg.Format = input.Body.Format
	}

	id, err := h.controller.Start(ctx, cfg)
	if err != nil {
		return nil, controllerError("failed to start session", err)
	}

	observability.LoggerFromContext(ctx).InfoContext(ctx, "overlay applied",
		slog.String("session_id", id),
		slog.String("mode", cfg.Mode().String()),
	)

	return &ApplyOverlayOutput{
		Body: SessionStartedResponse{
			Status:    "ok",
			SessionID: id,
			Mode:      cfg.Mode().String(),
		},
	}, nil
}

// StopSessionInput is the input for the stop endpoint.
type StopSessionInput struct{}

// StopSessionOutput is the output for the stop endpoint.
type StopSessionOutput struct {
	Body struct {
		Status string `json:"status"`
	}
}

// Stop stops the active session. Stopping when nothing runs succeeds.
func (h *SessionHandler) Stop(ctx context.Context, _ *StopSessionInput) (*StopSessionOutput, error) {
	if err := h.controller.Stop(ctx); err != nil {
		return nil, controllerError("failed to stop session", err)
	}
	out := &StopSessionOutput{}
	out.Body.Status = "ok"
	return out, nil
}

// GetSessionInput is the input for the session status endpoint.
type GetSessionInput struct{}

// GetSessionOutput is the output for the session status endpoint.
type GetSessionOutput struct {
	Body pipeline.Status
}

// Get returns the status of the current or last session.
func (h *SessionHandler) Get(_ context.Context, _ *GetSessionInput) (*GetSessionOutput, error) {
	status, ok := h.controller.Status()
	if !ok {
		return nil, huma.Error404NotFound("no session has been started")
	}
	return &GetSessionOutput{Body: status}, nil
}

// controllerError maps controller errors onto HTTP statuses.
func controllerError(msg string, err error) error {
	switch {
	case errors.Is(err, pipeline.ErrInvalidConfig), errors.Is(err, pipeline.ErrUnsupportedContainer):
		return huma.Error400BadRequest(err.Error(), err)
	case errors.Is(err, pipeline.ErrControllerClosed):
		return huma.Error503ServiceUnavailable(err.Error(), err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return huma.Error504GatewayTimeout(msg, err)
	default:
		return huma.Error500InternalServerError(msg, err)
	}
}
