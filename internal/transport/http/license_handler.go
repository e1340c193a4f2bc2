// Package http exposes the licensing server API over chi.
package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"licensor/internal/activation"
	apperrors "licensor/internal/errors"
	"licensor/internal/license"
	"licensor/internal/services"
)

// maxEnvelopeBytes bounds uploaded license files.
const maxEnvelopeBytes = 1 << 20

var validate = validator.New()

// LicenseHandler serves the license endpoints.
type LicenseHandler struct {
	service services.LicenseService
	logger  *slog.Logger
}

// NewLicenseHandler builds the handler.
func NewLicenseHandler(service services.LicenseService, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		service: service,
		logger:  logger.With(slog.String("handler", "license")),
	}
}

// ActivateRequest is the payload for activate and revoke.
type ActivateRequest struct {
	LicenseKey string `json:"licenseKey" validate:"required"`
	HardwareID string `json:"hardwareId"`
}

// Bind implements render.Binder.
func (a *ActivateRequest) Bind(*http.Request) error { return validate.Struct(a) }

// HeartbeatRequest is the payload for heartbeat.
type HeartbeatRequest struct {
	LicenseKey string `json:"licenseKey" validate:"required"`
	MachineID  string `json:"machineId" validate:"required"`
}

// Bind implements render.Binder.
func (h *HeartbeatRequest) Bind(*http.Request) error { return validate.Struct(h) }

// RenewRequest is the payload for renew.
type RenewRequest struct {
	LicenseKey    string    `json:"licenseKey" validate:"required"`
	NewExpiration time.Time `json:"newExpiration" validate:"required"`
}

// Bind implements render.Binder.
func (r *RenewRequest) Bind(*http.Request) error { return validate.Struct(r) }

// GenerateRequest is the payload for generate.
type GenerateRequest struct {
	Type                 string                     `json:"type" validate:"required,oneof=Standard Trial NodeLocked Subscription Floating Concurrent"`
	ProductID            uuid.UUID                  `json:"productId" validate:"required"`
	FeatureIDs           []uuid.UUID                `json:"featureIds"`
	Issuer               string                     `json:"issuer"`
	UserName             string                     `json:"userName"`
	HardwareID           string                     `json:"hardwareId"`
	MaxActiveUsers       int                        `json:"maxActiveUsersCount" validate:"gte=0"`
	ExpirationDate       *time.Time                 `json:"expirationDate"`
	TrialPeriod          time.Duration              `json:"trialPeriod"`
	SubscriptionStart    *time.Time                 `json:"subscriptionStartDate"`
	SubscriptionDuration time.Duration              `json:"subscriptionDuration"`
	Features             map[string]license.Feature `json:"features"`
}

// Bind implements render.Binder.
func (g *GenerateRequest) Bind(*http.Request) error { return validate.Struct(g) }

func (g *GenerateRequest) toEngine() activation.GenerateRequest {
	req := activation.GenerateRequest{
		Type:                 license.Type(g.Type),
		ProductID:            g.ProductID,
		FeatureIDs:           g.FeatureIDs,
		Issuer:               g.Issuer,
		UserName:             g.UserName,
		HardwareID:           g.HardwareID,
		MaxActiveUsers:       g.MaxActiveUsers,
		ExpirationDate:       g.ExpirationDate,
		TrialPeriod:          g.TrialPeriod,
		SubscriptionDuration: g.SubscriptionDuration,
		Features:             g.Features,
	}
	if g.SubscriptionStart != nil {
		req.SubscriptionStart = *g.SubscriptionStart
	}
	return req
}

// StatusResponse reports an operation outcome.
type StatusResponse struct {
	Status  string `json:"status"`
	TraceID string `json:"trace_id,omitempty"`
}

// Validate handles POST /api/licenses/validate: multipart licenseKey,
// validationParams JSON and the raw envelope as licenseFile.
func (h *LicenseHandler) Validate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	traceID := middleware.GetReqID(ctx)

	if err := r.ParseMultipartForm(maxEnvelopeBytes); err != nil {
		h.renderError(w, r, fmt.Errorf("%w: malformed multipart form", apperrors.ErrBadRequest))
		return
	}
	key := r.FormValue("licenseKey")
	if key == "" {
		h.renderError(w, r, fmt.Errorf("%w: licenseKey is required", apperrors.ErrBadRequest))
		return
	}

	var params license.Params
	if raw := r.FormValue("validationParams"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &params); err != nil {
			h.renderError(w, r, fmt.Errorf("%w: malformed validation params", apperrors.ErrBadRequest))
			return
		}
	}

	var env []byte
	if file, _, err := r.FormFile("licenseFile"); err == nil {
		defer file.Close()
		env, err = io.ReadAll(io.LimitReader(file, maxEnvelopeBytes))
		if err != nil {
			h.renderError(w, r, fmt.Errorf("%w: unreadable license file", apperrors.ErrBadRequest))
			return
		}
	}

	res := h.service.Validate(ctx, key, env, params)
	if !res.OK() {
		h.logger.InfoContext(ctx, "license validation rejected",
			slog.String("status", string(res.Status)))
		h.renderResultError(w, r, res)
		return
	}
	render.JSON(w, r, StatusResponse{Status: string(res.Status), TraceID: traceID})
}

// Activate handles POST /api/licenses/activate.
func (h *LicenseHandler) Activate(w http.ResponseWriter, r *http.Request) {
	var req ActivateRequest
	if err := render.Bind(r, &req); err != nil {
		h.renderError(w, r, fmt.Errorf("%w: %v", apperrors.ErrBadRequest, err))
		return
	}
	res := h.service.Activate(r.Context(), req.LicenseKey, req.HardwareID)
	h.renderResult(w, r, res)
}

// Revoke handles POST /api/licenses/revoke.
func (h *LicenseHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	var req ActivateRequest
	if err := render.Bind(r, &req); err != nil {
		h.renderError(w, r, fmt.Errorf("%w: %v", apperrors.ErrBadRequest, err))
		return
	}
	res := h.service.Revoke(r.Context(), req.LicenseKey, req.HardwareID)
	h.renderResult(w, r, res)
}

// Heartbeat handles POST /api/licenses/heartbeat.
func (h *LicenseHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req HeartbeatRequest
	if err := render.Bind(r, &req); err != nil {
		h.renderError(w, r, fmt.Errorf("%w: %v", apperrors.ErrBadRequest, err))
		return
	}
	ok, err := h.service.Heartbeat(r.Context(), req.LicenseKey, req.MachineID)
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	if !ok {
		h.renderError(w, r, fmt.Errorf("%w: activation", apperrors.ErrNotFound))
		return
	}
	render.JSON(w, r, StatusResponse{Status: "OK", TraceID: middleware.GetReqID(r.Context())})
}

// Disconnect handles POST /api/licenses/disconnect with query parameters.
func (h *LicenseHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("licenseKey")
	hardwareID := r.URL.Query().Get("hardwareId")
	if key == "" {
		h.renderError(w, r, fmt.Errorf("%w: licenseKey is required", apperrors.ErrBadRequest))
		return
	}
	res := h.service.Disconnect(r.Context(), key, hardwareID)
	h.renderResult(w, r, res)
}

// Generate handles POST /api/licenses/generate and returns the envelope.
func (h *LicenseHandler) Generate(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if err := render.Bind(r, &req); err != nil {
		h.renderError(w, r, fmt.Errorf("%w: %v", apperrors.ErrBadRequest, err))
		return
	}
	out, err := h.service.Generate(r.Context(), req.toEngine())
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-License-Key", out.Key)
	w.WriteHeader(http.StatusCreated)
	w.Write(out.Envelope)
}

// Renew handles POST /api/licenses/renew and returns the refreshed
// envelope.
func (h *LicenseHandler) Renew(w http.ResponseWriter, r *http.Request) {
	var req RenewRequest
	if err := render.Bind(r, &req); err != nil {
		h.renderError(w, r, fmt.Errorf("%w: %v", apperrors.ErrBadRequest, err))
		return
	}
	env, res := h.service.Renew(r.Context(), req.LicenseKey, req.NewExpiration)
	if !res.OK() {
		h.renderResultError(w, r, res)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(env)
}

// ActivationView is one row of the seat listing.
type ActivationView struct {
	MachineID       string    `json:"machineId"`
	ActivatedAt     time.Time `json:"activatedAt"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
}

// Activations handles GET /api/licenses/{licenseKey}/activations.
func (h *LicenseHandler) Activations(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "licenseKey")
	rows, err := h.service.Activations(r.Context(), key)
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	out := make([]ActivationView, 0, len(rows))
	for _, a := range rows {
		out = append(out, ActivationView{
			MachineID:       a.MachineID,
			ActivatedAt:     a.ActivatedAt,
			LastHeartbeatAt: a.LastHeartbeatAt,
		})
	}
	render.JSON(w, r, out)
}

func (h *LicenseHandler) renderResult(w http.ResponseWriter, r *http.Request, res activation.Result) {
	if res.OK() {
		render.JSON(w, r, StatusResponse{
			Status:  string(res.Status),
			TraceID: middleware.GetReqID(r.Context()),
		})
		return
	}
	h.renderResultError(w, r, res)
}

func (h *LicenseHandler) renderResultError(w http.ResponseWriter, r *http.Request, res activation.Result) {
	err := res.Err
	if err == nil {
		err = errors.New(string(res.Status))
	}
	h.renderError(w, r, err)
}

func (h *LicenseHandler) renderError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	h.logger.WarnContext(ctx, "request failed", slog.String("error", err.Error()))
	render.Render(w, r, apperrors.MapLicenseError(err, middleware.GetReqID(ctx)))
}
