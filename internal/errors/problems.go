package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/render"
)

// ProblemDetails implements RFC 7807 Problem Details for HTTP APIs.
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	Extensions map[string]interface{} `json:"-"`
}

// Render implements the render.Renderer interface.
func (pd *ProblemDetails) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, pd.Status)
	return nil
}

// MarshalJSON folds extensions into the top-level object.
func (pd *ProblemDetails) MarshalJSON() ([]byte, error) {
	data := map[string]interface{}{
		"type":   pd.Type,
		"title":  pd.Title,
		"status": pd.Status,
	}
	if pd.Detail != "" {
		data["detail"] = pd.Detail
	}
	if pd.Instance != "" {
		data["instance"] = pd.Instance
	}
	for k, v := range pd.Extensions {
		data[k] = v
	}
	return json.Marshal(data)
}

// NewProblemDetails creates a new RFC 7807 compliant error body.
func NewProblemDetails(status int, problemType, title, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:       problemType,
		Title:      title,
		Status:     status,
		Detail:     detail,
		Instance:   instance,
		Extensions: make(map[string]interface{}),
	}
}

// WithExtension adds an extension field to the problem details.
func (pd *ProblemDetails) WithExtension(key string, value interface{}) *ProblemDetails {
	pd.Extensions[key] = value
	return pd
}

// MapLicenseError translates a domain error into an RFC 7807 response body.
func MapLicenseError(err error, traceID string) render.Renderer {
	instance := fmt.Sprintf("/api/licenses#trace-%s", traceID)

	problem := func(status int, kind, title, detail, code string) *ProblemDetails {
		return NewProblemDetails(status, "/errors/"+kind, title, detail, instance).
			WithExtension("trace_id", traceID).
			WithExtension("error_code", code)
	}

	switch {
	case errors.Is(err, ErrInvalidSignature):
		return problem(http.StatusBadRequest, "invalid-license-signature",
			"Invalid License Signature",
			"The license envelope failed signature or integrity verification.",
			"INVALID_LICENSE_SIGNATURE")
	case errors.Is(err, ErrInvalidFormat):
		return problem(http.StatusBadRequest, "invalid-license-format",
			"Invalid License Format",
			"The license envelope or payload could not be parsed.",
			"INVALID_LICENSE_FORMAT")
	case errors.Is(err, ErrExpired):
		return problem(http.StatusForbidden, "license-expired",
			"License Expired",
			"The license has expired. Renew to continue.",
			"LICENSE_EXPIRED")
	case errors.Is(err, ErrRevoked):
		return problem(http.StatusForbidden, "license-revoked",
			"License Revoked",
			"The license has been revoked.",
			"LICENSE_REVOKED")
	case errors.Is(err, ErrHardwareMismatch):
		return problem(http.StatusConflict, "hardware-mismatch",
			"Hardware Mismatch",
			"The license is bound to different hardware.",
			"HARDWARE_MISMATCH")
	case errors.Is(err, ErrUserMismatch):
		return problem(http.StatusConflict, "user-mismatch",
			"User Mismatch",
			"The user name or license key does not match the license.",
			"USER_MISMATCH")
	case errors.Is(err, ErrMaxActivations):
		return problem(http.StatusConflict, "maximum-activations-reached",
			"Maximum Activations Reached",
			"All seats for this license are currently in use.",
			"MAXIMUM_ACTIVATIONS_REACHED")
	case errors.Is(err, ErrNotFound):
		return problem(http.StatusNotFound, "not-found",
			"Not Found",
			"No license or activation matches the request.",
			"NOT_FOUND")
	case errors.Is(err, ErrBadRequest):
		return problem(http.StatusBadRequest, "bad-request",
			"Bad Request",
			"A precondition of the request was violated.",
			"BAD_REQUEST")
	case errors.Is(err, ErrFeatureNotLicensed):
		return problem(http.StatusForbidden, "feature-not-licensed",
			"Feature Not Licensed",
			"The requested feature is not enabled by the current license.",
			"FEATURE_NOT_LICENSED")
	case errors.Is(err, ErrKeyManagement):
		return problem(http.StatusInternalServerError, "key-management",
			"Key Management Error",
			"The server signing material is unavailable.",
			"KEY_MANAGEMENT")
	default:
		return problem(http.StatusInternalServerError, "internal-error",
			"Internal Server Error",
			"An unexpected error occurred while processing the request.",
			"INTERNAL_ERROR")
	}
}
