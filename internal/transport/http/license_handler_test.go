package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensor/internal/activation"
	apperrors "licensor/internal/errors"
	"licensor/internal/license"
	"licensor/internal/services"
	"licensor/internal/store"
)

// stubService lets each test script the service layer without a store or
// signing material.
type stubService struct {
	generateFn    func(ctx context.Context, req activation.GenerateRequest) (*activation.Generated, error)
	validateFn    func(ctx context.Context, key string, env []byte, params license.Params) activation.Result
	activateFn    func(ctx context.Context, key, hardwareID string) activation.Result
	revokeFn      func(ctx context.Context, key, hardwareID string) activation.Result
	disconnectFn  func(ctx context.Context, key, hardwareID string) activation.Result
	renewFn       func(ctx context.Context, key string, newExpiration time.Time) ([]byte, activation.Result)
	heartbeatFn   func(ctx context.Context, key, machineID string) (bool, error)
	activationsFn func(ctx context.Context, key string) ([]store.Activation, error)
	healthFn      func(ctx context.Context) services.HealthStatus
}

func (s *stubService) Generate(ctx context.Context, req activation.GenerateRequest) (*activation.Generated, error) {
	return s.generateFn(ctx, req)
}

func (s *stubService) Validate(ctx context.Context, key string, env []byte, params license.Params) activation.Result {
	return s.validateFn(ctx, key, env, params)
}

func (s *stubService) Activate(ctx context.Context, key, hardwareID string) activation.Result {
	return s.activateFn(ctx, key, hardwareID)
}

func (s *stubService) Revoke(ctx context.Context, key, hardwareID string) activation.Result {
	return s.revokeFn(ctx, key, hardwareID)
}

func (s *stubService) Disconnect(ctx context.Context, key, hardwareID string) activation.Result {
	return s.disconnectFn(ctx, key, hardwareID)
}

func (s *stubService) Renew(ctx context.Context, key string, newExpiration time.Time) ([]byte, activation.Result) {
	return s.renewFn(ctx, key, newExpiration)
}

func (s *stubService) Heartbeat(ctx context.Context, key, machineID string) (bool, error) {
	return s.heartbeatFn(ctx, key, machineID)
}

func (s *stubService) Activations(ctx context.Context, key string) ([]store.Activation, error) {
	return s.activationsFn(ctx, key)
}

func (s *stubService) Health(ctx context.Context) services.HealthStatus {
	return s.healthFn(ctx)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHandler(svc services.LicenseService) *LicenseHandler {
	return NewLicenseHandler(svc, discardLogger())
}

func postJSON(t *testing.T, handler http.HandlerFunc, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func multipartValidateRequest(t *testing.T, key string, params *license.Params, envelope []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	require.NoError(t, w.WriteField("licenseKey", key))
	if params != nil {
		raw, err := json.Marshal(params)
		require.NoError(t, err)
		require.NoError(t, w.WriteField("validationParams", string(raw)))
	}
	if envelope != nil {
		fw, err := w.CreateFormFile("licenseFile", "license.lic")
		require.NoError(t, err)
		_, err = fw.Write(envelope)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/licenses/validate", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func TestValidateHandler(t *testing.T) {
	var gotKey string
	var gotParams license.Params
	var gotEnv []byte
	svc := &stubService{
		validateFn: func(_ context.Context, key string, env []byte, params license.Params) activation.Result {
			gotKey, gotEnv, gotParams = key, env, params
			return activation.Result{Status: activation.StatusValid}
		},
	}
	h := newHandler(svc)

	req := multipartValidateRequest(t, "key-123",
		&license.Params{UserName: "alice"}, []byte("envelope-bytes"))
	rec := httptest.NewRecorder()
	h.Validate(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "key-123", gotKey)
	assert.Equal(t, "alice", gotParams.UserName)
	assert.Equal(t, []byte("envelope-bytes"), gotEnv)

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Valid", resp.Status)
}

func TestValidateHandlerWithoutEnvelope(t *testing.T) {
	var gotEnv []byte
	svc := &stubService{
		validateFn: func(_ context.Context, _ string, env []byte, _ license.Params) activation.Result {
			gotEnv = env
			return activation.Result{Status: activation.StatusValid}
		},
	}
	h := newHandler(svc)

	req := multipartValidateRequest(t, "key-123", nil, nil)
	rec := httptest.NewRecorder()
	h.Validate(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, gotEnv, "a record-only check carries no envelope")
}

func TestValidateHandlerRejections(t *testing.T) {
	tests := []struct {
		name       string
		request    func(t *testing.T) *http.Request
		result     activation.Result
		wantStatus int
		wantCode   string
	}{
		{
			name: "missing license key",
			request: func(t *testing.T) *http.Request {
				return multipartValidateRequest(t, "", nil, nil)
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   "BAD_REQUEST",
		},
		{
			name: "not multipart",
			request: func(t *testing.T) *http.Request {
				return httptest.NewRequest(http.MethodPost, "/api/licenses/validate",
					bytes.NewReader([]byte("plain body")))
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   "BAD_REQUEST",
		},
		{
			name: "expired license",
			request: func(t *testing.T) *http.Request {
				return multipartValidateRequest(t, "key-123", nil, []byte("env"))
			},
			result:     activation.Result{Status: activation.StatusExpired, Err: apperrors.ErrExpired},
			wantStatus: http.StatusForbidden,
			wantCode:   "LICENSE_EXPIRED",
		},
		{
			name: "revoked license",
			request: func(t *testing.T) *http.Request {
				return multipartValidateRequest(t, "key-123", nil, []byte("env"))
			},
			result:     activation.Result{Status: activation.StatusRevoked, Err: apperrors.ErrRevoked},
			wantStatus: http.StatusForbidden,
			wantCode:   "LICENSE_REVOKED",
		},
		{
			name: "tampered envelope",
			request: func(t *testing.T) *http.Request {
				return multipartValidateRequest(t, "key-123", nil, []byte("env"))
			},
			result:     activation.Result{Status: activation.StatusInvalid, Err: apperrors.ErrInvalidSignature},
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_LICENSE_SIGNATURE",
		},
		{
			name: "unknown key",
			request: func(t *testing.T) *http.Request {
				return multipartValidateRequest(t, "key-123", nil, []byte("env"))
			},
			result:     activation.Result{Status: activation.StatusNotFound, Err: apperrors.ErrNotFound},
			wantStatus: http.StatusNotFound,
			wantCode:   "NOT_FOUND",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{
				validateFn: func(context.Context, string, []byte, license.Params) activation.Result {
					return tt.result
				},
			}
			rec := httptest.NewRecorder()
			newHandler(svc).Validate(rec, tt.request(t))

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.wantCode)
		})
	}
}

func TestActivateHandler(t *testing.T) {
	var gotKey, gotHW string
	svc := &stubService{
		activateFn: func(_ context.Context, key, hardwareID string) activation.Result {
			gotKey, gotHW = key, hardwareID
			return activation.Result{Status: activation.StatusValid}
		},
	}
	h := newHandler(svc)

	rec := postJSON(t, h.Activate, ActivateRequest{LicenseKey: "key-123", HardwareID: "fp-1"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "key-123", gotKey)
	assert.Equal(t, "fp-1", gotHW)
}

func TestActivateHandlerSeatCapExhausted(t *testing.T) {
	svc := &stubService{
		activateFn: func(context.Context, string, string) activation.Result {
			return activation.Result{Status: activation.StatusInvalid, Err: apperrors.ErrMaxActivations}
		},
	}
	rec := postJSON(t, newHandler(svc).Activate, ActivateRequest{LicenseKey: "key-123", HardwareID: "fp-1"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "MAXIMUM_ACTIVATIONS_REACHED")
}

func TestActivateHandlerMissingKey(t *testing.T) {
	svc := &stubService{
		activateFn: func(context.Context, string, string) activation.Result {
			t.Fatal("service must not be reached on a bad payload")
			return activation.Result{}
		},
	}
	rec := postJSON(t, newHandler(svc).Activate, ActivateRequest{HardwareID: "fp-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRevokeHandler(t *testing.T) {
	svc := &stubService{
		revokeFn: func(_ context.Context, key, hardwareID string) activation.Result {
			assert.Equal(t, "key-123", key)
			return activation.Result{Status: activation.StatusValid}
		},
	}
	rec := postJSON(t, newHandler(svc).Revoke, ActivateRequest{LicenseKey: "key-123"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHeartbeatHandler(t *testing.T) {
	tests := []struct {
		name       string
		ok         bool
		err        error
		wantStatus int
	}{
		{name: "seat refreshed", ok: true, wantStatus: http.StatusOK},
		{name: "unknown machine", ok: false, wantStatus: http.StatusNotFound},
		{name: "unknown key", err: fmt.Errorf("%w: license", apperrors.ErrNotFound), wantStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{
				heartbeatFn: func(_ context.Context, key, machineID string) (bool, error) {
					assert.Equal(t, "key-123", key)
					assert.Equal(t, "machine-1", machineID)
					return tt.ok, tt.err
				},
			}
			rec := postJSON(t, newHandler(svc).Heartbeat,
				HeartbeatRequest{LicenseKey: "key-123", MachineID: "machine-1"})
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestHeartbeatHandlerRequiresMachineID(t *testing.T) {
	svc := &stubService{
		heartbeatFn: func(context.Context, string, string) (bool, error) {
			t.Fatal("service must not be reached on a bad payload")
			return false, nil
		},
	}
	rec := postJSON(t, newHandler(svc).Heartbeat, HeartbeatRequest{LicenseKey: "key-123"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDisconnectHandler(t *testing.T) {
	var gotKey, gotHW string
	svc := &stubService{
		disconnectFn: func(_ context.Context, key, hardwareID string) activation.Result {
			gotKey, gotHW = key, hardwareID
			return activation.Result{Status: activation.StatusValid}
		},
	}
	h := newHandler(svc)

	req := httptest.NewRequest(http.MethodPost,
		"/api/licenses/disconnect?licenseKey=key-123&hardwareId=fp-1", nil)
	rec := httptest.NewRecorder()
	h.Disconnect(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "key-123", gotKey)
	assert.Equal(t, "fp-1", gotHW)

	missing := httptest.NewRequest(http.MethodPost, "/api/licenses/disconnect", nil)
	rec = httptest.NewRecorder()
	h.Disconnect(rec, missing)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGenerateHandler(t *testing.T) {
	productID := uuid.New()
	svc := &stubService{
		generateFn: func(_ context.Context, req activation.GenerateRequest) (*activation.Generated, error) {
			assert.Equal(t, license.TypeConcurrent, req.Type)
			assert.Equal(t, productID, req.ProductID)
			assert.Equal(t, 5, req.MaxActiveUsers)
			return &activation.Generated{
				Envelope: []byte("signed-envelope"),
				ID:       uuid.New(),
				Key:      "fresh-key",
			}, nil
		},
	}

	rec := postJSON(t, newHandler(svc).Generate, GenerateRequest{
		Type:           "Concurrent",
		ProductID:      productID,
		UserName:       "erin",
		MaxActiveUsers: 5,
	})

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "fresh-key", rec.Header().Get("X-License-Key"))
	assert.Equal(t, "signed-envelope", rec.Body.String())
}

func TestGenerateHandlerRejectsUnknownType(t *testing.T) {
	svc := &stubService{
		generateFn: func(context.Context, activation.GenerateRequest) (*activation.Generated, error) {
			t.Fatal("service must not be reached on a bad payload")
			return nil, nil
		},
	}
	rec := postJSON(t, newHandler(svc).Generate, GenerateRequest{
		Type:      "Perpetual",
		ProductID: uuid.New(),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGenerateHandlerEngineError(t *testing.T) {
	svc := &stubService{
		generateFn: func(context.Context, activation.GenerateRequest) (*activation.Generated, error) {
			return nil, fmt.Errorf("%w: unknown product", apperrors.ErrBadRequest)
		},
	}
	rec := postJSON(t, newHandler(svc).Generate, GenerateRequest{
		Type:      "Standard",
		ProductID: uuid.New(),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "BAD_REQUEST")
}

func TestRenewHandler(t *testing.T) {
	newExp := time.Now().Add(90 * 24 * time.Hour).UTC().Truncate(time.Second)
	svc := &stubService{
		renewFn: func(_ context.Context, key string, newExpiration time.Time) ([]byte, activation.Result) {
			assert.Equal(t, "key-123", key)
			assert.True(t, newExpiration.Equal(newExp))
			return []byte("renewed-envelope"), activation.Result{Status: activation.StatusValid}
		},
	}

	rec := postJSON(t, newHandler(svc).Renew, RenewRequest{LicenseKey: "key-123", NewExpiration: newExp})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "renewed-envelope", rec.Body.String())
}

func TestRenewHandlerNotExtending(t *testing.T) {
	svc := &stubService{
		renewFn: func(context.Context, string, time.Time) ([]byte, activation.Result) {
			return nil, activation.Result{
				Status: activation.StatusInvalid,
				Err:    fmt.Errorf("%w: renewal must extend the subscription", apperrors.ErrBadRequest),
			}
		},
	}
	rec := postJSON(t, newHandler(svc).Renew,
		RenewRequest{LicenseKey: "key-123", NewExpiration: time.Now().Add(time.Hour)})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestActivationsHandler(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	svc := &stubService{
		activationsFn: func(_ context.Context, key string) ([]store.Activation, error) {
			assert.Equal(t, "key-123", key)
			return []store.Activation{
				{MachineID: "machine-1", ActivatedAt: now, LastHeartbeatAt: now},
				{MachineID: "machine-2", ActivatedAt: now, LastHeartbeatAt: now},
			}, nil
		},
	}

	r := chi.NewRouter()
	r.Get("/api/licenses/{licenseKey}/activations", newHandler(svc).Activations)

	req := httptest.NewRequest(http.MethodGet, "/api/licenses/key-123/activations", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var views []ActivationView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 2)
	assert.Equal(t, "machine-1", views[0].MachineID)
	assert.True(t, views[0].ActivatedAt.Equal(now))
}

func TestActivationsHandlerUnknownKey(t *testing.T) {
	svc := &stubService{
		activationsFn: func(context.Context, string) ([]store.Activation, error) {
			return nil, fmt.Errorf("%w: license", apperrors.ErrNotFound)
		},
	}
	r := chi.NewRouter()
	r.Get("/api/licenses/{licenseKey}/activations", newHandler(svc).Activations)

	req := httptest.NewRequest(http.MethodGet, "/api/licenses/missing/activations", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
