package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensor/internal/services"
)

func TestHealthHandler(t *testing.T) {
	tests := []struct {
		name       string
		status     services.HealthStatus
		wantStatus int
	}{
		{
			name:       "healthy",
			status:     services.HealthStatus{Healthy: true, Store: "ok", SecretsLoaded: true},
			wantStatus: http.StatusOK,
		},
		{
			name:       "store unreachable",
			status:     services.HealthStatus{Healthy: false, Store: "unreachable", SecretsLoaded: true},
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "secrets missing",
			status:     services.HealthStatus{Healthy: false, Store: "ok"},
			wantStatus: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{
				healthFn: func(context.Context) services.HealthStatus { return tt.status },
			}
			h := NewHealthHandler(svc, discardLogger())

			req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			rec := httptest.NewRecorder()
			h.Health(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			var got services.HealthStatus
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
			assert.Equal(t, tt.status, got)
		})
	}
}
