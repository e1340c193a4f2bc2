package middleware

import (
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"licensor/internal/infrastructure"
)

// Trace copies the chi request id into the context slot the logger reads,
// so every log line within a request carries its trace id.
func Trace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if reqID := middleware.GetReqID(ctx); reqID != "" {
			ctx = infrastructure.WithTraceID(ctx, reqID)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
