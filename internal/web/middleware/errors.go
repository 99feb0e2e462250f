package middleware

import (
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/shindakun/pastpapers/internal/metrics"
	"go.uber.org/zap"
)

// ErrorHandler recovers from panics in next and renders the error page with fallback
func ErrorHandler(logger *zap.Logger, fallback http.Handler) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					// The server handles this one itself
					panic(rec)
				}

				metrics.RecordError("panic")
				logger.Error("panic recovered",
					zap.Any("panic", rec),
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("path", r.URL.Path),
					zap.Stack("stack"),
				)
				fallback.ServeHTTP(w, r)
			}()

			next.ServeHTTP(w, r)
		})
	}
}
