package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/boddenberg/account-ledger-go/internal/domain"

	"go.uber.org/zap"
)

type contextKey string

const (
	idempotencyKey    contextKey = "idempotencyKey"
	idempotencyHeader            = "Idempotency-Key"
)

// IdempotencyKeyMiddleware reads the Idempotency-Key header, rejects keys
// longer than a ledger reference may be and injects the key into context.
func IdempotencyKeyMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > domain.MaxReferenceLength {
				logger.Warn("idempotency key too long",
					zap.String("path", r.URL.Path),
					zap.Int("length", len(key)),
				)
				writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Idempotency-Key too long", Field: idempotencyHeader})
				return
			}

			ctx := context.WithValue(r.Context(), idempotencyKey, key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IdempotencyKeyFromContext returns the request's idempotency key, if any.
func IdempotencyKeyFromContext(ctx context.Context) string {
	v, _ := ctx.Value(idempotencyKey).(string)
	return v
}
