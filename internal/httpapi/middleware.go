package httpapi

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type contextKey string

const (
	deviceIDKey      contextKey = "deviceId"
	correlationIDKey contextKey = "correlationId"
)

// DeviceMiddleware reads the X-Device-ID header so requests from the
// platform shell can be told apart in logs
func DeviceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deviceID := r.Header.Get("X-Device-ID")

		if deviceID != "" {
			ctx := context.WithValue(r.Context(), deviceIDKey, deviceID)

			// Build on the contextual logger so the correlation ID is kept
			logger := log.Ctx(ctx).With().Str("deviceId", deviceID).Logger()
			ctx = logger.WithContext(ctx)

			r = r.WithContext(ctx)
		}

		next.ServeHTTP(w, r)
	})
}

// GetDeviceID retrieves the device ID from context
func GetDeviceID(ctx context.Context) string {
	if deviceID, ok := ctx.Value(deviceIDKey).(string); ok {
		return deviceID
	}
	return ""
}

// CorrelationMiddleware reads X-Correlation-ID header and adds it to context
// Generates a new correlation ID if client doesn't provide one
func CorrelationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get("X-Correlation-ID")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}

		// Echo back for client verification
		w.Header().Set("X-Correlation-ID", correlationID)

		ctx := context.WithValue(r.Context(), correlationIDKey, correlationID)

		// Every log line of this request carries the ID
		logger := log.With().Str("correlation_id", correlationID).Logger()
		ctx = logger.WithContext(ctx)

		r = r.WithContext(ctx)
		next.ServeHTTP(w, r)
	})
}

// GetCorrelationID retrieves the correlation ID from context
func GetCorrelationID(ctx context.Context) string {
	if correlationID, ok := ctx.Value(correlationIDKey).(string); ok {
		return correlationID
	}
	return ""
}
