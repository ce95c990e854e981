package api

import (
	"context"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/cors"

	"github.com/yral-dapp/postcache/common"
	"github.com/yral-dapp/postcache/log"
	"github.com/yral-dapp/postcache/metrics"
)

// normalizeEndpoint removes all unique identifiers from the URL in order to
// make it possible to group the Prometheus metrics nicely.
func normalizeEndpoint(url string) string {
	var nels []string

	els := strings.Split(url, "/")
	for i, e := range els {
		// Everything below the canister HTTP prefix is chosen by the client.
		if i > 0 && els[i-1] == "canister-http" {
			nels = append(nels, "*")
			break
		}
		// Principals are long; post ids are integers.
		isTooLong := len(e) >= 27
		isInt := len(e) > 0 && strings.IndexFunc(e, func(c rune) bool { return c < '0' || c > '9' }) == -1
		if isTooLong || isInt {
			nels = append(nels, "*")
		} else {
			nels = append(nels, e)
		}
	}

	return strings.Join(nels, "/")
}

// MetricsMiddleware is a middleware that measures the start and end of each request,
// as well as other useful request information.
// It should be used as the outermost middleware, so it can
// - set a requestID and make it available to all handlers and
// - observe the final HTTP status code at the end of the request.
func MetricsMiddleware(m metrics.RequestMetrics, logger *log.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := uuid.New()
			logger.Debug("starting request",
				"endpoint", r.URL.Path,
				"request_id", requestID,
			)
			t := time.Now()
			defer m.Track()()
			metricName := normalizeEndpoint(r.URL.Path)

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			ww.Header().Set("x-request-id", requestID.String())
			next.ServeHTTP(ww, r.WithContext(
				context.WithValue(r.Context(), common.RequestIDContextKey, requestID),
			))

			httpStatus := ww.Status()
			if httpStatus == 0 {
				httpStatus = http.StatusOK
			}
			latency := time.Since(t)
			logger.Info("ending request",
				"query_path", r.URL.Path,
				"query_params", r.URL.RawQuery,
				"method", r.Method,
				"request_id", requestID,
				"latency", latency,
				"latency_bin", binQueryLatency(latency),
				"status_code", httpStatus,
			)

			statusTxt := "failure"
			if httpStatus >= 200 && httpStatus < 400 {
				statusTxt = "success"
			} else if httpStatus >= 400 && httpStatus < 500 {
				// Group all 4xx errors into the "ignored" label; they
				// are client mistakes.
				statusTxt = "failure_4xx"
				metricName = "ignored"
			}
			// Invalid UTF-8 label values make Prometheus panic.
			if !utf8.ValidString(metricName) {
				logger.Debug("invalid metric name", "metric_name", metricName)
				metricName = "ignored"
				statusTxt = "non_utf8_path"
			}
			m.RequestCounter(metricName, statusTxt).Inc()
			m.ObserveLatency(metricName, r.Method, latency)
		})
	}
}

// Bin request durations to make it easier to search
// for slow requests in logs.
func binQueryLatency(t time.Duration) string {
	switch {
	case t < 100*time.Millisecond:
		return "<100ms"
	case t < 300*time.Millisecond:
		return "100-300ms"
	case t < 500*time.Millisecond:
		return "300-500ms"
	case t < 1000*time.Millisecond:
		return "500-1000ms"
	default:
		return ">1000ms"
	}
}

// CorsMiddleware returns a CORS middleware. Unless allowUpdates is set only
// GET requests are allowed. No origins means any origin.
func CorsMiddleware(allowedOrigins []string, allowUpdates bool) func(http.Handler) http.Handler {
	methods := []string{http.MethodGet, http.MethodHead}
	if allowUpdates {
		methods = append(methods, http.MethodPost, http.MethodDelete)
	}
	return cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   methods,
		AllowedHeaders:   []string{"Content-Type"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
	}).Handler
}
