package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"ticketbridge/internal/httputil"
	"ticketbridge/internal/metrics"
	"ticketbridge/internal/privacy"
	"ticketbridge/internal/security"
	"ticketbridge/internal/service"
	"ticketbridge/internal/tracing"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// RequestIDHeader carries the request id in and out of the webhook server.
const RequestIDHeader = "X-Request-ID"

const maxRequestIDLength = 64

// ObservabilityMiddleware assigns a request id, opens the request span and
// records request metrics. Every route of the webhook server runs inside it.
func ObservabilityMiddleware(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := tracing.WithOtelTracing(r.Context(), "http_request")
			defer span.End()

			requestID := r.Header.Get(RequestIDHeader)
			if requestID == "" || len(requestID) > maxRequestIDLength {
				requestID = tracing.GenerateRequestID()
			}
			ctx = tracing.WithStartTime(tracing.WithRequestID(ctx, requestID), time.Now())
			w.Header().Set(RequestIDHeader, requestID)
			r = r.WithContext(ctx)

			clientIP := httputil.GetClientIP(r)
			endpoint := routeTemplate(r)
			tracing.AddSpanAttributes(ctx,
				attribute.String("http.method", r.Method),
				attribute.String("http.route", endpoint),
				attribute.String("client.address", clientIP),
				attribute.String("user_agent.original", r.Header.Get("User-Agent")),
			)

			info := tracing.GetRequestInfo(ctx)
			log := logger.WithFields(logrus.Fields{
				service.LogFieldRequestID: info.RequestID,
				service.LogFieldTraceID:   info.TraceID,
				service.LogFieldMethod:    r.Method,
				service.LogFieldURL:       r.URL.Path,
				service.LogFieldRemoteIP:  clientIP,
			})
			log.WithFields(logrus.Fields{
				service.LogFieldUserAgent: r.Header.Get("User-Agent"),
				"content_length":          r.ContentLength,
			}).Debug("HTTP request started")

			labels := map[string]string{"method": r.Method, "endpoint": endpoint}
			metrics.IncrementCounter("http_requests_total", labels, "Total HTTP requests")
			metrics.IncrementCounter("http_requests_active", nil, "Currently active HTTP requests")
			defer metrics.AddToCounter("http_requests_active", -1, nil, "Currently active HTTP requests")

			rw := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)

			duration := tracing.Duration(ctx)
			finishSpan(ctx, rw, duration, "HTTP %d")

			labels["status_code"] = strconv.Itoa(rw.statusCode)
			metrics.RecordTimer("http_request_duration", duration, labels, "HTTP request duration")
			metrics.IncrementCounter("http_responses_total", labels, "HTTP responses by status code")

			log.WithFields(logrus.Fields{
				service.LogFieldStatusCode: rw.statusCode,
				service.LogFieldDuration:   duration.Milliseconds(),
				service.LogFieldSize:       rw.responseSize,
			}).Log(levelForStatus(rw.statusCode), "HTTP request completed")
		})
	}
}

// WebhookObservabilityMiddleware records per-event-type metrics for the
// WHMCS hook endpoints. It runs inside ObservabilityMiddleware, so the
// request id is already on the context.
func WebhookObservabilityMiddleware(logger *logrus.Logger, webhookType string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()
			ctx, span := tracing.StartSpan(r.Context(), "webhook_request",
				attribute.String("webhook.type", webhookType),
				attribute.Bool("webhook.signed", r.Header.Get(security.SignatureHeader) != ""),
				attribute.Int64("http.request.content_length", r.ContentLength),
			)
			defer span.End()
			r = r.WithContext(ctx)

			metrics.IncrementCounter("webhook_requests_total", map[string]string{"type": webhookType},
				"Total webhook requests by type")

			info := tracing.GetRequestInfo(ctx)
			logger.WithFields(maskedFields(map[string]interface{}{
				service.LogFieldRequestID: info.RequestID,
				service.LogFieldComponent: webhookType,
				"signature":               r.Header.Get(security.SignatureHeader),
				"content_length":          r.ContentLength,
			})).Debug("Webhook request started")

			rw := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)

			elapsed := time.Since(started)
			finishSpan(ctx, rw, elapsed, "webhook failed with HTTP %d")

			status := strconv.Itoa(rw.statusCode)
			metrics.RecordTimer("webhook_processing_duration", elapsed,
				map[string]string{"type": webhookType, "status_code": status}, "Webhook processing duration")
			if rw.statusCode >= 400 {
				metrics.IncrementCounter("webhook_errors_total",
					map[string]string{"type": webhookType, "status_code": status}, "Webhook processing errors")
			} else {
				metrics.IncrementCounter("webhook_success_total",
					map[string]string{"type": webhookType}, "Successful webhook processing")
			}

			logger.WithFields(logrus.Fields{
				service.LogFieldRequestID:  info.RequestID,
				service.LogFieldComponent:  webhookType,
				service.LogFieldStatusCode: rw.statusCode,
				service.LogFieldDuration:   elapsed.Milliseconds(),
			}).Log(levelForStatus(rw.statusCode), "Webhook request completed")
		})
	}
}

// routeTemplate labels metrics by the matched mux route so ticket ids in
// paths never become label values.
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}

func finishSpan(ctx context.Context, rw *responseWrapper, elapsed time.Duration, failFormat string) {
	tracing.AddSpanAttributes(ctx,
		attribute.Int("http.response.status_code", rw.statusCode),
		attribute.Int64("http.response.size", rw.responseSize),
		attribute.Int64("duration_ms", elapsed.Milliseconds()),
	)
	if rw.statusCode >= 400 {
		tracing.SetSpanStatus(ctx, codes.Error, fmt.Sprintf(failFormat, rw.statusCode))
		return
	}
	tracing.SetSpanStatus(ctx, codes.Ok, "")
}

func levelForStatus(status int) logrus.Level {
	switch {
	case status >= 500:
		return logrus.ErrorLevel
	case status >= 400:
		return logrus.WarnLevel
	default:
		return logrus.InfoLevel
	}
}

func maskedFields(fields map[string]interface{}) logrus.Fields {
	return logrus.Fields(privacy.MaskSensitiveFields(fields))
}

// responseWrapper captures the status code and body size
type responseWrapper struct {
	http.ResponseWriter
	statusCode   int
	responseSize int64
}

func (rw *responseWrapper) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *responseWrapper) Write(data []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(data)
	rw.responseSize += int64(n)
	return n, err
}
