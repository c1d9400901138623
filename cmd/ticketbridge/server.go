package main

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"net"
	"net/http"
	"net/url"
	"time"

	"ticketbridge/internal/constants"
	"ticketbridge/internal/errors"
	"ticketbridge/internal/middleware"
	"ticketbridge/internal/models"
	"ticketbridge/internal/security"
	"ticketbridge/internal/service"
	"ticketbridge/internal/tracing"
	"ticketbridge/internal/validation"
	"ticketbridge/pkg/whmcs"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// WebhookHandler applies WHMCS hook events to the reconciliation engine.
type WebhookHandler interface {
	OnTicketEvent(ctx context.Context, action, ticketID string) error
	OnReplyEvent(ctx context.Context, ticketID, replyID string) error
}

// HealthChecker reports whether a dependency is reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// ServerOptions configures the webhook server
type ServerOptions struct {
	Port            int
	Secret          string
	RequireSecret   bool
	RateLimitPerMin int
	Verbose         bool
}

type Server struct {
	router   *mux.Router
	logger   *logrus.Logger
	webhooks WebhookHandler
	db       HealthChecker
	limiter  *middleware.RateLimiter
	opts     ServerOptions
	server   *http.Server
}

func NewServer(opts ServerOptions, webhooks WebhookHandler, db HealthChecker, logger *logrus.Logger) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		logger:   logger,
		webhooks: webhooks,
		db:       db,
		limiter:  middleware.NewRateLimiter(opts.RateLimitPerMin, constants.DefaultWebhookRateBurst),
		opts:     opts,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.ObservabilityMiddleware(s.logger))
	if s.opts.Verbose {
		s.router.Use(middleware.DetailedLoggingMiddleware(s.logger, middleware.VerboseLoggingConfig()))
	}

	s.router.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics", s.handleMetrics()).Methods(http.MethodGet)

	limit := s.limiter.Middleware(s.logger)
	s.router.Handle("/webhook/ticket",
		limit(middleware.WebhookObservabilityMiddleware(s.logger, "ticket")(s.handleTicketWebhook()))).
		Methods(http.MethodPost)
	s.router.Handle("/webhook/reply",
		limit(middleware.WebhookObservabilityMiddleware(s.logger, "reply")(s.handleReplyWebhook()))).
		Methods(http.MethodPost)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Not found"})
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
	})
}

// Start listens until Shutdown is called. It returns http.ErrServerClosed
// after a graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.opts.Port),
		Handler:      s.router,
		ReadTimeout:  constants.DefaultServerReadTimeoutSec * time.Second,
		WriteTimeout: constants.DefaultServerWriteTimeoutSec * time.Second,
		IdleTimeout:  constants.DefaultServerIdleTimeoutSec * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	go s.limiter.RunCleanup(ctx, time.Minute)

	s.logger.WithField("port", s.opts.Port).Info("Starting webhook server")
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		body := map[string]string{
			"status":    "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"version":   Version,
			"database":  "ok",
		}
		if s.db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := s.db.Ping(ctx); err != nil {
				status = http.StatusServiceUnavailable
				body["status"] = "unhealthy"
				body["database"] = "unreachable"
				s.logger.WithError(err).Warn("Health check: database unreachable")
			}
		}
		writeJSON(w, status, body)
	}
}

func (s *Server) handleTicketWebhook() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload models.TicketWebhookPayload
		if !s.readPayload(w, r, &payload, func(v url.Values) {
			payload.Action = v.Get("action")
			payload.TicketID = whmcs.FlexString(v.Get("ticket_id"))
			payload.Status = v.Get("status")
			payload.Priority = v.Get("priority")
		}) {
			return
		}

		log := s.requestLogger(r).WithFields(logrus.Fields{
			service.LogFieldAction:   payload.Action,
			service.LogFieldTicketID: payload.TicketID.String(),
		})
		if err := s.webhooks.OnTicketEvent(r.Context(), payload.Action, payload.TicketID.String()); err != nil {
			errors.Entry(log, err).Error("Ticket webhook failed")
			middleware.WriteError(w, r, err)
			return
		}
		log.Info("Ticket webhook processed")
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

func (s *Server) handleReplyWebhook() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload models.ReplyWebhookPayload
		if !s.readPayload(w, r, &payload, func(v url.Values) {
			payload.TicketID = whmcs.FlexString(v.Get("ticket_id"))
			payload.ReplyID = whmcs.FlexString(v.Get("reply_id"))
			payload.Admin = v.Get("admin")
		}) {
			return
		}

		log := s.requestLogger(r).WithFields(logrus.Fields{
			service.LogFieldTicketID: payload.TicketID.String(),
			service.LogFieldReplyID:  payload.ReplyID.String(),
		})
		if err := s.webhooks.OnReplyEvent(r.Context(), payload.TicketID.String(), payload.ReplyID.String()); err != nil {
			errors.Entry(log, err).Error("Reply webhook failed")
			middleware.WriteError(w, r, err)
			return
		}
		log.Info("Reply webhook processed")
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

// readPayload checks size and signature, then decodes a JSON or
// form-encoded body into dst and validates it. On failure it has already
// written the response.
func (s *Server) readPayload(w http.ResponseWriter, r *http.Request, dst interface{}, fromForm func(url.Values)) bool {
	if err := validation.ValidateHTTPRequestSize(r, constants.MaxWebhookBodyBytes); err != nil {
		middleware.WriteError(w, r, err)
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, constants.MaxWebhookBodyBytes)

	body, err := security.VerifySignature(r, s.opts.Secret, security.SignatureHeader, s.opts.RequireSecret)
	if err != nil {
		s.requestLogger(r).WithError(err).Warn("Rejected webhook")
		middleware.WriteError(w, r, err)
		return false
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/x-www-form-urlencoded" {
		values, perr := url.ParseQuery(string(body))
		if perr != nil {
			middleware.WriteError(w, r, errors.NewMalformedError("webhook body", perr.Error()))
			return false
		}
		fromForm(values)
	} else if err := json.Unmarshal(body, dst); err != nil {
		middleware.WriteError(w, r, errors.NewMalformedError("webhook body", err.Error()))
		return false
	}

	if err := validation.ValidateStruct(dst); err != nil {
		middleware.WriteError(w, r, err)
		return false
	}
	return true
}

func (s *Server) requestLogger(r *http.Request) *logrus.Entry {
	info := tracing.GetRequestInfo(r.Context())
	return s.logger.WithFields(logrus.Fields{
		service.LogFieldRequestID: info.RequestID,
		service.LogFieldTraceID:   info.TraceID,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
