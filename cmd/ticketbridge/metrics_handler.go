package main

import (
	"encoding/json"
	"net/http"

	"ticketbridge/internal/metrics"
	"ticketbridge/internal/service"
	"ticketbridge/internal/tracing"

	"github.com/sirupsen/logrus"
)

// handleMetrics serves a JSON snapshot of the in-process metrics registry.
func (s *Server) handleMetrics() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestInfo := tracing.GetRequestInfo(r.Context())
		log := s.logger.WithFields(logrus.Fields{
			service.LogFieldRequestID: requestInfo.RequestID,
			service.LogFieldTraceID:   requestInfo.TraceID,
		})

		data, err := json.MarshalIndent(metrics.GetAllMetrics(), "", "  ")
		if err != nil {
			log.WithError(err).Error("Failed to encode metrics response")
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")
		_, _ = w.Write(data)
		log.Debug("Served metrics snapshot")
	}
}
