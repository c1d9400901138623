package middleware

import (
	"encoding/json"
	"net/http"

	"ticketbridge/internal/errors"
	"ticketbridge/internal/tracing"
)

// WriteError renders err as the JSON error body with the status mapped
// from its code.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(errors.HTTPStatusCode(err))
	_ = json.NewEncoder(w).Encode(errors.ToHTTPResponse(err, tracing.GetRequestID(r.Context())))
}
