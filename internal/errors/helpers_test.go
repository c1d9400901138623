package errors

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAPIError(t *testing.T) {
	tests := []struct {
		name         string
		service      string
		statusCode   int
		expectedCode ErrorCode
		retryable    bool
	}{
		{"whmcs 500 is transient", "whmcs", 500, ErrCodeTransient, true},
		{"discord 429 is transient", "discord", 429, ErrCodeTransient, true},
		{"network failure is transient", "whmcs", 0, ErrCodeTransient, true},
		{"discord 401 is auth", "discord", 401, ErrCodeAuthentication, false},
		{"whmcs 400 stays api error", "whmcs", 400, ErrCodeTicketAPI, false},
		{"unknown service", "other", 404, ErrCodeInternalError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewAPIError(tt.service, "/endpoint", tt.statusCode, errors.New("boom"))

			assert.Equal(t, tt.expectedCode, err.Code)
			assert.Equal(t, tt.retryable, IsRetryable(err))
		})
	}
}

func TestNewAPIError_KeepsServiceCodeInChain(t *testing.T) {
	err := NewAPIError("discord", "/channels/1", 503, errors.New("unavailable"))

	assert.True(t, HasCode(err, ErrCodeTransient))
	assert.True(t, HasCode(err, ErrCodeChatAPI))
}

func TestNewNotFoundError(t *testing.T) {
	err := NewNotFoundError("ticket", "T-100")

	assert.Equal(t, ErrCodeNotFound, err.Code)
	assert.Equal(t, "ticket not found", err.Message)
	assert.Equal(t, "T-100", err.Context["identifier"])
}

func TestHTTPStatusCode(t *testing.T) {
	tests := []struct {
		err      error
		expected int
	}{
		{NewValidationError("action", "nope", "unsupported"), http.StatusBadRequest},
		{NewMalformedError("payload", "bad json"), http.StatusBadRequest},
		{NewAuthError("bad signature"), http.StatusUnauthorized},
		{NewNotFoundError("ticket", "1"), http.StatusNotFound},
		{NewConflictError("mapping", nil), http.StatusConflict},
		{NewAPIError("whmcs", "GetTicket", 502, nil), http.StatusBadGateway},
		{NewDatabaseError("insert", errors.New("locked")), http.StatusServiceUnavailable},
		{errors.New("plain"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(GetCode(tt.err)), func(t *testing.T) {
			assert.Equal(t, tt.expected, HTTPStatusCode(tt.err))
		})
	}
}

func TestToHTTPResponse_HidesSecrets(t *testing.T) {
	err := NewAuthError("bad signature").WithContext("secret", "s3cr3t").WithContext("route", "/webhook/ticket")

	resp := ToHTTPResponse(err, "req-1")

	assert.Equal(t, ErrCodeAuthentication, resp.Error.Code)
	assert.Equal(t, "Authentication failed", resp.Error.Message)
	assert.Equal(t, "req-1", resp.RequestID)
	ctx, ok := resp.Error.Context.(map[string]interface{})
	require.True(t, ok)
	assert.NotContains(t, ctx, "secret")
	assert.Equal(t, "/webhook/ticket", ctx["route"])
}
