package security

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"

	"ticketbridge/internal/errors"
)

// SignatureHeader carries the HMAC of webhook bodies sent by the WHMCS hook.
const SignatureHeader = "X-WHMCS-Signature"

// SignBody returns the lowercase hex HMAC-SHA256 of body.
func SignBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reads the request body and checks it against the hex
// HMAC-SHA256 in header, with or without a "sha256=" prefix. The body is
// restored on the request and also returned. With an empty secret nothing
// is checked unless required is set.
func VerifySignature(r *http.Request, secret, header string, required bool) ([]byte, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidInput, "failed to read request body").
			WithUserMessage("Request body could not be read")
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	if secret == "" {
		if required {
			return nil, authError("webhook secret is required in production mode")
		}
		return body, nil
	}

	signature := strings.TrimSpace(r.Header.Get(header))
	if signature == "" {
		return nil, authError(fmt.Sprintf("missing signature header: %s", header))
	}
	if prefix, rest, ok := strings.Cut(signature, "="); ok {
		if !strings.EqualFold(prefix, "sha256") {
			return nil, authError(fmt.Sprintf("invalid signature format in header %s", header))
		}
		signature = rest
	}

	expected := SignBody(secret, body)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(signature))) {
		return nil, authError("signature mismatch")
	}
	return body, nil
}

func authError(msg string) *errors.AppError {
	return errors.New(errors.ErrCodeAuthentication, msg).WithUserMessage("Invalid webhook signature")
}
