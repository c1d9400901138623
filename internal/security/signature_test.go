package security

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"ticketbridge/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifySignature(t *testing.T) {
	const secret = "0123456789abcdef0123456789abcdef"
	body := `{"action":"opened","ticket_id":"ABC-123"}`
	sig := SignBody(secret, []byte(body))

	tests := []struct {
		name     string
		header   string
		secret   string
		required bool
		wantErr  string
	}{
		{name: "bare hex", header: sig, secret: secret},
		{name: "prefixed hex", header: "sha256=" + sig, secret: secret},
		{name: "uppercase hex", header: strings.ToUpper(sig), secret: secret},
		{name: "missing header", header: "", secret: secret, wantErr: "missing signature header"},
		{name: "wrong algorithm", header: "sha1=" + sig, secret: secret, wantErr: "invalid signature format"},
		{name: "mismatch", header: SignBody("other", []byte(body)), secret: secret, wantErr: "signature mismatch"},
		{name: "no secret in development", header: "", secret: ""},
		{name: "no secret in production", header: "", secret: "", required: true, wantErr: "required in production"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/webhook/ticket", strings.NewReader(body))
			if tt.header != "" {
				req.Header.Set(SignatureHeader, tt.header)
			}

			got, err := VerifySignature(req, tt.secret, SignatureHeader, tt.required)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.True(t, errors.HasCode(err, errors.ErrCodeAuthentication))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, body, string(got))

			// The body stays readable for the handler.
			again, err := io.ReadAll(req.Body)
			require.NoError(t, err)
			assert.Equal(t, body, string(again))
		})
	}
}
