package httputil

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		expectedIP string
	}{
		{
			name:       "direct public peer",
			remoteAddr: "203.0.113.5:443",
			expectedIP: "203.0.113.5",
		},
		{
			name:       "forwarded header from public peer is ignored",
			remoteAddr: "203.0.113.5:443",
			headers:    map[string]string{"X-Forwarded-For": "198.51.100.7"},
			expectedIP: "203.0.113.5",
		},
		{
			name:       "proxy on loopback, first forwarded entry wins",
			remoteAddr: "127.0.0.1:5555",
			headers:    map[string]string{"X-Forwarded-For": "  198.51.100.7 , 10.0.0.1"},
			expectedIP: "198.51.100.7",
		},
		{
			name:       "proxy on private network, IPv6 client",
			remoteAddr: "10.1.2.3:8080",
			headers:    map[string]string{"X-Forwarded-For": "2001:db8::1"},
			expectedIP: "2001:db8::1",
		},
		{
			name:       "X-Real-IP when no X-Forwarded-For",
			remoteAddr: "192.168.0.10:1234",
			headers:    map[string]string{"X-Real-IP": "203.0.113.12"},
			expectedIP: "203.0.113.12",
		},
		{
			name:       "empty forwarded entry falls back to X-Real-IP",
			remoteAddr: "127.0.0.1:1",
			headers:    map[string]string{"X-Forwarded-For": " , 1.2.3.4", "X-Real-IP": "203.0.113.99"},
			expectedIP: "203.0.113.99",
		},
		{
			name:       "proxy without headers",
			remoteAddr: "127.0.0.1:1",
			expectedIP: "127.0.0.1",
		},
		{
			name:       "bracketed IPv6 peer",
			remoteAddr: "[2001:db8::5]:443",
			expectedIP: "2001:db8::5",
		},
		{
			name:       "peer without port",
			remoteAddr: "198.51.100.1",
			expectedIP: "198.51.100.1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/webhook/ticket", nil)
			r.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.expectedIP, GetClientIP(r))
		})
	}
}
