package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(rl *RateLimiter, start time.Time) *time.Time {
	now := start
	rl.now = func() time.Time { return now }
	return &now
}

func TestRateLimiter_BurstThenRefill(t *testing.T) {
	rl := NewRateLimiter(60, 5)
	now := fixedClock(rl, time.Unix(1_700_000_000, 0))

	for i := 0; i < 5; i++ {
		assert.True(t, rl.Allow("203.0.113.1"), "request %d", i+1)
	}
	assert.False(t, rl.Allow("203.0.113.1"))

	// 60/min refills one token per second.
	*now = now.Add(time.Second)
	assert.True(t, rl.Allow("203.0.113.1"))
	assert.False(t, rl.Allow("203.0.113.1"))
}

func TestRateLimiter_PerClient(t *testing.T) {
	rl := NewRateLimiter(60, 1)
	fixedClock(rl, time.Unix(1_700_000_000, 0))

	assert.True(t, rl.Allow("203.0.113.1"))
	assert.False(t, rl.Allow("203.0.113.1"))
	assert.True(t, rl.Allow("203.0.113.2"))
}

func TestRateLimiter_Defaults(t *testing.T) {
	rl := NewRateLimiter(0, 0)
	assert.Greater(t, rl.perMinute, 0)
	assert.Greater(t, rl.burst, 0)
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := NewRateLimiter(60, 1)
	now := fixedClock(rl, time.Unix(1_700_000_000, 0))

	rl.Allow("203.0.113.1")
	*now = now.Add(rl.idleTTL / 2)
	rl.Allow("203.0.113.2")
	*now = now.Add(rl.idleTTL/2 + time.Second)

	assert.Equal(t, 1, rl.Cleanup())
	assert.Len(t, rl.clients, 1)
	assert.Contains(t, rl.clients, "203.0.113.2")
}

func TestRateLimiter_ConcurrentClients(t *testing.T) {
	rl := NewRateLimiter(60, 10)

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if rl.Allow("198.51.100.1") {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, allowed, 11)
	assert.GreaterOrEqual(t, allowed, 10)
}

func TestRateLimiter_Middleware(t *testing.T) {
	logger, _ := bufferedLogger()
	rl := NewRateLimiter(60, 1)
	fixedClock(rl, time.Unix(1_700_000_000, 0))
	handler := rl.Middleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhook/ticket", nil)
		req.RemoteAddr = "203.0.113.7:9999"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, send().Code)

	rec := send()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	var body map[string]map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "RATE_LIMIT", body["error"]["code"])
}
