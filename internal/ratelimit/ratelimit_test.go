package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newMemoryStore(c *clock) *MemoryStore {
	s := NewMemoryStore()
	s.now = c.now
	return s
}

func TestMemoryStore_SlidingWindow(t *testing.T) {
	c := &clock{t: time.Date(2026, 6, 16, 10, 0, 0, 0, time.UTC)}
	s := newMemoryStore(c)
	ctx := context.Background()

	for i := range 3 {
		res, err := s.Allow(ctx, "k", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, 2-i, res.Remaining)
		c.advance(10 * time.Second)
	}

	res, err := s.Allow(ctx, "k", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, c.t.Add(-30*time.Second).Add(time.Minute), res.ResetAt)

	c.advance(30 * time.Second)
	res, err = s.Allow(ctx, "k", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Allowed, "oldest request has left the window")

	res, err = s.Allow(ctx, "other", 3, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Remaining, "keys are independent")
}

func TestMemoryStore_DropsIdleClients(t *testing.T) {
	c := &clock{t: time.Date(2026, 6, 16, 10, 0, 0, 0, time.UTC)}
	s := newMemoryStore(c)
	ctx := context.Background()

	for _, ip := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		_, err := s.Allow(ctx, "verify:"+ip, 5, time.Minute)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, s.Len())

	c.advance(2 * time.Minute)
	res, err := s.Allow(ctx, "verify:10.0.0.9", 5, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 1, s.Len(), "idle clients are forgotten once their window has passed")

	res, err = s.Allow(ctx, "verify:10.0.0.1", 5, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Remaining, "a returning client starts a fresh window")
}

func TestMemoryStore_NeverExceedsLimit(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		limit := rapid.IntRange(1, 20).Draw(t, "limit")
		steps := rapid.SliceOfN(rapid.IntRange(0, 5000), 1, 200).Draw(t, "gaps_ms")

		c := &clock{t: time.Unix(0, 0)}
		s := newMemoryStore(c)
		var allowed []time.Time
		for _, gap := range steps {
			c.advance(time.Duration(gap) * time.Millisecond)
			res, err := s.Allow(context.Background(), "k", limit, time.Second)
			if err != nil {
				t.Fatal(err)
			}
			if res.Allowed {
				allowed = append(allowed, c.t)
			}
			inWindow := 0
			for _, a := range allowed {
				if a.After(c.t.Add(-time.Second)) {
					inWindow++
				}
			}
			if inWindow > limit {
				t.Fatalf("%d requests allowed within one window, limit %d", inWindow, limit)
			}
		}
	})
}

type failingStore struct{}

func (failingStore) Allow(context.Context, string, int, time.Duration) (Result, error) {
	return Result{}, errors.New("redis down")
}

func serve(h http.Handler, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/documents/verify", nil)
	req.RemoteAddr = ip + ":5555"
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

var ok = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

func TestMiddleware_Throttles(t *testing.T) {
	c := &clock{t: time.Date(2026, 6, 16, 10, 0, 0, 0, time.UTC)}
	h := New(newMemoryStore(c), 2, time.Minute, WithClock(c.now)).Handler(ok)

	assert.Equal(t, http.StatusOK, serve(h, "10.0.0.1").Code)
	rr := serve(h, "10.0.0.1")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "0", rr.Header().Get("X-RateLimit-Remaining"))

	rr = serve(h, "10.0.0.1")
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "60", rr.Header().Get("Retry-After"))
	assert.Contains(t, rr.Body.String(), "rate_limit_exceeded")

	assert.Equal(t, http.StatusOK, serve(h, "10.0.0.2").Code)
}

func TestMiddleware_StoreFailure(t *testing.T) {
	t.Run("falls back", func(t *testing.T) {
		c := &clock{t: time.Now()}
		h := New(failingStore{}, 1, time.Minute, WithFallback(newMemoryStore(c)), WithClock(c.now)).Handler(ok)
		assert.Equal(t, http.StatusOK, serve(h, "10.0.0.1").Code)
		assert.Equal(t, http.StatusTooManyRequests, serve(h, "10.0.0.1").Code)
	})

	t.Run("fails open without fallback", func(t *testing.T) {
		h := New(failingStore{}, 1, time.Minute).Handler(ok)
		for range 3 {
			assert.Equal(t, http.StatusOK, serve(h, "10.0.0.1").Code)
		}
	})
}

func TestResult_RetryAfter(t *testing.T) {
	now := time.Unix(100, 0)
	assert.Equal(t, 1, Result{ResetAt: now}.RetryAfter(now))
	assert.Equal(t, 2, Result{ResetAt: now.Add(1500 * time.Millisecond)}.RetryAfter(now))
}
