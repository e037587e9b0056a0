package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/mbd888/txguard/internal/auth"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newLimiter(rpm, burst int) (*Limiter, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := New(Config{RequestsPerMinute: rpm, BurstSize: burst, CleanupInterval: time.Hour}).WithClock(clk.Now)
	return l, clk
}

func TestLimiterAllow(t *testing.T) {
	l, clk := newLimiter(60, 5)
	defer l.Stop()

	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("actor:a"), "request %d within burst", i)
	}
	assert.False(t, l.Allow("actor:a"))

	clk.Advance(time.Second)
	assert.True(t, l.Allow("actor:a"))
	assert.False(t, l.Allow("actor:a"))
}

func TestLimiterMultipleClients(t *testing.T) {
	l, _ := newLimiter(60, 3)
	defer l.Stop()

	for i := 0; i < 3; i++ {
		l.Allow("actor:a")
	}
	assert.False(t, l.Allow("actor:a"))
	assert.True(t, l.Allow("actor:b"))
	assert.Equal(t, 2, l.Len())
}

func TestLimiterBurstCap(t *testing.T) {
	l, clk := newLimiter(60, 2)
	defer l.Stop()

	l.Allow("k")
	clk.Advance(time.Hour)
	assert.True(t, l.Allow("k"))
	assert.True(t, l.Allow("k"))
	assert.False(t, l.Allow("k"))
}

func TestNew_Defaults(t *testing.T) {
	l := New(Config{})
	defer l.Stop()
	assert.Equal(t, DefaultConfig(), l.cfg)
}

func TestStop_Idempotent(t *testing.T) {
	l := New(DefaultConfig())
	l.Stop()
	assert.NotPanics(t, l.Stop)
}

func TestMiddleware_KeysByActor(t *testing.T) {
	l, _ := newLimiter(60, 1)
	defer l.Stop()

	r := gin.New()
	r.Use(func(c *gin.Context) {
		if a := c.GetHeader(auth.HeaderActorID); a != "" {
			c.Set(auth.ContextKeyActor, a)
		}
		c.Next()
	}, l.Middleware())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	get := func(actor string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.Header.Set(auth.HeaderActorID, actor)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusNoContent, get("alice").Code)
	w := get("alice")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Equal(t, http.StatusNoContent, get("bob").Code)
}
