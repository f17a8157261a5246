package ratelimit

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestLimiter returns a limiter with no cleanup goroutine and a controllable clock
func newTestLimiter(cfg *Config) (*Limiter, *time.Time) {
	cfg.Enabled = true
	l := NewLimiter(cfg)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestLimiter_Allow(t *testing.T) {
	l, _ := newTestLimiter(&Config{DefaultLimit: 5, DefaultWindow: time.Minute})
	defer l.Stop()

	for i := 0; i < 5; i++ {
		allowed, info := l.Allow("10.0.0.1", "/investigations/x", "GET")
		require.True(t, allowed, "request %d", i+1)
		assert.Equal(t, 5, info.Limit)
		assert.Equal(t, 4-i, info.Remaining)
	}

	allowed, info := l.Allow("10.0.0.1", "/investigations/x", "GET")
	assert.False(t, allowed)
	assert.Equal(t, 0, info.Remaining)
	assert.InDelta(t, 12*time.Second, info.RetryAfter, float64(time.Millisecond))

	// other clients have their own bucket
	allowed, _ = l.Allow("10.0.0.2", "/investigations/x", "GET")
	assert.True(t, allowed)
}

func TestLimiter_Refill(t *testing.T) {
	l, now := newTestLimiter(&Config{DefaultLimit: 60, DefaultWindow: time.Minute})
	defer l.Stop()

	for i := 0; i < 60; i++ {
		l.Allow("c", "/x", "GET")
	}
	allowed, _ := l.Allow("c", "/x", "GET")
	require.False(t, allowed)

	*now = now.Add(time.Second)
	allowed, _ = l.Allow("c", "/x", "GET")
	assert.True(t, allowed)
	allowed, _ = l.Allow("c", "/x", "GET")
	assert.False(t, allowed)
}

func TestLimiter_WhitelistAndBlacklist(t *testing.T) {
	l, _ := newTestLimiter(&Config{
		DefaultLimit:  1,
		DefaultWindow: time.Hour,
		Whitelist:     map[string]bool{"trusted": true},
		Blacklist:     map[string]bool{"banned": true},
	})
	defer l.Stop()

	for i := 0; i < 10; i++ {
		allowed, _ := l.Allow("trusted", "/x", "GET")
		assert.True(t, allowed)
	}
	allowed, _ := l.Allow("banned", "/x", "GET")
	assert.False(t, allowed)
}

func TestLimiter_Disabled(t *testing.T) {
	l := NewLimiter(&Config{Enabled: false, DefaultLimit: 1, DefaultWindow: time.Hour})
	defer l.Stop()
	for i := 0; i < 10; i++ {
		allowed, _ := l.Allow("c", "/x", "GET")
		assert.True(t, allowed)
	}
}

func TestLimiter_EndpointSpecific(t *testing.T) {
	l, _ := newTestLimiter(&Config{
		DefaultLimit:    1000,
		DefaultWindow:   time.Minute,
		EndpointConfigs: DefaultEndpointConfigs(),
	})
	defer l.Stop()

	for i := 0; i < 5; i++ {
		allowed, _ := l.Allow("c", "/investigations", "POST")
		require.True(t, allowed)
	}
	allowed, info := l.Allow("c", "/investigations", "POST")
	assert.False(t, allowed)
	assert.Equal(t, 30, info.Limit)

	// control endpoints use their own bucket
	allowed, info = l.Allow("c", "/investigations/abc/pause", "POST")
	assert.True(t, allowed)
	assert.Equal(t, 120, info.Limit)

	for i := 0; i < 100; i++ {
		allowed, _ = l.Allow("c", "/health", "GET")
		assert.True(t, allowed)
	}
}

func TestMatchEndpoint(t *testing.T) {
	configs := []EndpointConfig{
		{Path: "/investigations", Method: "POST", Limit: 1},
		{Path: "/investigations/", Method: "POST", Limit: 2},
		{Path: "/investigations/special/", Method: "POST", Limit: 3},
	}

	assert.Equal(t, 1, MatchEndpoint("/investigations", "POST", configs).Limit)
	assert.Equal(t, 2, MatchEndpoint("/investigations/abc/start", "POST", configs).Limit)
	assert.Equal(t, 3, MatchEndpoint("/investigations/special/x", "POST", configs).Limit)
	assert.Nil(t, MatchEndpoint("/investigations/abc", "GET", configs))
	assert.Equal(t, 0, MatchEndpoint("/metrics", "GET", configs).Limit)
}

func TestLimiter_Concurrent(t *testing.T) {
	l, _ := newTestLimiter(&Config{DefaultLimit: 50, DefaultWindow: time.Hour})
	defer l.Stop()

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := l.Allow("c", "/x", "GET"); ok {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(50), allowed.Load())
}

func TestLimiter_EvictIdle(t *testing.T) {
	l, now := newTestLimiter(&Config{DefaultLimit: 10, DefaultWindow: time.Minute, IdleTTL: time.Hour})
	defer l.Stop()

	for i := 0; i < 3; i++ {
		l.Allow(fmt.Sprintf("client-%d", i), "/x", "GET")
	}
	require.Equal(t, 3, l.size())

	*now = now.Add(30 * time.Minute)
	l.Allow("client-0", "/x", "GET")
	*now = now.Add(45 * time.Minute)
	l.evictIdle()
	assert.Equal(t, 1, l.size())
}

func TestNewLimiter_NilConfig(t *testing.T) {
	l := NewLimiter(nil)
	defer l.Stop()
	allowed, info := l.Allow("c", "/x", "GET")
	assert.True(t, allowed)
	assert.Equal(t, 1000, info.Limit)
}

func TestLoadConfig_Env(t *testing.T) {
	t.Setenv("RATE_LIMIT_DEFAULT_LIMIT", "42")
	t.Setenv("RATE_LIMIT_WHITELIST", "10.0.0.1, 10.0.0.2")
	cfg := LoadConfig()
	assert.True(t, cfg.Enabled)
	assert.Equal(t, 42, cfg.DefaultLimit)
	assert.True(t, cfg.Whitelist["10.0.0.2"])

	t.Setenv("RATE_LIMIT_ENABLED", "false")
	assert.False(t, LoadConfig().Enabled)
}
