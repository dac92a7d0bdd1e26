package ratelimit

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

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
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestLimiter(cfg *Config) (*Limiter, *fakeClock) {
	cfg.CleanupInterval = 0
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := NewLimiter(cfg)
	l.now = clock.Now
	return l, clock
}

func TestLimiter_Allow(t *testing.T) {
	l, clock := newTestLimiter(&Config{Enabled: true, DefaultRPS: 1, DefaultBurst: 2})
	defer l.Stop()

	for i := 0; i < 2; i++ {
		allowed, info := l.Allow("10.0.0.1", "/runs/x", "GET")
		require.True(t, allowed, "request %d", i+1)
		assert.Equal(t, 2, info.Limit)
	}

	allowed, info := l.Allow("10.0.0.1", "/runs/x", "GET")
	assert.False(t, allowed)
	assert.Equal(t, 0, info.Remaining)
	assert.InDelta(t, time.Second.Seconds(), info.RetryAfter.Seconds(), 0.01)
	assert.True(t, info.ResetTime.After(clock.Now()))

	clock.Advance(time.Second)
	allowed, _ = l.Allow("10.0.0.1", "/runs/x", "GET")
	assert.True(t, allowed, "one token refills after a second")
}

func TestLimiter_DeniedRequestsDoNotConsume(t *testing.T) {
	l, clock := newTestLimiter(&Config{Enabled: true, DefaultRPS: 1, DefaultBurst: 1})

	allowed, _ := l.Allow("c", "/p", "GET")
	require.True(t, allowed)
	for i := 0; i < 5; i++ {
		allowed, _ = l.Allow("c", "/p", "GET")
		require.False(t, allowed)
	}

	clock.Advance(time.Second)
	allowed, _ = l.Allow("c", "/p", "GET")
	assert.True(t, allowed)
}

func TestLimiter_PerClient(t *testing.T) {
	l, _ := newTestLimiter(&Config{Enabled: true, DefaultRPS: 1, DefaultBurst: 1})

	allowed, _ := l.Allow("a", "/runs", "GET")
	assert.True(t, allowed)
	allowed, _ = l.Allow("a", "/runs", "GET")
	assert.False(t, allowed)
	allowed, _ = l.Allow("b", "/runs", "GET")
	assert.True(t, allowed)
}

func TestLimiter_PrefixSharesBucket(t *testing.T) {
	l, _ := newTestLimiter(&Config{
		Enabled:         true,
		DefaultRPS:      100,
		DefaultBurst:    100,
		EndpointConfigs: []EndpointConfig{{Path: "/runs/", Method: "POST", RPS: 1, Burst: 1}},
	})

	allowed, _ := l.Allow("a", "/runs/1/cancel", "POST")
	assert.True(t, allowed)
	allowed, _ = l.Allow("a", "/runs/2/cancel", "POST")
	assert.False(t, allowed, "prefix patterns share one bucket")

	allowed, _ = l.Allow("a", "/runs/2", "GET")
	assert.True(t, allowed, "other methods use the default")
}

func TestLimiter_Unlimited(t *testing.T) {
	l, _ := newTestLimiter(&Config{Enabled: true, DefaultRPS: 1, DefaultBurst: 1})

	for i := 0; i < 20; i++ {
		allowed, info := l.Allow("a", "/health", "GET")
		require.True(t, allowed)
		assert.Zero(t, info.Limit)
		allowed, _ = l.Allow("a", "/metrics", "GET")
		require.True(t, allowed)
	}
}

func TestLimiter_DisabledAndExempt(t *testing.T) {
	disabled, _ := newTestLimiter(&Config{Enabled: false, DefaultRPS: 1, DefaultBurst: 1})
	exempt, _ := newTestLimiter(&Config{Enabled: true, DefaultRPS: 1, DefaultBurst: 1, Exempt: ParseList("127.0.0.1, ::1")})

	for i := 0; i < 5; i++ {
		allowed, _ := disabled.Allow("a", "/runs", "POST")
		assert.True(t, allowed)
		allowed, _ = exempt.Allow("::1", "/runs", "POST")
		assert.True(t, allowed)
	}
}

func TestLimiter_Cleanup(t *testing.T) {
	l, clock := newTestLimiter(&Config{Enabled: true, DefaultRPS: 1, DefaultBurst: 1, IdleTTL: time.Minute})

	l.Allow("old", "/runs", "GET")
	clock.Advance(2 * time.Minute)
	l.Allow("new", "/runs", "GET")
	require.Equal(t, 2, l.size())

	l.cleanupVisitors()
	assert.Equal(t, 1, l.size())
}

func TestLimiter_Concurrent(t *testing.T) {
	l, _ := newTestLimiter(&Config{Enabled: true, DefaultRPS: 1, DefaultBurst: 10})

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowedCount := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := l.Allow("shared", "/runs", "GET"); ok {
				mu.Lock()
				allowedCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, allowedCount)
}

func TestMatchEndpoint(t *testing.T) {
	configs := DefaultEndpointConfigs(10, 10)

	tests := []struct {
		path, method string
		wantPath     string
		wantNil      bool
	}{
		{"/runs", "POST", "/runs", false},
		{"/runs/abc/cancel", "POST", "/runs/", false},
		{"/runs", "GET", "", true},
		{"/health", "GET", "/health", false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s %s", tt.method, tt.path), func(t *testing.T) {
			got := MatchEndpoint(tt.path, tt.method, configs)
			if tt.wantNil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.wantPath, got.Path)
		})
	}
}

func TestNewConfig(t *testing.T) {
	cfg := NewConfig(5, 10)
	assert.True(t, cfg.Enabled)
	require.Len(t, cfg.EndpointConfigs, 2)
	assert.Equal(t, 1.0, cfg.EndpointConfigs[0].RPS)
	assert.Equal(t, 2, cfg.EndpointConfigs[0].Burst)

	assert.False(t, NewConfig(0, 10).Enabled)
}
