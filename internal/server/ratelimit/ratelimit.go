// Package ratelimit provides per-client rate limiting on token buckets from golang.org/x/time/rate.
package ratelimit

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Info contains information about rate limit status.
type Info struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetTime  time.Time
	RetryAfter time.Duration
}

// visitor tracks the limiter and last seen time for one client and endpoint.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter manages rate limiting for multiple clients.
type Limiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	config   *Config
	now      func() time.Time

	cleanupTicker *time.Ticker
	cleanupStop   chan struct{}
	stopOnce      sync.Once
}

// NewLimiter creates a new rate limiter with the given configuration.
func NewLimiter(config *Config) *Limiter {
	if config == nil {
		config = DefaultConfig()
	}

	limiter := &Limiter{
		visitors: make(map[string]*visitor),
		config:   config,
		now:      time.Now,
	}

	// Start cleanup goroutine if enabled
	if config.Enabled && config.CleanupInterval > 0 {
		limiter.cleanupTicker = time.NewTicker(config.CleanupInterval)
		limiter.cleanupStop = make(chan struct{})
		go limiter.cleanup()
	}

	return limiter
}

// Allow checks if a request from the given client is allowed for the specified endpoint.
// Returns true if allowed, false if rate limited, along with rate limit information.
func (l *Limiter) Allow(clientID string, endpoint string, method string) (bool, Info) {
	if !l.config.Enabled || l.config.Exempt[clientID] {
		return true, Info{Allowed: true}
	}

	endpointConfig := MatchEndpoint(endpoint, method, l.config.EndpointConfigs)
	if endpointConfig == nil {
		endpointConfig = &EndpointConfig{RPS: l.config.DefaultRPS, Burst: l.config.DefaultBurst}
	}

	// Unlimited endpoint (e.g., health check)
	if endpointConfig.RPS <= 0 {
		return true, Info{Allowed: true}
	}

	burst := endpointConfig.Burst
	if burst <= 0 {
		burst = max(1, int(math.Ceil(endpointConfig.RPS)))
	}

	now := l.now()
	key := clientID + ":" + endpointConfig.key(endpoint) + ":" + method
	lim := l.limiterFor(key, rate.Limit(endpointConfig.RPS), burst, now)

	info := Info{Limit: burst}
	r := lim.ReserveN(now, 1)
	if delay := r.DelayFrom(now); !r.OK() || delay > 0 {
		r.CancelAt(now)
		info.RetryAfter = delay
	} else {
		info.Allowed = true
	}

	tokens := lim.TokensAt(now)
	info.Remaining = max(0, int(tokens))
	if missing := float64(burst) - tokens; missing > 0 {
		info.ResetTime = now.Add(time.Duration(missing / endpointConfig.RPS * float64(time.Second)))
	} else {
		info.ResetTime = now
	}
	return info.Allowed, info
}

// limiterFor gets or creates the limiter for key.
func (l *Limiter) limiterFor(key string, limit rate.Limit, burst int, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(limit, burst)}
		l.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter
}

// cleanup removes idle visitors to prevent memory leaks.
func (l *Limiter) cleanup() {
	for {
		select {
		case <-l.cleanupTicker.C:
			l.cleanupVisitors()
		case <-l.cleanupStop:
			return
		}
	}
}

func (l *Limiter) cleanupVisitors() {
	cutoff := l.now().Add(-l.config.IdleTTL)

	l.mu.Lock()
	defer l.mu.Unlock()
	for key, v := range l.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(l.visitors, key)
		}
	}
}

func (l *Limiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}

// Stop stops the cleanup goroutine.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() {
		if l.cleanupTicker != nil {
			l.cleanupTicker.Stop()
			close(l.cleanupStop)
		}
	})
}
