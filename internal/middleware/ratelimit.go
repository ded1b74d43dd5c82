package middleware

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultMaxAttemptsPerMinute is the default number of failed bearer-token
	// attempts allowed per client IP per minute.
	DefaultMaxAttemptsPerMinute = 10

	// DefaultMaxTrackedClients bounds the number of IPs the limiter tracks.
	DefaultMaxTrackedClients = 10000

	pruneInterval = time.Minute
	idleTTL       = 5 * time.Minute
)

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles repeated authentication failures per client IP.
// Successful requests are never counted; only failures consume tokens, so a
// well-behaved client with a valid key is unaffected.
type RateLimiter struct {
	mu         sync.Mutex
	clients    map[string]*client
	perMinute  int
	maxClients int
	cancel     context.CancelFunc
}

// NewRateLimiter creates a per-IP failure limiter allowing perMinute failed
// attempts per minute. Pass 0 to use DefaultMaxAttemptsPerMinute. A
// background goroutine prunes idle entries until Stop is called or ctx ends.
func NewRateLimiter(ctx context.Context, perMinute int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = DefaultMaxAttemptsPerMinute
	}
	ctx, cancel := context.WithCancel(ctx)
	rl := &RateLimiter{
		clients:    make(map[string]*client),
		perMinute:  perMinute,
		maxClients: DefaultMaxTrackedClients,
		cancel:     cancel,
	}
	go rl.pruneLoop(ctx)
	return rl
}

// Allow reports whether ip may make another authentication attempt. An IP
// with no recorded failures is always allowed.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	c, ok := rl.clients[ip]
	if !ok {
		return true
	}
	c.lastSeen = time.Now()
	return c.limiter.Allow()
}

// RecordFailureAndAllow counts a failed attempt for ip and reports whether
// the attempt was still within the limit.
func (rl *RateLimiter) RecordFailureAndAllow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	return rl.clientLocked(ip, time.Now()).limiter.Allow()
}

func (rl *RateLimiter) clientLocked(ip string, now time.Time) *client {
	c, ok := rl.clients[ip]
	if !ok {
		if len(rl.clients) >= rl.maxClients {
			rl.evictColdestLocked()
		}
		c = &client{
			limiter:  rate.NewLimiter(rate.Limit(float64(rl.perMinute)/60.0), rl.perMinute),
			lastSeen: now,
		}
		rl.clients[ip] = c
	}
	c.lastSeen = now
	return c
}

// Stop cancels the background prune goroutine.
func (rl *RateLimiter) Stop() {
	rl.cancel()
}

func (rl *RateLimiter) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.pruneIdle()
		}
	}
}

func (rl *RateLimiter) pruneIdle() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := time.Now()
	for ip, c := range rl.clients {
		if now.Sub(c.lastSeen) > idleTTL {
			delete(rl.clients, ip)
		}
	}
}

func (rl *RateLimiter) evictColdestLocked() {
	var coldestIP string
	var coldest time.Time
	first := true
	for ip, c := range rl.clients {
		if first || c.lastSeen.Before(coldest) {
			coldestIP = ip
			coldest = c.lastSeen
			first = false
		}
	}
	if coldestIP != "" {
		delete(rl.clients, coldestIP)
	}
}

// ExtractIP strips the port from a RemoteAddr string.
func ExtractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
