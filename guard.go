package main

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"
)

// Guard limits and defaults. The general request limit applies per client
// IP; the login limit is stricter and applies to the login endpoint only.
const (
	defaultRequestLimit  = 100
	defaultRequestWindow = time.Minute
	loginRequestLimit    = 5
	loginRequestWindow   = time.Minute

	violationThreshold = 3
	blockDuration      = time.Hour

	maxLoginAttempts = 5
	lockoutDuration  = 5 * time.Minute

	windowRetention = time.Hour
)

type rateWindow struct {
	requests    int
	windowStart time.Time
	violations  int
}

type loginRecord struct {
	count       int
	lastAttempt time.Time
}

// Guard tracks per-identity request windows, failed login attempts, and
// temporary blocks. All state lives in memory behind a single mutex; callers
// only go through the check/record/clear methods, never the maps.
type Guard struct {
	mu       sync.Mutex
	windows  map[string]*rateWindow
	blocked  map[string]time.Time
	attempts map[string]*loginRecord

	now func() time.Time
}

func NewGuard() *Guard {
	return &Guard{
		windows:  make(map[string]*rateWindow),
		blocked:  make(map[string]time.Time),
		attempts: make(map[string]*loginRecord),
		now:      time.Now,
	}
}

// CheckAndCount applies sliding-window rate limiting for identity. The call
// both checks and counts: an allowed call consumes one slot in the current
// window. Identities that keep hammering a full window accumulate violations
// and get blocked outright once they reach violationThreshold.
func (g *Guard) CheckAndCount(identity string, maxRequests int, window time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if g.blockedLocked(identity, now) {
		return &DeniedError{
			Reason:     "temporarily blocked due to suspicious activity",
			RetryAfter: blockDuration - now.Sub(g.blocked[identity]),
		}
	}

	w, ok := g.windows[identity]
	if !ok {
		g.windows[identity] = &rateWindow{requests: 1, windowStart: now}
		return nil
	}

	if now.Sub(w.windowStart) > window {
		w.requests = 1
		w.windowStart = now
		return nil
	}

	if w.requests >= maxRequests {
		w.violations++
		if w.violations >= violationThreshold {
			g.blocked[identity] = now
			log.Printf("Blocked %s for %s after repeated rate limit violations", hashIdentity(identity), blockDuration)
			return &DeniedError{
				Reason:     "blocked due to repeated rate limit violations",
				RetryAfter: blockDuration,
			}
		}
		return &DeniedError{
			Reason:     fmt.Sprintf("rate limit exceeded: max %d requests per %s", maxRequests, window),
			RetryAfter: window - now.Sub(w.windowStart),
		}
	}

	w.requests++
	return nil
}

// IsBlocked reports whether identity is currently blocked. Expired block
// records are evicted on check.
func (g *Guard) IsBlocked(identity string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.blockedLocked(identity, g.now())
}

func (g *Guard) blockedLocked(identity string, now time.Time) bool {
	start, ok := g.blocked[identity]
	if !ok {
		return false
	}
	if now.Sub(start) > blockDuration {
		delete(g.blocked, identity)
		return false
	}
	return true
}

// CheckLoginAttempts enforces the failed-login lockout for a username/IP
// pair. Lockouts whose duration has elapsed since the last attempt are
// cleared on check rather than counted.
func (g *Guard) CheckLoginAttempts(username, clientIP string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := loginKey(username, clientIP)
	rec, ok := g.attempts[key]
	if !ok {
		return nil
	}

	now := g.now()
	if now.Sub(rec.lastAttempt) > lockoutDuration {
		delete(g.attempts, key)
		return nil
	}

	if rec.count >= maxLoginAttempts {
		return &DeniedError{
			Reason:     "too many failed login attempts",
			RetryAfter: lockoutDuration - now.Sub(rec.lastAttempt),
		}
	}
	return nil
}

// RecordFailedLogin bumps the failure counter for a username/IP pair.
func (g *Guard) RecordFailedLogin(username, clientIP string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := loginKey(username, clientIP)
	if rec, ok := g.attempts[key]; ok {
		rec.count++
		rec.lastAttempt = g.now()
		return
	}
	g.attempts[key] = &loginRecord{count: 1, lastAttempt: g.now()}
}

// ClearLoginAttempts removes the failure counter after a successful login.
func (g *Guard) ClearLoginAttempts(username, clientIP string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.attempts, loginKey(username, clientIP))
}

// Sweep evicts expired windows, blocks, and lockout records so the keyed
// stores stay bounded. Safe to call concurrently with normal checks.
func (g *Guard) Sweep() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	removed := 0
	for id, w := range g.windows {
		if now.Sub(w.windowStart) > windowRetention {
			delete(g.windows, id)
			removed++
		}
	}
	for id, start := range g.blocked {
		if now.Sub(start) > blockDuration {
			delete(g.blocked, id)
			removed++
		}
	}
	for key, rec := range g.attempts {
		if now.Sub(rec.lastAttempt) > lockoutDuration {
			delete(g.attempts, key)
			removed++
		}
	}
	if removed > 0 {
		log.Printf("Guard sweep removed %d expired entries", removed)
	}
}

func loginKey(username, clientIP string) string {
	return username + ":" + clientIP
}

// hashIdentity truncates a SHA-256 of the identity so IPs and usernames
// never appear verbatim in logs.
func hashIdentity(identity string) string {
	sum := sha256.Sum256([]byte(identity))
	return hex.EncodeToString(sum[:])[:8]
}
