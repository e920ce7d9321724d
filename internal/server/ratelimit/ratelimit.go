// Package ratelimit caps websocket connections and login attempts per IP.
package ratelimit

import (
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"
)

type Limiter struct {
	mu          sync.RWMutex
	connections map[string]int         // IP -> open connection count
	loginWindow map[string][]time.Time // IP -> recent login attempts
	maxConns    int
	maxLogins   int
}

// New creates a limiter allowing maxConns simultaneous connections and
// maxLogins login attempts per minute for each IP.
func New(maxConns, maxLogins int) *Limiter {
	l := &Limiter{
		connections: make(map[string]int),
		loginWindow: make(map[string][]time.Time),
		maxConns:    maxConns,
		maxLogins:   maxLogins,
	}
	go func() {
		for {
			time.Sleep(time.Minute)
			l.sweep()
		}
	}()
	return l
}

// FromEnv builds a limiter from SEAM_MAX_CONNS_PER_IP and
// SEAM_LOGINS_PER_MIN, with sane defaults.
func FromEnv() *Limiter {
	return New(envInt("SEAM_MAX_CONNS_PER_IP", 10), envInt("SEAM_LOGINS_PER_MIN", 5))
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func (l *Limiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := time.Now().Add(-time.Minute)
	for ip, attempts := range l.loginWindow {
		recent := attempts[:0]
		for _, t := range attempts {
			if t.After(cutoff) {
				recent = append(recent, t)
			}
		}
		if len(recent) == 0 {
			delete(l.loginWindow, ip)
		} else {
			l.loginWindow[ip] = recent
		}
	}
}

func (l *Limiter) CanConnect(ip string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.connections[ip] < l.maxConns
}

func (l *Limiter) AddConnection(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connections[ip]++
}

func (l *Limiter) RemoveConnection(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connections[ip]--
	if l.connections[ip] <= 0 {
		delete(l.connections, ip)
	}
}

// AllowLogin records a login attempt and reports whether it is within the
// per-minute budget.
func (l *Limiter) AllowLogin(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-time.Minute)
	recent := l.loginWindow[ip][:0]
	for _, t := range l.loginWindow[ip] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	if len(recent) >= l.maxLogins {
		l.loginWindow[ip] = recent
		return false
	}
	l.loginWindow[ip] = append(recent, time.Now())
	return true
}

// ClientIP extracts the peer address, honoring reverse-proxy headers.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	ip, _, _ := net.SplitHostPort(r.RemoteAddr)
	return ip
}
