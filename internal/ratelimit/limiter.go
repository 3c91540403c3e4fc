// Package ratelimit provides the sliding-window limiters guarding the
// WebSocket boundary: connections per source IP and messages per
// socket.
package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Limits at the transport boundary
const (
	MaxConnectionsPerWindow = 30
	ConnectionWindow        = 60 * time.Second
	MaxMessagesPerWindow    = 50
	MessageWindow           = 1 * time.Second
	MaxViolations           = 50
	sweepInterval           = 30 * time.Second
)

// ConnLimiter tracks recent connection attempts per source IP.
type ConnLimiter struct {
	mu      sync.Mutex
	history map[string][]time.Time
	now     func() time.Time
	stopCh  chan struct{}
}

// NewConnLimiter creates a limiter and starts its sweep loop.
func NewConnLimiter() *ConnLimiter {
	cl := &ConnLimiter{
		history: make(map[string][]time.Time),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	go cl.sweepLoop()
	return cl
}

// Allow records a connection attempt from ip and reports whether it is
// within the rolling window. The attempt counts even when rejected.
func (cl *ConnLimiter) Allow(ip string) bool {
	now := cl.now()
	cutoff := now.Add(-ConnectionWindow)

	cl.mu.Lock()
	defer cl.mu.Unlock()

	recent := trim(cl.history[ip], cutoff)
	allowed := len(recent) < MaxConnectionsPerWindow
	cl.history[ip] = append(recent, now)
	return allowed
}

// Stop halts the sweep loop.
func (cl *ConnLimiter) Stop() {
	close(cl.stopCh)
}

func (cl *ConnLimiter) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cl.sweep()
		case <-cl.stopCh:
			return
		}
	}
}

// sweep evicts IPs whose windows have fully drained.
func (cl *ConnLimiter) sweep() {
	cutoff := cl.now().Add(-ConnectionWindow)
	cl.mu.Lock()
	defer cl.mu.Unlock()
	for ip, stamps := range cl.history {
		if recent := trim(stamps, cutoff); len(recent) == 0 {
			delete(cl.history, ip)
		} else {
			cl.history[ip] = recent
		}
	}
}

// MsgLimiter tracks message timestamps for one socket. It is not safe
// for concurrent use; each connection's read loop owns one.
type MsgLimiter struct {
	stamps     []time.Time
	violations int
	now        func() time.Time
}

func NewMsgLimiter() *MsgLimiter {
	return &MsgLimiter{now: time.Now}
}

// Allow reports whether a message is within the rolling window. Each
// rejection counts as a violation.
func (ml *MsgLimiter) Allow() bool {
	now := ml.now()
	ml.stamps = trim(ml.stamps, now.Add(-MessageWindow))
	if len(ml.stamps) >= MaxMessagesPerWindow {
		ml.violations++
		return false
	}
	ml.stamps = append(ml.stamps, now)
	return true
}

// Exhausted reports whether the socket has spent its violation budget
// and should be closed.
func (ml *MsgLimiter) Exhausted() bool {
	return ml.violations >= MaxViolations
}

func trim(stamps []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(stamps) && !stamps[idx].After(cutoff) {
		idx++
	}
	return stamps[idx:]
}

// ClientIP extracts the source IP: the first entry of X-Forwarded-For
// when present, otherwise the peer address.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, ok := strings.Cut(fwd, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
