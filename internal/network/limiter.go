package network

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ipLimiter caps concurrent connections and streams per remote host.
type ipLimiter struct {
	mu           sync.Mutex
	maxConns     int
	maxStreams   int
	connCounts   map[string]int
	streamCounts map[string]int
}

func newIPLimiter(maxConns, maxStreams int) *ipLimiter {
	return &ipLimiter{
		maxConns:     maxConns,
		maxStreams:   maxStreams,
		connCounts:   make(map[string]int),
		streamCounts: make(map[string]int),
	}
}

func (l *ipLimiter) acquireConn(ip string) bool {
	return l.acquire(l.connCounts, l.maxConns, ip)
}

func (l *ipLimiter) releaseConn(ip string) {
	l.release(l.connCounts, l.maxConns, ip)
}

func (l *ipLimiter) acquireStream(ip string) bool {
	return l.acquire(l.streamCounts, l.maxStreams, ip)
}

func (l *ipLimiter) releaseStream(ip string) {
	l.release(l.streamCounts, l.maxStreams, ip)
}

func (l *ipLimiter) acquire(counts map[string]int, limit int, ip string) bool {
	if limit <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if counts[ip] >= limit {
		return false
	}
	counts[ip]++
	return true
}

func (l *ipLimiter) release(counts map[string]int, limit int, ip string) {
	if limit <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if counts[ip] <= 1 {
		delete(counts, ip)
		return
	}
	counts[ip]--
}

// hostRateLimiter is a token bucket per remote host. Buckets idle for
// longer than idleAfter are dropped on the next sweep.
type hostRateLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	idleAfter time.Duration
	buckets   map[string]*hostBucket
	lastSweep time.Time
}

type hostBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newHostRateLimiter(perSecond float64, burst int) *hostRateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &hostRateLimiter{
		limit:     rate.Limit(perSecond),
		burst:     burst,
		idleAfter: 5 * time.Minute,
		buckets:   make(map[string]*hostBucket),
	}
}

func (l *hostRateLimiter) allow(host string, now time.Time) bool {
	if l == nil || l.limit <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.lastSweep) > l.idleAfter {
		for h, b := range l.buckets {
			if now.Sub(b.lastSeen) > l.idleAfter {
				delete(l.buckets, h)
			}
		}
		l.lastSweep = now
	}
	b, ok := l.buckets[host]
	if !ok {
		b = &hostBucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[host] = b
	}
	b.lastSeen = now
	return b.lim.AllowN(now, 1)
}
