// Package ratelimit bounds request floods from a single control
// connection, adapting the teacher's two-level (per-IP + global) token
// bucket shape (ws/internal/shared/limits.ConnectionRateLimiter) to a
// Unix-socket broker where there is no client IP to key on — per-IP
// becomes per-connection-id, global stays global.
package ratelimit

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/adred-codev/agentbroker/internal/metrics"
)

// Config bounds request throughput, per connection and broker-wide.
type Config struct {
	ConnectionBurst int
	ConnectionRate  float64
	GlobalBurst     int
	GlobalRate      float64
	IdleTTL         time.Duration
}

func (c Config) withDefaults() Config {
	if c.ConnectionBurst == 0 {
		c.ConnectionBurst = 20
	}
	if c.ConnectionRate == 0 {
		c.ConnectionRate = 10
	}
	if c.GlobalBurst == 0 {
		c.GlobalBurst = 500
	}
	if c.GlobalRate == 0 {
		c.GlobalRate = 200
	}
	if c.IdleTTL == 0 {
		c.IdleTTL = 5 * time.Minute
	}
	return c
}

type entry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Limiter enforces Config against a population of named connections.
type Limiter struct {
	cfg    Config
	mu     sync.Mutex
	conns  map[string]*entry
	global *rate.Limiter

	logger  *zap.Logger
	metrics *metrics.Registry

	stop chan struct{}
}

// New builds a Limiter and starts its stale-connection sweep.
func New(cfg Config, logger *zap.Logger, reg *metrics.Registry) *Limiter {
	cfg = cfg.withDefaults()
	l := &Limiter{
		cfg:     cfg,
		conns:   make(map[string]*entry),
		global:  rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		logger:  logger,
		metrics: reg,
		stop:    make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

// Allow reports whether a request on connectionID may proceed, checking
// the per-connection bucket before the global bucket so requests a
// flooding connection is already denied never consume global tokens,
// and a single malicious connection cannot starve everyone else.
func (l *Limiter) Allow(connectionID string) bool {
	if !l.connLimiter(connectionID).Allow() {
		l.reject(connectionID, "connection")
		return false
	}
	if !l.global.Allow() {
		l.reject(connectionID, "global")
		return false
	}
	return true
}

func (l *Limiter) reject(connectionID, scope string) {
	if l.metrics != nil {
		l.metrics.RateLimited.Inc()
	}
	if l.logger != nil {
		l.logger.Debug("request rate limited",
			zap.String("connection_id", connectionID),
			zap.String("scope", scope))
	}
}

func (l *Limiter) connLimiter(connectionID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.conns[connectionID]
	if ok {
		e.lastAccess = time.Now()
		return e.limiter
	}

	e = &entry{
		limiter:    rate.NewLimiter(rate.Limit(l.cfg.ConnectionRate), l.cfg.ConnectionBurst),
		lastAccess: time.Now(),
	}
	l.conns[connectionID] = e
	return e.limiter
}

// Release drops connectionID's bucket immediately, called on connection
// close rather than waiting for the TTL sweep.
func (l *Limiter) Release(connectionID string) {
	l.mu.Lock()
	delete(l.conns, connectionID)
	l.mu.Unlock()
}

func (l *Limiter) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	for id, e := range l.conns {
		if now.Sub(e.lastAccess) > l.cfg.IdleTTL {
			delete(l.conns, id)
		}
	}
}

// Stop ends the background sweep goroutine.
func (l *Limiter) Stop() {
	close(l.stop)
}
