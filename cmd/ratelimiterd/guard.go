package main

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// clientGuard caps decision-API traffic per client IP with a local token
// bucket, so one runaway caller cannot starve the control plane. It is
// separate from the policy engine on purpose: the guard protects this
// process, policies protect the services behind it.
type clientGuard struct {
	mu      sync.Mutex
	clients map[string]*guardEntry
	rps     rate.Limit
	burst   int
}

type guardEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newClientGuard(rps float64, burst int) *clientGuard {
	return &clientGuard{
		clients: make(map[string]*guardEntry),
		rps:     rate.Limit(rps),
		burst:   burst,
	}
}

// allow admits or rejects one request from ip.
func (g *clientGuard) allow(ip string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.clients[ip]
	if !ok {
		e = &guardEntry{limiter: rate.NewLimiter(g.rps, g.burst)}
		g.clients[ip] = e
	}
	e.lastSeen = time.Now()
	return e.limiter.Allow()
}

// startJanitor evicts entries idle longer than idle, sweeping every sweep,
// until ctx is cancelled.
func (g *clientGuard) startJanitor(ctx context.Context, sweep, idle time.Duration) {
	go func() {
		ticker := time.NewTicker(sweep)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.mu.Lock()
				for ip, e := range g.clients {
					if time.Since(e.lastSeen) > idle {
						delete(g.clients, ip)
					}
				}
				g.mu.Unlock()
			}
		}
	}()
}

// handler adapts the guard into gin middleware.
func (g *clientGuard) handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !g.allow(c.ClientIP()) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "too_many_requests"})
			c.Abort()
			return
		}
		c.Next()
	}
}
