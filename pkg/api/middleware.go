package api

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/errlyhq/errly/pkg/models"
	"github.com/errlyhq/errly/pkg/store"
)

const (
	// maxIngestBodyBytes bounds POST /api/errors request bodies.
	maxIngestBodyBytes = 262144

	// ingestRatePerMinute is the sustained per-client ingestion budget.
	ingestRatePerMinute = 100

	// sessionKey is the gin context key holding the authenticated session
	// hash.
	sessionKey = "sessionHash"

	contentSecurityPolicy = "default-src 'self'; script-src 'self'; style-src 'self'; " +
		"connect-src 'self'; img-src 'self' data:; font-src 'self'; object-src 'none'; " +
		"frame-ancestors 'none'; base-uri 'self'; form-action 'self'"
)

// securityHeaders sets the security response headers on every response.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Content-Security-Policy", contentSecurityPolicy)
		h.Set("X-Content-Type-Options", "nosniff")
		c.Next()
	}
}

// sessionAuth admits requests carrying a valid, unexpired session cookie
// and records the session hash for downstream handlers.
func (s *Server) sessionAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := c.Cookie(sessionCookie)
		if err != nil || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}

		hash := hashToken(token)
		session, err := s.sessions.Get(c.Request.Context(), hash)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				s.logger.Error("Session lookup failed", "error", err)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		if session.Expired(models.NowMillis()) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "session expired"})
			return
		}

		c.Set(sessionKey, hash)
		c.Next()
	}
}

// ingestAuth authenticates POST /api/errors via the X-Errly-Token header
// against the configured ingestion token.
func (s *Server) ingestAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		configured := s.settings.IngestToken(c.Request.Context())
		if configured == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "direct ingestion is not configured"})
			return
		}
		if !secureCompare(c.GetHeader("X-Errly-Token"), configured) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}

// ingestRateLimit applies the per-client ingestion budget.
func (s *Server) ingestRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// bodyLimit rejects request bodies larger than maxBytes. Oversized reads
// surface as *http.MaxBytesError from the JSON binder.
func bodyLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// ipLimiter hands out one token-bucket limiter per client address. Entries
// idle past staleAfter are swept once the table grows past sweepThreshold.
type ipLimiter struct {
	mu      sync.Mutex
	perMin  int
	clients map[string]*clientLimiter
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const (
	limiterStaleAfter     = 10 * time.Minute
	limiterSweepThreshold = 1024
)

func newIPLimiter(perMinute int) *ipLimiter {
	return &ipLimiter{
		perMin:  perMinute,
		clients: make(map[string]*clientLimiter),
	}
}

func (l *ipLimiter) allow(addr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.clients[addr]
	if !ok {
		if len(l.clients) >= limiterSweepThreshold {
			l.sweepLocked()
		}
		entry = &clientLimiter{
			limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.perMin)), l.perMin),
		}
		l.clients[addr] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter.Allow()
}

func (l *ipLimiter) sweepLocked() {
	cutoff := time.Now().Add(-limiterStaleAfter)
	for addr, entry := range l.clients {
		if entry.lastSeen.Before(cutoff) {
			delete(l.clients, addr)
		}
	}
}
