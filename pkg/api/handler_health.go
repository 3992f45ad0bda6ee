package api

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/errlyhq/errly/pkg/database"
	"github.com/errlyhq/errly/pkg/watcher"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusUnhealthy = "unhealthy"

	healthCheckTimeout = 5 * time.Second
)

// healthHandler handles GET /health. Unauthenticated and minimal: only the
// database is probed, so a broken platform API cannot make the orchestrator
// restart errly.
func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	health := s.healthSnapshot(ctx)
	httpStatus := http.StatusOK
	if health.Status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, health)
}

// diagnosticsHandler handles GET /api/diagnostics: the health snapshot plus
// platform resiliency state, per-subscription status, throughput, and
// memory.
func (s *Server) diagnosticsHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	diag := DiagnosticsResponse{
		HealthResponse:  s.healthSnapshot(ctx),
		Circuit:         "disabled",
		Subscriptions:   []watcher.SubscriptionStatus{},
		ErrorsPerMinute: s.grouper.ProcessedLastMinute(),
	}

	if s.platform != nil {
		diag.Circuit = s.platform.BreakerState()
		diag.AuthError = s.platform.AuthLatched()
		info := s.platform.RateInfo()
		if info.Seen {
			diag.RateLimit = RateLimitInfo{
				Remaining: info.Remaining,
				Limit:     info.Limit,
				ResetsAt:  info.ResetsAt.UnixMilli(),
			}
		}
	}
	if s.watcher != nil {
		diag.Subscriptions = s.watcher.Subscriptions()
		diag.DiscoveryIntervalSeconds = int(s.watcher.DiscoveryInterval().Seconds())
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	diag.Memory = MemoryInfo{
		HeapAllocBytes: mem.HeapAlloc,
		HeapSysBytes:   mem.HeapSys,
		SysBytes:       mem.Sys,
		Goroutines:     runtime.NumGoroutine(),
	}

	c.JSON(http.StatusOK, diag)
}

// healthSnapshot assembles the shared health fields.
func (s *Server) healthSnapshot(ctx context.Context) HealthResponse {
	health := HealthResponse{
		Status:             healthStatusHealthy,
		UptimeSeconds:      int64(time.Since(s.startedAt).Seconds()),
		DBConnected:        true,
		AutoCaptureEnabled: s.watcher != nil,
		SSEClients:         s.hub.ClientCount(),
	}

	if _, err := database.Health(ctx, s.db.DB()); err != nil {
		health.Status = healthStatusUnhealthy
		health.DBConnected = false
	}
	if s.watcher != nil {
		health.ActiveSubscriptions = s.watcher.ActiveSubscriptions()
		health.LastDiscoveryAt = s.watcher.LastDiscoveryAt()
	}
	return health
}
