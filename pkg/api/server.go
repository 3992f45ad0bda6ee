// Package api exposes the HTTP surface: error queries and mutations over
// gin, direct ingestion, the SSE push stream, and health/diagnostics.
package api

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/errlyhq/errly/pkg/database"
	"github.com/errlyhq/errly/pkg/grouper"
	"github.com/errlyhq/errly/pkg/platform"
	"github.com/errlyhq/errly/pkg/push"
	"github.com/errlyhq/errly/pkg/store"
	"github.com/errlyhq/errly/pkg/watcher"
)

// PlatformInfo is the resiliency state surfaced by the diagnostics
// endpoint. *platform.Client satisfies it.
type PlatformInfo interface {
	BreakerState() string
	RateInfo() platform.RateInfo
	AuthLatched() bool
}

// WatcherInfo is the log watcher's diagnostics surface. *watcher.Watcher
// satisfies it.
type WatcherInfo interface {
	ActiveSubscriptions() int
	Subscriptions() []watcher.SubscriptionStatus
	LastDiscoveryAt() int64
	DiscoveryInterval() time.Duration
}

// Deps carries everything the server serves from. Watcher and Platform are
// nil when auto-capture is disabled; the affected fields then report as
// inactive rather than erroring.
type Deps struct {
	DB       *database.Client
	Groups   *store.GroupStore
	Sessions *store.SessionStore
	Settings *store.SettingsStore
	Grouper  *grouper.Grouper
	Hub      *push.Hub
	Watcher  WatcherInfo
	Platform PlatformInfo
}

// Server holds the handler dependencies. The HTTP listener itself is owned
// by the caller (cmd wires Router into an http.Server).
type Server struct {
	db       *database.Client
	groups   *store.GroupStore
	sessions *store.SessionStore
	settings *store.SettingsStore
	grouper  *grouper.Grouper
	hub      *push.Hub
	watcher  WatcherInfo
	platform PlatformInfo

	limiter   *ipLimiter
	startedAt time.Time
	logger    *slog.Logger
}

// NewServer creates the API server.
func NewServer(deps Deps) *Server {
	return &Server{
		db:        deps.DB,
		groups:    deps.Groups,
		sessions:  deps.Sessions,
		settings:  deps.Settings,
		grouper:   deps.Grouper,
		hub:       deps.Hub,
		watcher:   deps.Watcher,
		platform:  deps.Platform,
		limiter:   newIPLimiter(ingestRatePerMinute),
		startedAt: time.Now(),
		logger:    slog.Default().With("component", "api"),
	}
}

// Router builds the gin engine with all routes and middleware attached.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(securityHeaders())

	r.GET("/health", s.healthHandler)

	api := r.Group("/api")
	api.POST("/errors", bodyLimit(maxIngestBodyBytes), s.ingestAuth(), s.ingestRateLimit(), s.ingestHandler)

	authed := api.Group("")
	authed.Use(s.sessionAuth())
	{
		authed.GET("/errors", s.listErrorsHandler)
		authed.GET("/errors/stats", s.statsHandler)
		authed.GET("/errors/services", s.servicesHandler)
		authed.GET("/errors/stream", s.streamHandler)
		authed.GET("/errors/:id", s.getErrorHandler)
		authed.GET("/errors/:id/related", s.relatedErrorsHandler)
		authed.PATCH("/errors/:id/status", s.updateStatusHandler)
		authed.POST("/errors/delete", s.deleteErrorsHandler)
		authed.POST("/errors/delete-all", s.deleteAllHandler)
		authed.GET("/diagnostics", s.diagnosticsHandler)
	}

	return r
}
