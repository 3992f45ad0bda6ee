package api

import (
	"github.com/errlyhq/errly/pkg/models"
	"github.com/errlyhq/errly/pkg/watcher"
)

// IngestResponse is returned by POST /api/errors.
type IngestResponse struct {
	ID          string `json:"id"`
	Fingerprint string `json:"fingerprint"`
	IsNew       bool   `json:"isNew"`
}

// DeleteResponse is returned by the bulk delete endpoints.
type DeleteResponse struct {
	Deleted int `json:"deleted"`
}

// RelatedResponse is returned by GET /api/errors/:id/related.
type RelatedResponse struct {
	Errors []*models.ErrorGroup `json:"errors"`
}

// ServiceInfo pairs a service name with its configured display alias.
type ServiceInfo struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
}

// ServicesResponse is returned by GET /api/errors/services.
type ServicesResponse struct {
	Services []ServiceInfo `json:"services"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status              string `json:"status"`
	UptimeSeconds       int64  `json:"uptime"`
	DBConnected         bool   `json:"dbConnected"`
	AutoCaptureEnabled  bool   `json:"autoCaptureEnabled"`
	ActiveSubscriptions int    `json:"activeSubscriptions"`
	SSEClients          int    `json:"sseClients"`
	LastDiscoveryAt     int64  `json:"lastDiscoveryAt"` // epoch ms; 0 = never
}

// DiagnosticsResponse is the authenticated superset of HealthResponse.
type DiagnosticsResponse struct {
	HealthResponse
	Circuit                  string                       `json:"circuit"`
	RateLimit                RateLimitInfo                `json:"rateLimit"`
	AuthError                bool                         `json:"authError"`
	Subscriptions            []watcher.SubscriptionStatus `json:"subscriptions"`
	ErrorsPerMinute          int                          `json:"errorsPerMinute"`
	DiscoveryIntervalSeconds int                          `json:"discoveryIntervalSeconds"`
	Memory                   MemoryInfo                   `json:"memory"`
}

// RateLimitInfo mirrors the platform API budget last seen on a response.
type RateLimitInfo struct {
	Remaining int   `json:"remaining"`
	Limit     int   `json:"limit"`
	ResetsAt  int64 `json:"resetsAt"` // epoch ms; 0 = unknown
}

// MemoryInfo is a runtime memory snapshot for the diagnostics page.
type MemoryInfo struct {
	HeapAllocBytes uint64 `json:"heapAllocBytes"`
	HeapSysBytes   uint64 `json:"heapSysBytes"`
	SysBytes       uint64 `json:"sysBytes"`
	Goroutines     int    `json:"goroutines"`
}
