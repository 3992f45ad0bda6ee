package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/errlyhq/errly/pkg/models"
)

// maxDeleteBatch caps how many ids one bulk delete may name.
const maxDeleteBatch = 500

// listErrorsHandler handles GET /api/errors.
func (s *Server) listErrorsHandler(c *gin.Context) {
	filters := models.ListFilters{
		Service: c.Query("service"),
		Search:  c.Query("search"),
	}

	if v := c.Query("severity"); v != "" {
		sev := models.Severity(v)
		if !sev.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid severity: must be warn, error, or fatal"})
			return
		}
		filters.Severity = sev
	}
	if v := c.Query("status"); v != "" {
		st := models.Status(v)
		if !st.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status: must be new, investigating, in-progress, or resolved"})
			return
		}
		filters.Status = st
	}
	if v := c.Query("timeRange"); v != "" {
		tr := models.TimeRange(v)
		if tr.Duration() == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid timeRange: must be 1h, 24h, 7d, or 30d"})
			return
		}
		filters.TimeRange = tr
	}
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filters.Limit = n
		}
	}
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			filters.Offset = n
		}
	}

	result, err := s.groups.List(c.Request.Context(), filters)
	if err != nil {
		status, msg := mapStoreError(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.JSON(http.StatusOK, result)
}

// getErrorHandler handles GET /api/errors/:id.
func (s *Server) getErrorHandler(c *gin.Context) {
	group, err := s.groups.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		status, msg := mapStoreError(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.JSON(http.StatusOK, group)
}

// relatedErrorsHandler handles GET /api/errors/:id/related.
func (s *Server) relatedErrorsHandler(c *gin.Context) {
	window := 0
	if v := c.Query("window"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			window = n
		}
	}

	related, err := s.groups.Related(c.Request.Context(), c.Param("id"), window)
	if err != nil {
		status, msg := mapStoreError(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.JSON(http.StatusOK, RelatedResponse{Errors: related})
}

// statsHandler handles GET /api/errors/stats.
func (s *Server) statsHandler(c *gin.Context) {
	stats, err := s.groups.Stats(c.Request.Context(), models.NowMillis())
	if err != nil {
		status, msg := mapStoreError(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// servicesHandler handles GET /api/errors/services.
func (s *Server) servicesHandler(c *gin.Context) {
	names, err := s.groups.Services(c.Request.Context())
	if err != nil {
		status, msg := mapStoreError(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}

	aliases := s.settings.ServiceAliases(c.Request.Context())
	services := make([]ServiceInfo, 0, len(names))
	for _, name := range names {
		display := name
		if alias, ok := aliases[name]; ok && alias != "" {
			display = alias
		}
		services = append(services, ServiceInfo{Name: name, DisplayName: display})
	}
	c.JSON(http.StatusOK, ServicesResponse{Services: services})
}

// updateStatusHandler handles PATCH /api/errors/:id/status.
func (s *Server) updateStatusHandler(c *gin.Context) {
	var req UpdateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	group, err := s.groups.UpdateStatus(c.Request.Context(), c.Param("id"), models.Status(req.Status), models.NowMillis())
	if err != nil {
		status, msg := mapStoreError(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}

	s.hub.Broadcast(models.ErrorUpdatedEvent(group.Summary()))
	c.JSON(http.StatusOK, group)
}

// deleteErrorsHandler handles POST /api/errors/delete.
func (s *Server) deleteErrorsHandler(c *gin.Context) {
	var req DeleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if len(req.IDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ids are required"})
		return
	}
	if len(req.IDs) > maxDeleteBatch {
		c.JSON(http.StatusBadRequest, gin.H{"error": "too many ids: limit is 500 per request"})
		return
	}

	deleted, err := s.groups.DeleteByIDs(c.Request.Context(), req.IDs)
	if err != nil {
		status, msg := mapStoreError(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}

	if deleted > 0 {
		s.hub.Broadcast(models.ErrorClearedEvent(req.IDs))
	}
	c.JSON(http.StatusOK, DeleteResponse{Deleted: int(deleted)})
}

// deleteAllHandler handles POST /api/errors/delete-all.
func (s *Server) deleteAllHandler(c *gin.Context) {
	var req DeleteAllRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	deleted, err := s.groups.DeleteAll(c.Request.Context(), req.Confirm)
	if err != nil {
		status, msg := mapStoreError(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}

	s.hub.Broadcast(models.BulkClearedEvent())
	c.JSON(http.StatusOK, DeleteResponse{Deleted: int(deleted)})
}

// ingestHandler handles POST /api/errors (direct ingestion).
func (s *Server) ingestHandler(c *gin.Context) {
	var req IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	ev := &models.ErrorEvent{
		Service:    req.Service,
		Message:    req.Message,
		StackTrace: req.StackTrace,
		Severity:   models.Severity(req.Severity),
		Endpoint:   req.Endpoint,
		RawLog:     req.Message,
		Source:     models.SourceDirect,
		Metadata:   req.Metadata,
	}

	result, err := s.grouper.Process(c.Request.Context(), ev)
	if err != nil {
		status, msg := mapStoreError(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}

	summary := result.Group.Summary()
	if result.IsNew {
		s.hub.Broadcast(models.NewErrorEvent(summary))
	} else {
		s.hub.Broadcast(models.ErrorUpdatedEvent(summary))
	}

	c.JSON(http.StatusCreated, IngestResponse{
		ID:          result.Group.ID,
		Fingerprint: result.Group.Fingerprint,
		IsNew:       result.IsNew,
	})
}
