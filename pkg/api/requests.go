package api

import "github.com/errlyhq/errly/pkg/models"

// IngestRequest is the HTTP request body for POST /api/errors.
type IngestRequest struct {
	Service    string          `json:"service"`
	Message    string          `json:"message"`
	StackTrace string          `json:"stackTrace,omitempty"`
	Severity   string          `json:"severity,omitempty"`
	Endpoint   string          `json:"endpoint,omitempty"`
	Metadata   models.Metadata `json:"metadata,omitempty"`
}

// UpdateStatusRequest is the body for PATCH /api/errors/:id/status.
type UpdateStatusRequest struct {
	Status string `json:"status"`
}

// DeleteRequest is the body for POST /api/errors/delete.
type DeleteRequest struct {
	IDs []string `json:"ids"`
}

// DeleteAllRequest is the body for POST /api/errors/delete-all.
type DeleteAllRequest struct {
	Confirm bool `json:"confirm"`
}
