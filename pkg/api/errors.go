package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/errlyhq/errly/pkg/store"
)

// mapStoreError maps store-layer errors to an HTTP status and message.
func mapStoreError(err error) (int, string) {
	var validErr *store.ValidationError
	if errors.As(err, &validErr) {
		return http.StatusBadRequest, validErr.Error()
	}
	if errors.Is(err, store.ErrInvalidInput) {
		return http.StatusBadRequest, err.Error()
	}
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, "resource not found"
	}

	// Unexpected error (including invariant violations).
	slog.Error("Unexpected store error", "error", err)
	return http.StatusInternalServerError, "internal server error"
}
