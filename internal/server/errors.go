// Package server provides the HTTP, SSE and WebSocket surface of the investigator.
package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jonathan/investigator/internal/lifecycle"
	"github.com/jonathan/investigator/internal/orchestrator"
	"github.com/jonathan/investigator/internal/store"
)

// ErrValidation indicates a malformed request path or body
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error: %s - %s", e.Field, e.Message)
}

// HTTPStatus returns the appropriate HTTP status code for an error
func HTTPStatus(err error) int {
	var (
		notFound      *orchestrator.NotFoundError
		storeNotFound *store.NotFoundError
		invalid       *orchestrator.ValidationError
		badRequest    *ErrValidation
		state         *orchestrator.StateError
		transition    *lifecycle.InvalidTransitionError
		conflict      *store.ConflictError
	)
	switch {
	case errors.As(err, &notFound), errors.As(err, &storeNotFound):
		return http.StatusNotFound
	case errors.As(err, &invalid), errors.As(err, &badRequest):
		return http.StatusBadRequest
	case errors.As(err, &state), errors.As(err, &transition), errors.As(err, &conflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
