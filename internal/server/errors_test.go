package server

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/jonathan/investigator/internal/lifecycle"
	"github.com/jonathan/investigator/internal/orchestrator"
	"github.com/jonathan/investigator/internal/store"
	"github.com/jonathan/investigator/internal/types"
)

func TestHTTPStatus(t *testing.T) {
	id := uuid.New()
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", &orchestrator.NotFoundError{Kind: "investigation", ID: id}, http.StatusNotFound},
		{"store not found", &store.NotFoundError{Kind: "entity", ID: id}, http.StatusNotFound},
		{"wrapped not found", fmt.Errorf("loading: %w", &orchestrator.NotFoundError{Kind: "investigation", ID: id}), http.StatusNotFound},
		{"validation", &orchestrator.ValidationError{Message: "invalid request"}, http.StatusBadRequest},
		{"bad path", &ErrValidation{Field: "id", Message: "must be a UUID"}, http.StatusBadRequest},
		{"state", &orchestrator.StateError{Operation: "resume", InvestigationID: id, Status: types.StatusPending}, http.StatusConflict},
		{"transition", &lifecycle.InvalidTransitionError{InvestigationID: id, From: types.StatusCompleted, To: types.StatusRunning}, http.StatusConflict},
		{"conflict", &store.ConflictError{Kind: "investigation", ID: id}, http.StatusConflict},
		{"unknown", errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}

func TestErrValidation_Error(t *testing.T) {
	err := &ErrValidation{Field: "topic", Message: "must be investigation, board or all"}
	assert.Equal(t, "validation error: topic - must be investigation, board or all", err.Error())
}
