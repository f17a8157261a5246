package types

import (
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// CreateInvestigationRequest represents the request to open a new investigation.
type CreateInvestigationRequest struct {
	UserID       uuid.UUID `json:"user_id"`
	Title        string    `json:"title" validate:"required,min=1,max=255"`
	InitialQuery string    `json:"initial_query" validate:"required,min=1"`
	// AutoStart starts the pipeline immediately after creation.
	AutoStart bool `json:"auto_start,omitempty"`
}

// RedirectFocusRequest represents a user redirect of an investigation's focus.
type RedirectFocusRequest struct {
	NewFocus string   `json:"new_focus" validate:"required,min=1"`
	Priority Priority `json:"priority" validate:"required,oneof=low medium high"`
}

// MoveEntityRequest represents a user placing an entity on the board.
type MoveEntityRequest struct {
	EntityID uuid.UUID `json:"entity_id" validate:"required"`
	X        float64   `json:"x"`
	Y        float64   `json:"y"`
}

// ChangeLayoutRequest represents a board layout switch.
type ChangeLayoutRequest struct {
	Layout string `json:"layout" validate:"required,oneof=force hierarchical circular grid"`
}

// Validate validates the CreateInvestigationRequest using the validator.
func (r *CreateInvestigationRequest) Validate() error {
	validate := validator.New()
	return validate.Struct(r)
}

// Validate validates the RedirectFocusRequest using the validator.
func (r *RedirectFocusRequest) Validate() error {
	validate := validator.New()
	return validate.Struct(r)
}

// Validate validates the MoveEntityRequest using the validator.
func (r *MoveEntityRequest) Validate() error {
	validate := validator.New()
	return validate.Struct(r)
}

// Validate validates the ChangeLayoutRequest using the validator.
func (r *ChangeLayoutRequest) Validate() error {
	validate := validator.New()
	return validate.Struct(r)
}
