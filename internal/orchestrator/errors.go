package orchestrator

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/jonathan/investigator/internal/types"
)

// NotFoundError is returned when an operation names an investigation or entity that does not exist
type NotFoundError struct {
	Kind string
	ID   uuid.UUID
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// ValidationError wraps a request that failed validation
type ValidationError struct {
	Message string
	Cause   error
}

func (e *ValidationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ValidationError) Unwrap() error {
	return e.Cause
}

// StateError is returned when an operation is not allowed in the investigation's current status
type StateError struct {
	Operation       string
	InvestigationID uuid.UUID
	Status          types.InvestigationStatus
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s investigation %s while %s", e.Operation, e.InvestigationID, e.Status)
}
