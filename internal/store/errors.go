package store

import (
	"fmt"

	"github.com/google/uuid"
)

// NotFoundError indicates an update targeted a row that does not exist
type NotFoundError struct {
	Kind string
	ID   uuid.UUID
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// ConflictError indicates an insert collided with an existing row
type ConflictError struct {
	Kind string
	ID   uuid.UUID
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s already exists: %s", e.Kind, e.ID)
}
