package accesslog

import (
	"context"

	"github.com/google/uuid"
)

// Repository stores the access trail. It has no update or delete.
type Repository interface {
	// Append assigns e.ID and stores e.
	Append(ctx context.Context, e *Entry) error
	GetByID(ctx context.Context, id uuid.UUID) (*Entry, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Entry, error)
}
