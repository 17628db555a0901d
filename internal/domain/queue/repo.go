package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/clinicqueue/internal/platform/apperr"
)

// ErrStale is returned when a compare-and-swap write finds a newer version.
// The caller lost a race and must re-read before deciding again.
var ErrStale = fmt.Errorf("%w: entry was modified concurrently", apperr.ErrInvalidTransition)

// ListParams narrows the snapshot read from storage. Zero times are unbounded.
type ListParams struct {
	From time.Time
	To   time.Time
}

type Repository interface {
	// Create assigns ID, Seq and VersionID.
	Create(ctx context.Context, e *Entry) error
	GetByID(ctx context.Context, id uuid.UUID) (*Entry, error)
	// GetForUpdate reads e and holds it against concurrent writers for the
	// rest of the unit of work.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Entry, error)
	// Update writes e iff the stored version equals e.VersionID, then
	// increments e.VersionID. Otherwise it returns ErrStale.
	Update(ctx context.Context, e *Entry) error
	// Delete removes the entry iff the stored version equals version.
	Delete(ctx context.Context, id uuid.UUID, version int) error
	List(ctx context.Context, params ListParams) ([]*Entry, error)

	AddStatusChange(ctx context.Context, sc *StatusChange) error
	ListStatusChanges(ctx context.Context, entryID uuid.UUID) ([]*StatusChange, error)
}

// PatientDirectory resolves patients from the external registry.
type PatientDirectory interface {
	GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetPatients(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*Patient, error)
}

func notFound(id uuid.UUID) error {
	return fmt.Errorf("%w: queue entry %s", apperr.ErrNotFound, id)
}
