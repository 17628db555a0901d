package consultation

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ehr/clinicqueue/internal/platform/apperr"
)

// ErrStale is returned when a consultation was written by someone else
// between read and write.
var ErrStale = fmt.Errorf("%w: consultation was modified concurrently", apperr.ErrInvalidTransition)

type Repository interface {
	// Create inserts c. It fails with apperr.ErrConsultationConflict when
	// the patient already has a consultation in progress.
	Create(ctx context.Context, c *Consultation) error
	GetByID(ctx context.Context, id uuid.UUID) (*Consultation, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Consultation, error)
	// Update writes c iff the stored version equals c.VersionID.
	Update(ctx context.Context, c *Consultation) error
	// ActiveByPatient returns the patient's in-progress consultation or
	// apperr.ErrNotFound.
	ActiveByPatient(ctx context.Context, patientID uuid.UUID) (*Consultation, error)
	// ActiveByQueueEntry returns the in-progress consultation opened for a
	// queue entry or apperr.ErrNotFound.
	ActiveByQueueEntry(ctx context.Context, entryID uuid.UUID) (*Consultation, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Consultation, error)

	// CreateSOAPIfAbsent inserts r unless a record of the same type exists
	// for the consultation. It reports whether r was inserted.
	CreateSOAPIfAbsent(ctx context.Context, r *SOAPRecord) (bool, error)
	// GetSOAP returns apperr.ErrRecordNotFound when the section was never
	// initialised.
	GetSOAP(ctx context.Context, consultationID uuid.UUID, t SOAPType) (*SOAPRecord, error)
	UpdateSOAP(ctx context.Context, r *SOAPRecord) error
	ListSOAP(ctx context.Context, consultationID uuid.UUID) ([]*SOAPRecord, error)
}

func notFound(id uuid.UUID) error {
	return fmt.Errorf("%w: consultation %s", apperr.ErrNotFound, id)
}

func recordNotFound(id uuid.UUID, t SOAPType) error {
	return fmt.Errorf("%w: %s section of consultation %s", apperr.ErrRecordNotFound, t, id)
}

func conflict(patientID uuid.UUID) error {
	return fmt.Errorf("%w: patient %s already has a consultation in progress", apperr.ErrConsultationConflict, patientID)
}

// soapOrder sorts records in note order.
func soapOrder(t SOAPType) int {
	for i, v := range SOAPTypes {
		if v == t {
			return i
		}
	}
	return len(SOAPTypes)
}
