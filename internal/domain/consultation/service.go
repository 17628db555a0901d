package consultation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/clinicqueue/internal/platform/apperr"
	"github.com/ehr/clinicqueue/internal/platform/db"
)

type Service struct {
	repo Repository
	tx   db.Transactor
	now  func() time.Time
}

func NewService(repo Repository, tx db.Transactor) *Service {
	return &Service{
		repo: repo,
		tx:   tx,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// StartParams opens a consultation.
type StartParams struct {
	PatientID        uuid.UUID
	ProfessionalID   uuid.UUID
	QueueEntryID     *uuid.UUID
	ConsultationType string
}

// Start opens a consultation for the patient, failing with
// apperr.ErrConsultationConflict if one is already in progress. The check
// and the insert share one unit of work; storage uniqueness backs it up.
func (s *Service) Start(ctx context.Context, p StartParams) (*Consultation, error) {
	if p.PatientID == uuid.Nil {
		return nil, fmt.Errorf("%w: patient_id is required", apperr.ErrValidation)
	}
	if p.ProfessionalID == uuid.Nil {
		return nil, fmt.Errorf("%w: professional_id is required", apperr.ErrValidation)
	}
	kind := strings.TrimSpace(p.ConsultationType)
	if kind == "" {
		kind = "consulta"
	}

	var out *Consultation
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		_, err := s.repo.ActiveByPatient(ctx, p.PatientID)
		switch {
		case err == nil:
			return conflict(p.PatientID)
		case !errors.Is(err, apperr.ErrNotFound):
			return err
		}

		c := &Consultation{
			PatientID:        p.PatientID,
			ProfessionalID:   p.ProfessionalID,
			QueueEntryID:     p.QueueEntryID,
			ConsultationType: kind,
			Status:           StatusInProgress,
			StartedAt:        s.now(),
		}
		if err := s.repo.Create(ctx, c); err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Consultation, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ActiveForEntry(ctx context.Context, entryID uuid.UUID) (*Consultation, error) {
	return s.repo.ActiveByQueueEntry(ctx, entryID)
}

func (s *Service) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Consultation, error) {
	return s.repo.ListByPatient(ctx, patientID)
}

// EnsureSoapRecords creates each missing section and returns all four. It
// is safe to call on every read and to retry.
func (s *Service) EnsureSoapRecords(ctx context.Context, id uuid.UUID) ([]*SOAPRecord, error) {
	if _, err := s.repo.GetByID(ctx, id); err != nil {
		return nil, err
	}
	now := s.now()
	for _, t := range SOAPTypes {
		empty, err := EmptySection(t)
		if err != nil {
			return nil, err
		}
		rec := &SOAPRecord{ConsultationID: id, Type: t, Payload: empty, UpdatedAt: now}
		if _, err := s.repo.CreateSOAPIfAbsent(ctx, rec); err != nil {
			return nil, err
		}
	}
	return s.repo.ListSOAP(ctx, id)
}

// Records lists the sections without creating missing ones.
func (s *Service) Records(ctx context.Context, id uuid.UUID) ([]*SOAPRecord, error) {
	return s.repo.ListSOAP(ctx, id)
}

// SectionUpdate is merged into an existing SOAP record. A nil Content leaves
// the narrative unchanged; a nil Payload leaves the structured fields.
type SectionUpdate struct {
	Content *string
	Payload Section
}

// UpdateSoapSection merges upd into the soapType record of a consultation
// in progress, attributing the change to professionalID.
func (s *Service) UpdateSoapSection(ctx context.Context, professionalID, id uuid.UUID, soapType string, upd SectionUpdate) (*SOAPRecord, error) {
	t, err := ParseSOAPType(soapType)
	if err != nil {
		return nil, err
	}

	var out *SOAPRecord
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		c, err := s.repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if c.Status != StatusInProgress {
			return fmt.Errorf("%w: consultation %s is %s", apperr.ErrInvalidTransition, id, c.Status)
		}
		rec, err := s.repo.GetSOAP(ctx, id, t)
		if err != nil {
			return err
		}

		merged, err := Merge(rec.Payload, upd.Payload)
		if err != nil {
			return err
		}
		rec.Payload = merged
		if upd.Content != nil {
			rec.Content = *upd.Content
		}
		if professionalID != uuid.Nil {
			pid := professionalID
			rec.ProfessionalID = &pid
		}
		rec.UpdatedAt = s.now()
		if err := s.repo.UpdateSOAP(ctx, rec); err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Finalize completes a consultation in progress. Use it through the
// workflow engine so the owning queue entry completes in the same unit of
// work.
func (s *Service) Finalize(ctx context.Context, id uuid.UUID) (*Consultation, error) {
	return s.close(ctx, id, StatusCompleted)
}

// Cancel closes a consultation whose attendance was cancelled.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*Consultation, error) {
	return s.close(ctx, id, StatusCancelled)
}

func (s *Service) close(ctx context.Context, id uuid.UUID, to Status) (*Consultation, error) {
	var out *Consultation
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		c, err := s.repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if c.Status != StatusInProgress {
			return fmt.Errorf("%w: consultation %s is already %s", apperr.ErrInvalidTransition, id, c.Status)
		}
		now := s.now()
		c.Status = to
		c.FinishedAt = &now
		if err := s.repo.Update(ctx, c); err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
