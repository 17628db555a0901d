// Package workflow couples queue transitions to the consultation lifecycle:
// attending a patient opens a consultation, finalizing the consultation
// completes the queue entry, and cancelling an entry in progress cancels
// its consultation.
package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/clinicqueue/internal/domain/consultation"
	"github.com/ehr/clinicqueue/internal/domain/queue"
	"github.com/ehr/clinicqueue/internal/platform/apperr"
	"github.com/ehr/clinicqueue/internal/platform/db"
)

// Outcome is the result of a committed transition. Consultation is set when
// the transition opened, finalized or cancelled one.
type Outcome struct {
	Entry        *queue.Entry               `json:"entry,omitempty"`
	Consultation *consultation.Consultation `json:"consultation,omitempty"`
}

type Engine struct {
	queue    *queue.Service
	consults *consultation.Service
	tx       db.Transactor
	logger   zerolog.Logger
}

// NewEngine composes the two services. They must share the queue
// service's transactor so a transition and its consultation side effect
// commit together.
func NewEngine(q *queue.Service, c *consultation.Service, logger zerolog.Logger) *Engine {
	return &Engine{
		queue:    q,
		consults: c,
		tx:       q.Transactor(),
		logger:   logger.With().Str("component", "workflow").Logger(),
	}
}

func (e *Engine) Queue() *queue.Service { return e.queue }

func (e *Engine) Consultations() *consultation.Service { return e.consults }

// Transition applies event to the entry on behalf of actor. Illegal events
// fail with apperr.ErrInvalidTransition and change nothing; so does losing
// a race with another writer.
func (e *Engine) Transition(ctx context.Context, actor queue.Actor, entryID uuid.UUID, event queue.Event, p queue.Payload) (*Outcome, error) {
	var (
		out  *Outcome
		from queue.Status
	)
	err := e.tx.WithinTx(ctx, func(ctx context.Context) error {
		before, err := e.queue.Load(ctx, entryID)
		if err != nil {
			return err
		}
		from = before.Status

		switch event {
		case queue.EventAttend:
			out, err = e.attend(ctx, actor, before)
		case queue.EventFinalize:
			out, err = e.finalizeEntry(ctx, actor, before)
		case queue.EventCancel:
			out, err = e.cancel(ctx, actor, before, p)
		default:
			var next *queue.Entry
			next, err = e.queue.Commit(ctx, actor, before, event, p)
			out = &Outcome{Entry: next}
		}
		return err
	})
	if err != nil {
		e.logger.Debug().Err(err).
			Str("entry_id", entryID.String()).
			Str("event", string(event)).
			Str("actor_id", actor.ID.String()).
			Msg("transition rejected")
		return nil, err
	}

	e.committed(ctx, actor, from, event, out.Entry)
	return out, nil
}

// attend checks the transition before opening the consultation so a
// rejected event leaves no consultation behind.
func (e *Engine) attend(ctx context.Context, actor queue.Actor, before *queue.Entry) (*Outcome, error) {
	if _, err := e.queue.Check(actor, before, queue.EventAttend, queue.Payload{}); err != nil {
		return nil, err
	}
	professional := actor.ID
	if before.AssignedProfessionalID != nil {
		professional = *before.AssignedProfessionalID
	}
	entryID := before.ID
	c, err := e.consults.Start(ctx, consultation.StartParams{
		PatientID:        before.PatientID,
		ProfessionalID:   professional,
		QueueEntryID:     &entryID,
		ConsultationType: before.ServiceType,
	})
	if err != nil {
		return nil, err
	}
	next, err := e.queue.Commit(ctx, actor, before, queue.EventAttend, queue.Payload{})
	if err != nil {
		return nil, err
	}
	return &Outcome{Entry: next, Consultation: c}, nil
}

// finalizeEntry routes the finalize event through the entry's active
// consultation so completion always finalizes the documentation too.
func (e *Engine) finalizeEntry(ctx context.Context, actor queue.Actor, before *queue.Entry) (*Outcome, error) {
	if _, err := e.queue.Check(actor, before, queue.EventFinalize, queue.Payload{}); err != nil {
		return nil, err
	}
	c, err := e.consults.ActiveForEntry(ctx, before.ID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, fmt.Errorf("%w: entry %s has no consultation in progress", apperr.ErrInvalidTransition, before.ID)
	}
	if err != nil {
		return nil, err
	}
	return e.finalize(ctx, actor, c.ID, before)
}

func (e *Engine) cancel(ctx context.Context, actor queue.Actor, before *queue.Entry, p queue.Payload) (*Outcome, error) {
	next, err := e.queue.Commit(ctx, actor, before, queue.EventCancel, p)
	if err != nil {
		return nil, err
	}
	out := &Outcome{Entry: next}
	if before.Status != queue.StatusInProgress {
		return out, nil
	}
	c, err := e.consults.ActiveForEntry(ctx, before.ID)
	if errors.Is(err, apperr.ErrNotFound) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	if out.Consultation, err = e.consults.Cancel(ctx, c.ID); err != nil {
		return nil, err
	}
	return out, nil
}

// FinalizeConsultation completes the consultation and its queue entry. This
// is the only path to queue.StatusCompleted.
func (e *Engine) FinalizeConsultation(ctx context.Context, actor queue.Actor, consultationID uuid.UUID) (*Outcome, error) {
	if actor.ID == uuid.Nil {
		return nil, fmt.Errorf("%w: actor is not authenticated", apperr.ErrUnauthorized)
	}
	var (
		out  *Outcome
		from queue.Status
	)
	err := e.tx.WithinTx(ctx, func(ctx context.Context) error {
		c, err := e.consults.Get(ctx, consultationID)
		if err != nil {
			return err
		}
		if c.Status != consultation.StatusInProgress {
			return fmt.Errorf("%w: consultation %s is %s", apperr.ErrInvalidTransition, c.ID, c.Status)
		}

		var before *queue.Entry
		if c.QueueEntryID != nil {
			if before, err = e.queue.Load(ctx, *c.QueueEntryID); err != nil {
				return err
			}
			from = before.Status
			if _, err := e.queue.Check(actor, before, queue.EventFinalize, queue.Payload{}); err != nil {
				return err
			}
		}
		out, err = e.finalize(ctx, actor, c.ID, before)
		return err
	})
	if err != nil {
		return nil, err
	}
	if out.Entry != nil {
		e.committed(ctx, actor, from, queue.EventFinalize, out.Entry)
	}
	return out, nil
}

// finalize runs inside the caller's unit of work after the entry's
// transition has been checked. entry may be nil for a consultation opened
// outside the queue.
func (e *Engine) finalize(ctx context.Context, actor queue.Actor, consultationID uuid.UUID, entry *queue.Entry) (*Outcome, error) {
	c, err := e.consults.Finalize(ctx, consultationID)
	if err != nil {
		return nil, err
	}
	out := &Outcome{Consultation: c}
	if entry == nil {
		return out, nil
	}
	if out.Entry, err = e.queue.Commit(ctx, actor, entry, queue.EventFinalize, queue.Payload{}); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) committed(ctx context.Context, actor queue.Actor, from queue.Status, event queue.Event, entry *queue.Entry) {
	e.logger.Info().
		Str("entry_id", entry.ID.String()).
		Str("from", string(from)).
		Str("to", string(entry.Status)).
		Str("event", string(event)).
		Str("actor_id", actor.ID.String()).
		Msg("queue transition")
	e.queue.Notify(ctx, queue.EventTypeTransitioned, entry)
}

// PatientRecord is the consultation history returned by an audited record view.
type PatientRecord struct {
	PatientID     uuid.UUID            `json:"patient_id"`
	Consultations []ConsultationRecord `json:"consultations"`
}

type ConsultationRecord struct {
	*consultation.Consultation
	SOAP []*consultation.SOAPRecord `json:"soap"`
}

// PatientRecord reads every consultation of the patient with its SOAP
// sections. Callers must hold a verified record-view grant.
func (e *Engine) PatientRecord(ctx context.Context, patientID uuid.UUID) (*PatientRecord, error) {
	list, err := e.consults.ListByPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	rec := &PatientRecord{PatientID: patientID, Consultations: make([]ConsultationRecord, 0, len(list))}
	for _, c := range list {
		soap, err := e.consults.Records(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		rec.Consultations = append(rec.Consultations, ConsultationRecord{Consultation: c, SOAP: soap})
	}
	return rec, nil
}
