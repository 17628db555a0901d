package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/clinicqueue/internal/platform/apperr"
	"github.com/ehr/clinicqueue/internal/platform/db"
	"github.com/ehr/clinicqueue/internal/platform/websocket"
)

// Event types published on the queue topics.
const (
	EventTypeCreated      = "queue.entry.created"
	EventTypeUpdated      = "queue.entry.updated"
	EventTypeTransitioned = "queue.entry.transitioned"
	EventTypeDeleted      = "queue.entry.deleted"
)

// TopicAll receives every queue event; team boards subscribe to TeamTopic.
const TopicAll = "queue"

func TeamTopic(team string) string { return TopicAll + ":" + team }

type Service struct {
	repo     Repository
	patients PatientDirectory
	tx       db.Transactor
	events   websocket.EventPublisher
	now      func() time.Time
}

func NewService(repo Repository, patients PatientDirectory, tx db.Transactor) *Service {
	return &Service{
		repo:     repo,
		patients: patients,
		tx:       tx,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetPublisher attaches an optional publisher for committed changes.
func (s *Service) SetPublisher(p websocket.EventPublisher) {
	s.events = p
}

// SetClock replaces the time source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Now returns the service clock's current time.
func (s *Service) Now() time.Time {
	return s.now()
}

// Transactor returns the unit-of-work runner shared with collaborating services.
func (s *Service) Transactor() db.Transactor {
	return s.tx
}

// NewEntry is the input to AddEntry.
type NewEntry struct {
	PatientID              uuid.UUID  `json:"patient_id"`
	ServiceType            string     `json:"service_type"`
	Team                   string     `json:"team,omitempty"`
	AssignedProfessionalID *uuid.UUID `json:"assigned_professional_id,omitempty"`
	Priority               Priority   `json:"priority,omitempty"`
	ArrivalTime            *time.Time `json:"arrival_time,omitempty"`
	Notes                  string     `json:"notes,omitempty"`
}

func (s *Service) AddEntry(ctx context.Context, actor Actor, in NewEntry) (*Entry, error) {
	if actor.ID == uuid.Nil {
		return nil, fmt.Errorf("%w: actor is not authenticated", apperr.ErrUnauthorized)
	}
	if in.PatientID == uuid.Nil {
		return nil, fmt.Errorf("%w: patient_id is required", apperr.ErrValidation)
	}
	serviceType := strings.TrimSpace(in.ServiceType)
	if serviceType == "" {
		return nil, fmt.Errorf("%w: service_type is required", apperr.ErrValidation)
	}
	priority := in.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	if priority.Rank() == 0 {
		return nil, fmt.Errorf("%w: invalid priority %q", apperr.ErrValidation, in.Priority)
	}
	if _, err := s.patients.GetPatient(ctx, in.PatientID); err != nil {
		return nil, err
	}

	now := s.now()
	e := &Entry{
		PatientID:              in.PatientID,
		CreatedByActorID:       actor.ID,
		ServiceType:            serviceType,
		Team:                   strings.TrimSpace(in.Team),
		AssignedProfessionalID: in.AssignedProfessionalID,
		Priority:               priority,
		ArrivalTime:            now,
		Status:                 StatusWaiting,
		Notes:                  in.Notes,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if in.ArrivalTime != nil && !in.ArrivalTime.IsZero() {
		e.ArrivalTime = in.ArrivalTime.UTC()
	}

	if err := s.repo.Create(ctx, e); err != nil {
		return nil, err
	}
	s.Notify(ctx, EventTypeCreated, e)
	return e, nil
}

func (s *Service) GetEntry(ctx context.Context, id uuid.UUID) (*Entry, error) {
	return s.repo.GetByID(ctx, id)
}

// EntryChanges lists editable fields. Nil leaves a field unchanged. Status
// is not editable; it moves only through events.
type EntryChanges struct {
	ServiceType            *string    `json:"service_type,omitempty"`
	Team                   *string    `json:"team,omitempty"`
	AssignedProfessionalID *uuid.UUID `json:"assigned_professional_id,omitempty"`
	ClearProfessional      bool       `json:"clear_professional,omitempty"`
	Priority               *Priority  `json:"priority,omitempty"`
	ArrivalTime            *time.Time `json:"arrival_time,omitempty"`
	Notes                  *string    `json:"notes,omitempty"`
}

func (c EntryChanges) apply(e *Entry) error {
	if c.ServiceType != nil {
		st := strings.TrimSpace(*c.ServiceType)
		if st == "" {
			return fmt.Errorf("%w: service_type cannot be empty", apperr.ErrValidation)
		}
		e.ServiceType = st
	}
	if c.Team != nil {
		e.Team = strings.TrimSpace(*c.Team)
	}
	if c.ClearProfessional {
		e.AssignedProfessionalID = nil
	} else if c.AssignedProfessionalID != nil {
		id := *c.AssignedProfessionalID
		e.AssignedProfessionalID = &id
	}
	if c.Priority != nil {
		if c.Priority.Rank() == 0 {
			return fmt.Errorf("%w: invalid priority %q", apperr.ErrValidation, *c.Priority)
		}
		e.Priority = *c.Priority
	}
	if c.ArrivalTime != nil {
		if c.ArrivalTime.IsZero() {
			return fmt.Errorf("%w: arrival_time cannot be empty", apperr.ErrValidation)
		}
		e.ArrivalTime = c.ArrivalTime.UTC()
	}
	if c.Notes != nil {
		e.Notes = *c.Notes
	}
	return nil
}

func (s *Service) EditEntry(ctx context.Context, actor Actor, id uuid.UUID, changes EntryChanges) (*Entry, error) {
	var out *Entry
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		e, err := s.repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := CanPerform(actor, e, ActionEdit).Err(); err != nil {
			return err
		}
		if err := changes.apply(e); err != nil {
			return err
		}
		e.UpdatedAt = s.now()
		if err := s.repo.Update(ctx, e); err != nil {
			return err
		}
		out = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.Notify(ctx, EventTypeUpdated, out)
	return out, nil
}

func (s *Service) DeleteEntry(ctx context.Context, actor Actor, id uuid.UUID) error {
	var deleted *Entry
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		e, err := s.repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := CanPerform(actor, e, ActionDelete).Err(); err != nil {
			return err
		}
		if err := s.repo.Delete(ctx, e.ID, e.VersionID); err != nil {
			return err
		}
		deleted = e
		return nil
	})
	if err != nil {
		return err
	}
	s.Notify(ctx, EventTypeDeleted, deleted)
	return nil
}

// ListQueue reads a snapshot and returns the filtered, ordered view. It takes
// no locks beyond what a plain read needs.
func (s *Service) ListQueue(ctx context.Context, actor Actor, f Filter, key SortKey) ([]Row, error) {
	entries, err := s.repo.List(ctx, ListParams{From: f.From, To: f.To})
	if err != nil {
		return nil, err
	}

	ids := make([]uuid.UUID, 0, len(entries))
	seen := make(map[uuid.UUID]bool, len(entries))
	for _, e := range entries {
		if !seen[e.PatientID] {
			seen[e.PatientID] = true
			ids = append(ids, e.PatientID)
		}
	}
	patients, err := s.patients.GetPatients(ctx, ids)
	if err != nil {
		return nil, err
	}

	rows := make([]Row, len(entries))
	for i, e := range entries {
		rows[i] = Row{Entry: *e, Patient: patients[e.PatientID]}
	}
	return View(rows, f, key, actor.ID), nil
}

func (s *Service) History(ctx context.Context, id uuid.UUID) ([]*StatusChange, error) {
	if _, err := s.repo.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListStatusChanges(ctx, id)
}

func (s *Service) CanPerform(ctx context.Context, actor Actor, id uuid.UUID, action Action) (Decision, error) {
	e, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return Decision{}, err
	}
	return CanPerform(actor, e, action), nil
}

func (s *Service) AllowedActions(ctx context.Context, actor Actor, id uuid.UUID) ([]Action, error) {
	e, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return AllowedActions(actor, e), nil
}

// Load reads the entry for a transition. Call it inside the unit of work
// that will Commit.
func (s *Service) Load(ctx context.Context, id uuid.UUID) (*Entry, error) {
	return s.repo.GetForUpdate(ctx, id)
}

// Check validates event against the state machine and then the gate
// without writing anything. It returns the entry as Commit would store it.
func (s *Service) Check(actor Actor, before *Entry, event Event, p Payload) (Entry, error) {
	if _, err := Next(before.Status, event); err != nil {
		return *before, err
	}
	if action, gated := ActionForEvent(event); gated {
		if err := CanPerform(actor, before, action).Err(); err != nil {
			return *before, err
		}
	} else if actor.ID == uuid.Nil {
		return *before, fmt.Errorf("%w: actor is not authenticated", apperr.ErrUnauthorized)
	}
	return Apply(*before, event, p, s.now())
}

// Commit checks and applies event to before, writes it with a version check
// and appends the status change. Call it inside the unit of work that
// loaded before.
func (s *Service) Commit(ctx context.Context, actor Actor, before *Entry, event Event, p Payload) (*Entry, error) {
	next, err := s.Check(actor, before, event, p)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, &next); err != nil {
		return nil, err
	}
	sc := &StatusChange{
		EntryID:   next.ID,
		From:      before.Status,
		To:        next.Status,
		Event:     event,
		ActorID:   actor.ID,
		ChangedAt: next.UpdatedAt,
	}
	if err := s.repo.AddStatusChange(ctx, sc); err != nil {
		return nil, fmt.Errorf("record status change: %w", err)
	}
	return &next, nil
}

// Notify publishes e on the queue topics. Failures are dropped; the write
// has already committed.
func (s *Service) Notify(ctx context.Context, eventType string, e *Entry) {
	if s.events == nil || e == nil {
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	ev := websocket.Event{
		Type:         eventType,
		Topic:        TopicAll,
		ResourceType: "QueueEntry",
		ResourceID:   e.ID.String(),
		Timestamp:    s.now(),
		Data:         data,
	}
	_ = s.events.Publish(ctx, ev)
	if e.Team != "" {
		ev.Topic = TeamTopic(e.Team)
		_ = s.events.Publish(ctx, ev)
	}
}
