package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/clinicqueue/internal/domain/consultation"
	"github.com/ehr/clinicqueue/internal/domain/queue"
	"github.com/ehr/clinicqueue/internal/platform/apperr"
	"github.com/ehr/clinicqueue/internal/platform/db"
	"github.com/ehr/clinicqueue/internal/platform/websocket"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []websocket.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev websocket.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ev := range p.events {
		if ev.Type == eventType && ev.Topic == queue.TopicAll {
			n++
		}
	}
	return n
}

type fixture struct {
	engine   *Engine
	queue    *queue.Service
	consults *consultation.Service
	patients *queue.MemoryPatients
	pub      *recordingPublisher
	patient  *queue.Patient
	front    queue.Actor
	doctor   queue.Actor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }

	tx := db.NewLocalTransactor()
	f := &fixture{
		patients: queue.NewMemoryPatients(),
		pub:      &recordingPublisher{},
		front:    queue.Actor{ID: uuid.New(), Roles: []string{"receptionist"}},
		doctor:   queue.Actor{ID: uuid.New(), Roles: []string{"physician"}},
	}
	f.patient = f.patients.Add(queue.Patient{Name: "João Pereira"})
	f.queue = queue.NewService(queue.NewMemoryRepo(), f.patients, tx)
	f.queue.SetPublisher(f.pub)
	f.queue.SetClock(now)
	f.consults = consultation.NewService(consultation.NewMemoryRepo(), tx)
	f.consults.SetClock(now)
	f.engine = NewEngine(f.queue, f.consults, zerolog.Nop())
	return f
}

func (f *fixture) add(t *testing.T, patientID uuid.UUID) *queue.Entry {
	t.Helper()
	e, err := f.queue.AddEntry(context.Background(), f.front, queue.NewEntry{
		PatientID:   patientID,
		ServiceType: "consulta",
		Team:        "azul",
	})
	if err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	return e
}

func (f *fixture) attend(t *testing.T, id uuid.UUID) *Outcome {
	t.Helper()
	out, err := f.engine.Transition(context.Background(), f.doctor, id, queue.EventAttend, queue.Payload{})
	if err != nil {
		t.Fatalf("attend: %v", err)
	}
	return out
}

func (f *fixture) status(t *testing.T, id uuid.UUID) queue.Status {
	t.Helper()
	e, err := f.queue.GetEntry(context.Background(), id)
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	return e.Status
}

func TestTransition_AttendOpensConsultation(t *testing.T) {
	f := newFixture(t)
	e := f.add(t, f.patient.ID)

	out := f.attend(t, e.ID)

	if out.Entry.Status != queue.StatusInProgress {
		t.Errorf("expected in_progress, got %s", out.Entry.Status)
	}
	if out.Consultation == nil {
		t.Fatal("expected a consultation to be opened")
	}
	if out.Consultation.QueueEntryID == nil || *out.Consultation.QueueEntryID != e.ID {
		t.Errorf("consultation not linked to entry: %+v", out.Consultation.QueueEntryID)
	}
	if out.Consultation.ProfessionalID != f.doctor.ID {
		t.Errorf("expected professional %s, got %s", f.doctor.ID, out.Consultation.ProfessionalID)
	}
	if f.pub.count(queue.EventTypeTransitioned) != 1 {
		t.Errorf("expected one transitioned event, got %d", f.pub.count(queue.EventTypeTransitioned))
	}

	history, err := f.queue.History(context.Background(), e.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 || history[0].From != queue.StatusWaiting || history[0].To != queue.StatusInProgress {
		t.Errorf("unexpected history: %+v", history)
	}
}

func TestTransition_AttendUsesAssignedProfessional(t *testing.T) {
	f := newFixture(t)
	assigned := uuid.New()
	e, err := f.queue.AddEntry(context.Background(), f.front, queue.NewEntry{
		PatientID:              f.patient.ID,
		ServiceType:            "consulta",
		AssignedProfessionalID: &assigned,
	})
	if err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	out := f.attend(t, e.ID)
	if out.Consultation.ProfessionalID != assigned {
		t.Errorf("expected assigned professional, got %s", out.Consultation.ProfessionalID)
	}
}

func TestTransition_ConcurrentAttend(t *testing.T) {
	f := newFixture(t)
	e := f.add(t, f.patient.ID)

	const callers = 2
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		ok   int
		errs []error
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.engine.Transition(context.Background(), f.doctor, e.ID, queue.EventAttend, queue.Payload{})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
			} else {
				errs = append(errs, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if ok != 1 {
		t.Fatalf("expected exactly one successful attend, got %d", ok)
	}
	if len(errs) != 1 || !errors.Is(errs[0], apperr.ErrInvalidTransition) {
		t.Fatalf("expected the loser to get InvalidTransition, got %v", errs)
	}
	list, _ := f.consults.ListByPatient(context.Background(), f.patient.ID)
	if len(list) != 1 {
		t.Errorf("expected exactly one consultation, got %d", len(list))
	}
}

func TestTransition_AttendConflictLeavesEntryWaiting(t *testing.T) {
	f := newFixture(t)
	first := f.add(t, f.patient.ID)
	second := f.add(t, f.patient.ID)

	f.attend(t, first.ID)

	_, err := f.engine.Transition(context.Background(), f.doctor, second.ID, queue.EventAttend, queue.Payload{})
	if !errors.Is(err, apperr.ErrConsultationConflict) {
		t.Fatalf("expected ConsultationConflict, got %v", err)
	}
	if got := f.status(t, second.ID); got != queue.StatusWaiting {
		t.Errorf("expected second entry still waiting, got %s", got)
	}
	history, _ := f.queue.History(context.Background(), second.ID)
	if len(history) != 0 {
		t.Errorf("expected no history for rejected attend, got %d", len(history))
	}
}

func TestTransition_AttendFromNoShow(t *testing.T) {
	f := newFixture(t)
	e := f.add(t, f.patient.ID)
	if _, err := f.engine.Transition(context.Background(), f.front, e.ID, queue.EventMarkNotWaited, queue.Payload{}); err != nil {
		t.Fatalf("mark_not_waited: %v", err)
	}

	_, err := f.engine.Transition(context.Background(), f.doctor, e.ID, queue.EventAttend, queue.Payload{})
	if !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Fatalf("expected InvalidTransition, got %v", err)
	}
	list, _ := f.consults.ListByPatient(context.Background(), f.patient.ID)
	if len(list) != 0 {
		t.Errorf("rejected attend must not open a consultation, got %d", len(list))
	}
}

func TestTransition_SaveListeningWithoutCIAP(t *testing.T) {
	f := newFixture(t)
	e := f.add(t, f.patient.ID)
	ctx := context.Background()

	if _, err := f.engine.Transition(ctx, f.front, e.ID, queue.EventStartListening, queue.Payload{}); err != nil {
		t.Fatalf("start_listening: %v", err)
	}
	_, err := f.engine.Transition(ctx, f.front, e.ID, queue.EventSaveListening, queue.Payload{RiskClassification: "Alta"})
	if err == nil {
		t.Fatal("expected save_listening without ciap to fail")
	}
	if got := f.status(t, e.ID); got != queue.StatusInitialListening {
		t.Errorf("expected initial_listening, got %s", got)
	}

	out, err := f.engine.Transition(ctx, f.front, e.ID, queue.EventSaveListening, queue.Payload{CIAP: "a03", RiskClassification: "Alta"})
	if err != nil {
		t.Fatalf("save_listening: %v", err)
	}
	if out.Entry.Status != queue.StatusWaiting || out.Entry.RiskClassification != queue.RiskHigh {
		t.Errorf("unexpected entry after listening: %+v", out.Entry)
	}
}

func TestTransition_IllegalEventsChangeNothing(t *testing.T) {
	f := newFixture(t)
	e := f.add(t, f.patient.ID)

	for _, ev := range []queue.Event{queue.EventSaveListening, queue.EventPatientReturned, queue.EventFinalize, queue.Event("teleport")} {
		t.Run(string(ev), func(t *testing.T) {
			_, err := f.engine.Transition(context.Background(), f.front, e.ID, ev, queue.Payload{CIAP: "A03", RiskClassification: "Alta"})
			if !errors.Is(err, apperr.ErrInvalidTransition) {
				t.Fatalf("expected InvalidTransition, got %v", err)
			}
			if got := f.status(t, e.ID); got != queue.StatusWaiting {
				t.Errorf("expected waiting, got %s", got)
			}
		})
	}
}

func TestTransition_UnknownEntry(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Transition(context.Background(), f.doctor, uuid.New(), queue.EventAttend, queue.Payload{})
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestFinalizeConsultation_CompletesEntry(t *testing.T) {
	f := newFixture(t)
	e := f.add(t, f.patient.ID)
	opened := f.attend(t, e.ID)

	out, err := f.engine.FinalizeConsultation(context.Background(), f.doctor, opened.Consultation.ID)
	if err != nil {
		t.Fatalf("FinalizeConsultation: %v", err)
	}
	if out.Consultation.Status != consultation.StatusCompleted || out.Consultation.FinishedAt == nil {
		t.Errorf("expected completed consultation with finishedAt, got %+v", out.Consultation)
	}
	if out.Entry == nil || out.Entry.Status != queue.StatusCompleted {
		t.Fatalf("expected completed entry, got %+v", out.Entry)
	}
	if f.pub.count(queue.EventTypeTransitioned) != 2 {
		t.Errorf("expected two transitioned events, got %d", f.pub.count(queue.EventTypeTransitioned))
	}

	// A finished consultation frees the patient for a new one.
	next := f.add(t, f.patient.ID)
	f.attend(t, next.ID)
}

func TestFinalizeConsultation_Twice(t *testing.T) {
	f := newFixture(t)
	e := f.add(t, f.patient.ID)
	opened := f.attend(t, e.ID)
	ctx := context.Background()

	if _, err := f.engine.FinalizeConsultation(ctx, f.doctor, opened.Consultation.ID); err != nil {
		t.Fatalf("first finalize: %v", err)
	}
	before, _ := f.queue.GetEntry(ctx, e.ID)

	_, err := f.engine.FinalizeConsultation(ctx, f.doctor, opened.Consultation.ID)
	if !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Fatalf("expected InvalidTransition, got %v", err)
	}
	after, _ := f.queue.GetEntry(ctx, e.ID)
	if after.Status != queue.StatusCompleted || after.VersionID != before.VersionID {
		t.Errorf("entry changed by rejected finalize: before %+v after %+v", before, after)
	}
}

func TestFinalizeConsultation_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.engine.FinalizeConsultation(ctx, f.doctor, uuid.New()); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected NotFound for unknown consultation, got %v", err)
	}

	e := f.add(t, f.patient.ID)
	opened := f.attend(t, e.ID)
	if _, err := f.engine.FinalizeConsultation(ctx, queue.Actor{}, opened.Consultation.ID); !errors.Is(err, apperr.ErrUnauthorized) {
		t.Errorf("expected Unauthorized without an actor, got %v", err)
	}
	if got := f.status(t, e.ID); got != queue.StatusInProgress {
		t.Errorf("expected entry still in progress, got %s", got)
	}
}

func TestFinalizeConsultation_WithoutQueueEntry(t *testing.T) {
	f := newFixture(t)
	c, err := f.consults.Start(context.Background(), consultation.StartParams{
		PatientID:      f.patient.ID,
		ProfessionalID: f.doctor.ID,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	out, err := f.engine.FinalizeConsultation(context.Background(), f.doctor, c.ID)
	if err != nil {
		t.Fatalf("FinalizeConsultation: %v", err)
	}
	if out.Entry != nil {
		t.Errorf("expected no entry, got %+v", out.Entry)
	}
	if out.Consultation.Status != consultation.StatusCompleted {
		t.Errorf("expected completed, got %s", out.Consultation.Status)
	}
}

func TestTransition_FinalizeEvent(t *testing.T) {
	f := newFixture(t)
	e := f.add(t, f.patient.ID)
	opened := f.attend(t, e.ID)

	out, err := f.engine.Transition(context.Background(), f.doctor, e.ID, queue.EventFinalize, queue.Payload{})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if out.Entry.Status != queue.StatusCompleted {
		t.Errorf("expected completed, got %s", out.Entry.Status)
	}
	c, _ := f.consults.Get(context.Background(), opened.Consultation.ID)
	if c.Status != consultation.StatusCompleted {
		t.Errorf("expected consultation completed, got %s", c.Status)
	}
}

func TestTransition_CancelInProgressCancelsConsultation(t *testing.T) {
	f := newFixture(t)
	e := f.add(t, f.patient.ID)
	opened := f.attend(t, e.ID)

	out, err := f.engine.Transition(context.Background(), f.doctor, e.ID, queue.EventCancel, queue.Payload{})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if out.Entry.Status != queue.StatusCancelled {
		t.Errorf("expected cancelled entry, got %s", out.Entry.Status)
	}
	if out.Consultation == nil || out.Consultation.ID != opened.Consultation.ID {
		t.Fatalf("expected the consultation to be returned, got %+v", out.Consultation)
	}
	if out.Consultation.Status != consultation.StatusCancelled {
		t.Errorf("expected cancelled consultation, got %s", out.Consultation.Status)
	}

	next := f.add(t, f.patient.ID)
	f.attend(t, next.ID)
}

func TestTransition_CancelWaiting(t *testing.T) {
	f := newFixture(t)
	e := f.add(t, f.patient.ID)

	out, err := f.engine.Transition(context.Background(), f.front, e.ID, queue.EventCancel, queue.Payload{})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if out.Consultation != nil {
		t.Errorf("expected no consultation, got %+v", out.Consultation)
	}
	_, err = f.engine.Transition(context.Background(), f.front, e.ID, queue.EventCancel, queue.Payload{})
	if !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Errorf("expected cancelled to be terminal, got %v", err)
	}
}

func TestPatientRecord(t *testing.T) {
	f := newFixture(t)
	e := f.add(t, f.patient.ID)
	opened := f.attend(t, e.ID)
	ctx := context.Background()
	if _, err := f.consults.EnsureSoapRecords(ctx, opened.Consultation.ID); err != nil {
		t.Fatalf("EnsureSoapRecords: %v", err)
	}

	rec, err := f.engine.PatientRecord(ctx, f.patient.ID)
	if err != nil {
		t.Fatalf("PatientRecord: %v", err)
	}
	if len(rec.Consultations) != 1 {
		t.Fatalf("expected 1 consultation, got %d", len(rec.Consultations))
	}
	if len(rec.Consultations[0].SOAP) != 4 {
		t.Errorf("expected 4 SOAP records, got %d", len(rec.Consultations[0].SOAP))
	}
}
