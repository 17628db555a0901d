package queue

import (
	"fmt"
	"strings"
	"time"

	"github.com/ehr/clinicqueue/internal/platform/apperr"
)

// Event is a requested lifecycle change.
type Event string

const (
	EventStartListening  Event = "start_listening"
	EventSaveListening   Event = "save_listening"
	EventAttend          Event = "attend"
	EventMarkNotWaited   Event = "mark_not_waited"
	EventPatientReturned Event = "patient_returned"
	EventFinalize        Event = "finalize"
	EventCancel          Event = "cancel"
)

// Events lists every event.
var Events = []Event{
	EventStartListening, EventSaveListening, EventAttend, EventMarkNotWaited,
	EventPatientReturned, EventFinalize, EventCancel,
}

type edge struct {
	from  Status
	event Event
}

// transitions is the complete set of legal edges. Anything absent fails.
var transitions = map[edge]Status{
	{StatusWaiting, EventStartListening}:         StatusInitialListening,
	{StatusInitialListening, EventSaveListening}: StatusWaiting,
	{StatusWaiting, EventAttend}:                 StatusInProgress,
	{StatusWaiting, EventMarkNotWaited}:          StatusNoShow,
	{StatusNoShow, EventPatientReturned}:         StatusWaiting,
	{StatusInProgress, EventFinalize}:            StatusCompleted,
	{StatusWaiting, EventCancel}:                 StatusCancelled,
	{StatusInProgress, EventCancel}:              StatusCancelled,
	{StatusInitialListening, EventCancel}:        StatusCancelled,
}

// Next returns the status reached from `from` on `event`.
func Next(from Status, event Event) (Status, error) {
	to, ok := transitions[edge{from, event}]
	if !ok {
		return from, fmt.Errorf("%w: %s is not allowed from %s", apperr.ErrInvalidTransition, event, from)
	}
	return to, nil
}

// Payload carries event-specific input. Only save_listening reads it.
type Payload struct {
	CIAP               string  `json:"ciap,omitempty"`
	RiskClassification string  `json:"risk_classification,omitempty"`
	Notes              *string `json:"notes,omitempty"`
}

// Apply returns a copy of e after event. e is never modified; on error the
// returned entry equals e.
func Apply(e Entry, event Event, p Payload, now time.Time) (Entry, error) {
	to, err := Next(e.Status, event)
	if err != nil {
		return e, err
	}

	next := e
	switch event {
	case EventSaveListening:
		ciap := strings.TrimSpace(p.CIAP)
		if ciap == "" {
			return e, fmt.Errorf("%w: ciap is required to complete initial listening", apperr.ErrValidation)
		}
		if strings.TrimSpace(p.RiskClassification) == "" {
			return e, fmt.Errorf("%w: risk classification is required to complete initial listening", apperr.ErrValidation)
		}
		risk, err := ParseRisk(p.RiskClassification)
		if err != nil {
			return e, err
		}
		next.CIAP = strings.ToUpper(ciap)
		next.RiskClassification = risk
		next.InitialListeningCompleted = true
		if p.Notes != nil {
			next.Notes = *p.Notes
		}
	case EventPatientReturned:
		// Re-enters the queue as a fresh arrival, not at its old position.
		next.ArrivalTime = now
	}

	next.Status = to
	next.UpdatedAt = now
	return next, nil
}
