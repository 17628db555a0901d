package queue

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/ehr/clinicqueue/internal/platform/apperr"
)

// Action is something an actor can ask to do with a queue entry.
type Action string

const (
	ActionInitialListening   Action = "initial_listening"
	ActionAttend             Action = "attend"
	ActionMarkNotWaited      Action = "mark_not_waited"
	ActionMarkReturned       Action = "mark_returned"
	ActionGenerateStatement  Action = "generate_statement"
	ActionViewRecord         Action = "view_record"
	ActionViewDayAttendances Action = "view_day_attendances"
	ActionEdit               Action = "edit"
	ActionDelete             Action = "delete"
)

// Actions lists every action.
var Actions = []Action{
	ActionInitialListening, ActionAttend, ActionMarkNotWaited, ActionMarkReturned,
	ActionGenerateStatement, ActionViewRecord, ActionViewDayAttendances,
	ActionEdit, ActionDelete,
}

// actionsByStatus is the one table deciding which actions each status
// offers. Menus and the transition engine both read it.
var actionsByStatus = map[Status][]Action{
	StatusWaiting: {
		ActionInitialListening, ActionAttend, ActionMarkNotWaited,
		ActionGenerateStatement, ActionViewRecord, ActionEdit, ActionDelete,
	},
	StatusInitialListening: {ActionInitialListening, ActionGenerateStatement, ActionViewRecord},
	StatusInProgress:       {ActionGenerateStatement, ActionViewRecord},
	StatusCompleted:        {ActionGenerateStatement, ActionViewRecord, ActionViewDayAttendances},
	StatusNoShow:           {ActionMarkReturned, ActionGenerateStatement, ActionViewRecord},
	StatusCancelled:        {ActionViewRecord},
}

// eventActions maps events to the action that must be applicable for them.
// finalize and cancel are governed by the state machine alone.
var eventActions = map[Event]Action{
	EventStartListening:  ActionInitialListening,
	EventSaveListening:   ActionInitialListening,
	EventAttend:          ActionAttend,
	EventMarkNotWaited:   ActionMarkNotWaited,
	EventPatientReturned: ActionMarkReturned,
}

// ActionForEvent returns the gated action behind event, if any.
func ActionForEvent(event Event) (Action, bool) {
	a, ok := eventActions[event]
	return a, ok
}

// Actor is the authenticated staff member performing a request.
type Actor struct {
	ID    uuid.UUID
	Roles []string
}

// Decision is the gate's answer. Reason is nil when Allowed.
type Decision struct {
	Allowed bool
	Reason  error
}

func allow() Decision { return Decision{Allowed: true} }

func deny(err error) Decision { return Decision{Reason: err} }

// Err returns nil for an allowed decision and the reason otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return d.Reason
}

func applicable(status Status, action Action) bool {
	for _, a := range actionsByStatus[status] {
		if a == action {
			return true
		}
	}
	return false
}

// CanPerform decides whether actor may perform action on e. Applicability
// to the status is checked before the actor's rights.
func CanPerform(actor Actor, e *Entry, action Action) Decision {
	if e == nil {
		return deny(fmt.Errorf("%w: queue entry", apperr.ErrNotFound))
	}
	if !applicable(e.Status, action) {
		return deny(fmt.Errorf("%w: %s while %s", apperr.ErrActionNotApplicable, action, e.Status))
	}
	if actor.ID == uuid.Nil {
		return deny(fmt.Errorf("%w: actor is not authenticated", apperr.ErrUnauthorized))
	}
	if action == ActionDelete && actor.ID != e.CreatedByActorID {
		return deny(fmt.Errorf("%w: only the creator of entry %s may delete it", apperr.ErrUnauthorized, e.ID))
	}
	return allow()
}

// AllowedActions evaluates every action for actor on e.
func AllowedActions(actor Actor, e *Entry) []Action {
	var out []Action
	for _, a := range Actions {
		if CanPerform(actor, e, a).Allowed {
			out = append(out, a)
		}
	}
	return out
}
