package queue

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/clinicqueue/internal/platform/apperr"
)

// Status is the lifecycle state of a queue entry.
type Status string

const (
	StatusWaiting          Status = "waiting"
	StatusInitialListening Status = "initial_listening"
	StatusInProgress       Status = "in_progress"
	StatusCompleted        Status = "completed"
	StatusNoShow           Status = "no_show"
	StatusCancelled        Status = "cancelled"
)

// Statuses lists every status.
var Statuses = []Status{
	StatusWaiting, StatusInitialListening, StatusInProgress,
	StatusCompleted, StatusNoShow, StatusCancelled,
}

func (s Status) Valid() bool {
	for _, v := range Statuses {
		if v == s {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Priority orders entries by urgency: urgent > high > normal > low.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Rank returns a larger number for a more urgent priority, 0 if unknown.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 4
	case PriorityHigh:
		return 3
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

// Risk is the classification assigned during initial listening.
type Risk string

const (
	RiskUnset  Risk = ""
	RiskHigh   Risk = "alta"
	RiskMedium Risk = "media"
	RiskLow    Risk = "baixa"
)

// ParseRisk accepts the labels used at the front desk ("Alta", "Média",
// "Baixa") in any case, with or without the accent.
func ParseRisk(s string) (Risk, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "alta":
		return RiskHigh, nil
	case "media", "média":
		return RiskMedium, nil
	case "baixa":
		return RiskLow, nil
	case "":
		return RiskUnset, nil
	}
	return RiskUnset, fmt.Errorf("%w: unknown risk classification %q", apperr.ErrValidation, s)
}

// Ordinal maps the classification onto {alta:3, media:2, baixa:1, unset:0}.
func (r Risk) Ordinal() int {
	switch r {
	case RiskHigh:
		return 3
	case RiskMedium:
		return 2
	case RiskLow:
		return 1
	}
	return 0
}

// Entry is one scheduled or walk-in attendance in the day's queue.
type Entry struct {
	ID                        uuid.UUID  `json:"id"`
	Seq                       int64      `json:"seq"`
	PatientID                 uuid.UUID  `json:"patient_id"`
	CreatedByActorID          uuid.UUID  `json:"created_by_actor_id"`
	ServiceType               string     `json:"service_type"`
	Team                      string     `json:"team,omitempty"`
	AssignedProfessionalID    *uuid.UUID `json:"assigned_professional_id,omitempty"`
	Priority                  Priority   `json:"priority"`
	RiskClassification        Risk       `json:"risk_classification,omitempty"`
	CIAP                      string     `json:"ciap,omitempty"`
	ArrivalTime               time.Time  `json:"arrival_time"`
	Status                    Status     `json:"status"`
	InitialListeningCompleted bool       `json:"initial_listening_completed"`
	Notes                     string     `json:"notes,omitempty"`
	VersionID                 int        `json:"version_id"`
	CreatedAt                 time.Time  `json:"created_at"`
	UpdatedAt                 time.Time  `json:"updated_at"`
}

// StatusChange is one committed transition, kept for audit.
type StatusChange struct {
	ID        uuid.UUID `json:"id"`
	EntryID   uuid.UUID `json:"entry_id"`
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	Event     Event     `json:"event"`
	ActorID   uuid.UUID `json:"actor_id"`
	ChangedAt time.Time `json:"changed_at"`
}

// Patient is the demographic view of a patient the queue needs for
// display and search. Patients are owned by an external registry.
type Patient struct {
	ID         uuid.UUID  `json:"id"`
	Name       string     `json:"name"`
	SocialName string     `json:"social_name,omitempty"`
	CPF        string     `json:"cpf,omitempty"`
	CNS        string     `json:"cns,omitempty"`
	BirthDate  *time.Time `json:"birth_date,omitempty"`
	Sex        string     `json:"sex,omitempty"`
}

// DisplayName prefers the social name when one is registered.
func (p *Patient) DisplayName() string {
	if p == nil {
		return ""
	}
	if p.SocialName != "" {
		return p.SocialName
	}
	return p.Name
}

// Row pairs an entry with its patient for rendering the queue.
type Row struct {
	Entry   Entry    `json:"entry"`
	Patient *Patient `json:"patient,omitempty"`
}
