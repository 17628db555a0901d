package consultation

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/clinicqueue/internal/platform/apperr"
)

type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	// StatusCancelled marks a consultation whose queue entry was cancelled
	// mid-attendance. It is not in progress.
	StatusCancelled Status = "cancelled"
)

// Consultation is one clinical encounter opened when a patient is attended.
type Consultation struct {
	ID               uuid.UUID  `json:"id"`
	PatientID        uuid.UUID  `json:"patient_id"`
	ProfessionalID   uuid.UUID  `json:"professional_id"`
	QueueEntryID     *uuid.UUID `json:"queue_entry_id,omitempty"`
	ConsultationType string     `json:"consultation_type"`
	Status           Status     `json:"status"`
	StartedAt        time.Time  `json:"started_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
	VersionID        int        `json:"version_id"`
}

// SOAPType names one of the four sections of a SOAP note.
type SOAPType string

const (
	SOAPSubjective SOAPType = "subjective"
	SOAPObjective  SOAPType = "objective"
	SOAPAssessment SOAPType = "assessment"
	SOAPPlan       SOAPType = "plan"
)

// SOAPTypes lists the canonical sections in note order.
var SOAPTypes = []SOAPType{SOAPSubjective, SOAPObjective, SOAPAssessment, SOAPPlan}

func ParseSOAPType(s string) (SOAPType, error) {
	switch t := SOAPType(strings.ToLower(strings.TrimSpace(s))); t {
	case SOAPSubjective, SOAPObjective, SOAPAssessment, SOAPPlan:
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", apperr.ErrUnknownSoapType, s)
}

// SOAPRecord holds one section of a consultation's note. There is exactly
// one record per (ConsultationID, Type).
type SOAPRecord struct {
	ID             uuid.UUID  `json:"id"`
	ConsultationID uuid.UUID  `json:"consultation_id"`
	Type           SOAPType   `json:"soap_type"`
	Content        string     `json:"content"`
	Payload        Section    `json:"payload"`
	ProfessionalID *uuid.UUID `json:"professional_id,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Vitals are the vital signs captured in the objective section. Nil fields
// were not measured.
type Vitals struct {
	BloodPressureSystolic  *int     `json:"bp_systolic,omitempty"`
	BloodPressureDiastolic *int     `json:"bp_diastolic,omitempty"`
	HeartRateBPM           *int     `json:"heart_rate_bpm,omitempty"`
	RespiratoryRate        *int     `json:"respiratory_rate_bpm,omitempty"`
	TemperatureCelsius     *float64 `json:"temperature_celsius,omitempty"`
	OxygenSaturation       *float64 `json:"oxygen_saturation,omitempty"`
	WeightKg               *float64 `json:"weight_kg,omitempty"`
	HeightCm               *float64 `json:"height_cm,omitempty"`
	CapillaryGlucose       *int     `json:"capillary_glucose_mg_dl,omitempty"`
}

type Measurement struct {
	Kind  string  `json:"kind"`
	Value float64 `json:"value"`
	Unit  string  `json:"unit,omitempty"`
}

type Problem struct {
	Code        string `json:"code"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status,omitempty"`
}

type Allergy struct {
	Substance string `json:"substance"`
	Reaction  string `json:"reaction,omitempty"`
	Severity  string `json:"severity,omitempty"`
}

type Medication struct {
	Name   string `json:"name"`
	Dosage string `json:"dosage,omitempty"`
	Route  string `json:"route,omitempty"`
	Notes  string `json:"notes,omitempty"`
}

type Procedure struct {
	Code        string `json:"code"`
	Description string `json:"description,omitempty"`
}

type Exam struct {
	Code        string `json:"code"`
	Description string `json:"description,omitempty"`
	Urgent      bool   `json:"urgent,omitempty"`
}
