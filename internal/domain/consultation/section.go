package consultation

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/ehr/clinicqueue/internal/platform/apperr"
)

// Section is the structured payload of a SOAP record. The set of
// implementations is closed: Subjective, Objective, Assessment and Plan.
type Section interface {
	SOAPType() SOAPType
	section()
}

// Subjective carries no structured fields; the narrative lives in Content.
type Subjective struct{}

type Objective struct {
	Vitals       *Vitals       `json:"vitals,omitempty"`
	Measurements []Measurement `json:"measurements,omitempty"`
}

type Assessment struct {
	Problems  []Problem `json:"problems,omitempty"`
	Allergies []Allergy `json:"allergies,omitempty"`
}

type Plan struct {
	Medications []Medication `json:"medications,omitempty"`
	Procedures  []Procedure  `json:"procedures,omitempty"`
	Exams       []Exam       `json:"exams,omitempty"`
}

func (Subjective) SOAPType() SOAPType { return SOAPSubjective }
func (Objective) SOAPType() SOAPType  { return SOAPObjective }
func (Assessment) SOAPType() SOAPType { return SOAPAssessment }
func (Plan) SOAPType() SOAPType       { return SOAPPlan }

func (Subjective) section() {}
func (Objective) section()  {}
func (Assessment) section() {}
func (Plan) section()       {}

// EmptySection returns the zero payload for t.
func EmptySection(t SOAPType) (Section, error) {
	switch t {
	case SOAPSubjective:
		return Subjective{}, nil
	case SOAPObjective:
		return Objective{}, nil
	case SOAPAssessment:
		return Assessment{}, nil
	case SOAPPlan:
		return Plan{}, nil
	}
	return nil, fmt.Errorf("%w: %q", apperr.ErrUnknownSoapType, t)
}

// DecodeSection parses raw as the payload for t. Unknown fields are rejected
// so a payload sent to the wrong section is not silently dropped.
func DecodeSection(t SOAPType, raw json.RawMessage) (Section, error) {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return EmptySection(t)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var (
		s   Section
		err error
	)
	switch t {
	case SOAPSubjective:
		var v Subjective
		err = dec.Decode(&v)
		s = v
	case SOAPObjective:
		var v Objective
		err = dec.Decode(&v)
		s = v
	case SOAPAssessment:
		var v Assessment
		err = dec.Decode(&v)
		s = v
	case SOAPPlan:
		var v Plan
		err = dec.Decode(&v)
		s = v
	default:
		return nil, fmt.Errorf("%w: %q", apperr.ErrUnknownSoapType, t)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", apperr.ErrValidation, t, err)
	}
	return s, nil
}

// Merge folds upd into cur. Nil slices and nil vital signs in upd keep the
// current value; non-nil ones replace it. cur and upd must be the same
// section. Pointer variants are accepted and merged by value.
func Merge(cur, upd Section) (Section, error) {
	upd = byValue(upd)
	cur = byValue(cur)
	if upd == nil {
		return cur, nil
	}
	if cur == nil {
		return nil, fmt.Errorf("%w: no current %s section to merge into", apperr.ErrValidation, upd.SOAPType())
	}
	if cur.SOAPType() != upd.SOAPType() {
		return nil, fmt.Errorf("%w: %s payload sent to %s section", apperr.ErrValidation, upd.SOAPType(), cur.SOAPType())
	}

	switch c := cur.(type) {
	case Subjective:
		return c, nil
	case Objective:
		u, ok := upd.(Objective)
		if !ok {
			break
		}
		c.Vitals = mergeVitals(c.Vitals, u.Vitals)
		if u.Measurements != nil {
			c.Measurements = u.Measurements
		}
		return c, nil
	case Assessment:
		u, ok := upd.(Assessment)
		if !ok {
			break
		}
		if u.Problems != nil {
			c.Problems = u.Problems
		}
		if u.Allergies != nil {
			c.Allergies = u.Allergies
		}
		return c, nil
	case Plan:
		u, ok := upd.(Plan)
		if !ok {
			break
		}
		if u.Medications != nil {
			c.Medications = u.Medications
		}
		if u.Procedures != nil {
			c.Procedures = u.Procedures
		}
		if u.Exams != nil {
			c.Exams = u.Exams
		}
		return c, nil
	default:
		return nil, fmt.Errorf("%w: %T", apperr.ErrUnknownSoapType, cur)
	}
	return nil, fmt.Errorf("%w: %T payload sent to %s section", apperr.ErrValidation, upd, cur.SOAPType())
}

// byValue dereferences pointer variants. A nil pointer is no section.
func byValue(s Section) Section {
	switch v := s.(type) {
	case *Subjective:
		if v == nil {
			return nil
		}
		return *v
	case *Objective:
		if v == nil {
			return nil
		}
		return *v
	case *Assessment:
		if v == nil {
			return nil
		}
		return *v
	case *Plan:
		if v == nil {
			return nil
		}
		return *v
	}
	return s
}

func mergeVitals(cur, upd *Vitals) *Vitals {
	if upd == nil {
		return cur
	}
	if cur == nil {
		cp := *upd
		return &cp
	}
	out := *cur
	if upd.BloodPressureSystolic != nil {
		out.BloodPressureSystolic = upd.BloodPressureSystolic
	}
	if upd.BloodPressureDiastolic != nil {
		out.BloodPressureDiastolic = upd.BloodPressureDiastolic
	}
	if upd.HeartRateBPM != nil {
		out.HeartRateBPM = upd.HeartRateBPM
	}
	if upd.RespiratoryRate != nil {
		out.RespiratoryRate = upd.RespiratoryRate
	}
	if upd.TemperatureCelsius != nil {
		out.TemperatureCelsius = upd.TemperatureCelsius
	}
	if upd.OxygenSaturation != nil {
		out.OxygenSaturation = upd.OxygenSaturation
	}
	if upd.WeightKg != nil {
		out.WeightKg = upd.WeightKg
	}
	if upd.HeightCm != nil {
		out.HeightCm = upd.HeightCm
	}
	if upd.CapillaryGlucose != nil {
		out.CapillaryGlucose = upd.CapillaryGlucose
	}
	return &out
}
