package consultation

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/ehr/clinicqueue/internal/platform/apperr"
)

func intPtr(v int) *int { return &v }

func TestParseSOAPType(t *testing.T) {
	for _, in := range []string{"subjective", "Objective", " ASSESSMENT ", "plan"} {
		if _, err := ParseSOAPType(in); err != nil {
			t.Errorf("ParseSOAPType(%q): %v", in, err)
		}
	}
	if _, err := ParseSOAPType("history"); !errors.Is(err, apperr.ErrUnknownSoapType) {
		t.Errorf("expected ErrUnknownSoapType, got %v", err)
	}
}

func TestEmptySection(t *testing.T) {
	for _, st := range SOAPTypes {
		s, err := EmptySection(st)
		if err != nil {
			t.Fatalf("%s: %v", st, err)
		}
		if s.SOAPType() != st {
			t.Errorf("expected %s, got %s", st, s.SOAPType())
		}
	}
	if _, err := EmptySection("notes"); !errors.Is(err, apperr.ErrUnknownSoapType) {
		t.Errorf("expected ErrUnknownSoapType, got %v", err)
	}
}

func TestDecodeSection(t *testing.T) {
	s, err := DecodeSection(SOAPObjective, json.RawMessage(`{"vitals":{"heart_rate_bpm":88},"measurements":[{"kind":"abdominal_circumference","value":92,"unit":"cm"}]}`))
	if err != nil {
		t.Fatalf("DecodeSection: %v", err)
	}
	obj, ok := s.(Objective)
	if !ok {
		t.Fatalf("expected Objective, got %T", s)
	}
	if obj.Vitals == nil || *obj.Vitals.HeartRateBPM != 88 {
		t.Error("expected heart rate 88")
	}
	if len(obj.Measurements) != 1 {
		t.Errorf("expected one measurement, got %d", len(obj.Measurements))
	}

	if s, err := DecodeSection(SOAPPlan, nil); err != nil || s.SOAPType() != SOAPPlan {
		t.Errorf("empty payload: got %v, %v", s, err)
	}
	if _, err := DecodeSection(SOAPAssessment, json.RawMessage(`{"medications":[]}`)); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected ErrValidation for a plan field sent to assessment, got %v", err)
	}
}

func TestMerge_ObjectiveVitalsFieldwise(t *testing.T) {
	cur := Objective{Vitals: &Vitals{HeartRateBPM: intPtr(80), BloodPressureSystolic: intPtr(120)}}
	upd := Objective{Vitals: &Vitals{HeartRateBPM: intPtr(95)}}

	got, err := Merge(cur, upd)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	v := got.(Objective).Vitals
	if *v.HeartRateBPM != 95 {
		t.Errorf("expected heart rate 95, got %d", *v.HeartRateBPM)
	}
	if v.BloodPressureSystolic == nil || *v.BloodPressureSystolic != 120 {
		t.Error("expected systolic pressure to be kept")
	}
	if *cur.Vitals.HeartRateBPM != 80 {
		t.Error("current vitals were modified in place")
	}
}

func TestMerge_SlicesReplaceOnlyWhenSet(t *testing.T) {
	cur := Plan{
		Medications: []Medication{{Name: "dipirona"}},
		Exams:       []Exam{{Code: "hemograma"}},
	}
	upd := Plan{Medications: []Medication{{Name: "amoxicilina"}, {Name: "ibuprofeno"}}}

	got, err := Merge(cur, upd)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	p := got.(Plan)
	if len(p.Medications) != 2 || p.Medications[0].Name != "amoxicilina" {
		t.Errorf("expected medications to be replaced, got %+v", p.Medications)
	}
	if len(p.Exams) != 1 {
		t.Errorf("expected exams to be kept, got %+v", p.Exams)
	}

	cleared, _ := Merge(p, Plan{Exams: []Exam{}})
	if len(cleared.(Plan).Exams) != 0 {
		t.Error("expected an empty, non-nil slice to clear exams")
	}
}

func TestMerge_Assessment(t *testing.T) {
	got, err := Merge(Assessment{}, Assessment{Allergies: []Allergy{{Substance: "penicilina"}}})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if a := got.(Assessment); len(a.Allergies) != 1 || a.Problems != nil {
		t.Errorf("unexpected assessment: %+v", a)
	}
}

func TestMerge_MismatchedSections(t *testing.T) {
	_, err := Merge(Plan{}, Objective{})
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestMerge_NilUpdateKeepsCurrent(t *testing.T) {
	cur := Assessment{Problems: []Problem{{Code: "T90"}}}
	got, err := Merge(cur, nil)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if len(got.(Assessment).Problems) != 1 {
		t.Error("expected problems to be kept")
	}
}

func TestMerge_PointerVariants(t *testing.T) {
	tests := []struct {
		name  string
		cur   Section
		upd   Section
		check func(t *testing.T, got Section)
	}{
		{
			name: "objective update by pointer",
			cur:  Objective{Vitals: &Vitals{HeartRateBPM: intPtr(70)}},
			upd:  &Objective{Vitals: &Vitals{HeartRateBPM: intPtr(102)}},
			check: func(t *testing.T, got Section) {
				if v := got.(Objective).Vitals; v == nil || *v.HeartRateBPM != 102 {
					t.Errorf("expected heart rate 102, got %+v", v)
				}
			},
		},
		{
			name: "assessment current by pointer",
			cur:  &Assessment{Problems: []Problem{{Code: "K86"}}},
			upd:  Assessment{Allergies: []Allergy{{Substance: "dipirona"}}},
			check: func(t *testing.T, got Section) {
				a := got.(Assessment)
				if len(a.Problems) != 1 || len(a.Allergies) != 1 {
					t.Errorf("unexpected assessment: %+v", a)
				}
			},
		},
		{
			name: "plan both by pointer",
			cur:  &Plan{Exams: []Exam{{Code: "glicemia"}}},
			upd:  &Plan{Medications: []Medication{{Name: "metformina"}}},
			check: func(t *testing.T, got Section) {
				p := got.(Plan)
				if len(p.Exams) != 1 || len(p.Medications) != 1 {
					t.Errorf("unexpected plan: %+v", p)
				}
			},
		},
		{
			name: "nil pointer update keeps current",
			cur:  Objective{Measurements: []Measurement{{Kind: "altura", Value: 172, Unit: "cm"}}},
			upd:  (*Objective)(nil),
			check: func(t *testing.T, got Section) {
				if len(got.(Objective).Measurements) != 1 {
					t.Error("expected measurements to be kept")
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Merge(tt.cur, tt.upd)
			if err != nil {
				t.Fatalf("Merge: %v", err)
			}
			tt.check(t, got)
		})
	}
}

func TestMerge_PointerOfOtherSection(t *testing.T) {
	_, err := Merge(Objective{}, &Plan{})
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}
