package workflow

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/clinicqueue/internal/domain/queue"
	"github.com/ehr/clinicqueue/internal/platform/apperr"
	"github.com/ehr/clinicqueue/internal/platform/auth"
)

type server struct {
	*fixture
	e *echo.Echo
}

func newServer(t *testing.T) *server {
	t.Helper()
	f := newFixture(t)
	e := echo.New()
	e.Use(auth.DevAuthMiddleware())
	NewHandler(f.engine).RegisterRoutes(e.Group("/api/v1"))
	return &server{fixture: f, e: e}
}

func (s *server) do(t *testing.T, method, path string, actor queue.Actor, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	req.Header.Set("X-User-ID", actor.ID.String())
	req.Header.Set("X-User-Roles", strings.Join(actor.Roles, ","))
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func errorKind(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body apperr.Body
	decode(t, rec, &body)
	return body.Kind
}

func (s *server) create(t *testing.T) queue.Entry {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/v1/queue", s.front,
		`{"patient_id":"`+s.patient.ID.String()+`","service_type":"consulta","team":"azul"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var e queue.Entry
	decode(t, rec, &e)
	return e
}

func TestHandler_AddAndGet(t *testing.T) {
	s := newServer(t)
	created := s.create(t)

	if created.Status != queue.StatusWaiting || created.CreatedByActorID != s.front.ID {
		t.Errorf("unexpected entry: %+v", created)
	}

	rec := s.do(t, http.MethodGet, "/api/v1/queue/"+created.ID.String(), s.front, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = s.do(t, http.MethodGet, "/api/v1/queue/"+uuid.NewString(), s.front, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown entry, got %d", rec.Code)
	}
	rec = s.do(t, http.MethodGet, "/api/v1/queue/not-a-uuid", s.front, "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed id, got %d", rec.Code)
	}
}

func TestHandler_AddValidation(t *testing.T) {
	s := newServer(t)
	rec := s.do(t, http.MethodPost, "/api/v1/queue", s.front, `{"patient_id":"`+s.patient.ID.String()+`"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if kind := errorKind(t, rec); kind != "validation" {
		t.Errorf("expected validation kind, got %q", kind)
	}
}

func TestHandler_Delete(t *testing.T) {
	s := newServer(t)
	created := s.create(t)
	path := "/api/v1/queue/" + created.ID.String()

	other := queue.Actor{ID: uuid.New(), Roles: []string{auth.RoleReceptionist}}
	rec := s.do(t, http.MethodDelete, path, other, "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-creator, got %d", rec.Code)
	}
	if kind := errorKind(t, rec); kind != "unauthorized" {
		t.Errorf("expected unauthorized kind, got %q", kind)
	}

	rec = s.do(t, http.MethodDelete, path, s.front, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for creator, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = s.do(t, http.MethodGet, path, s.front, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected entry removed, got %d", rec.Code)
	}
}

func TestHandler_Edit(t *testing.T) {
	s := newServer(t)
	created := s.create(t)

	rec := s.do(t, http.MethodPatch, "/api/v1/queue/"+created.ID.String(), s.front, `{"priority":"urgent","notes":"dor torácica"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var e queue.Entry
	decode(t, rec, &e)
	if e.Priority != queue.PriorityUrgent || e.Notes != "dor torácica" {
		t.Errorf("edit not applied: %+v", e)
	}
}

func TestHandler_AllowedActions(t *testing.T) {
	s := newServer(t)
	created := s.create(t)

	rec := s.do(t, http.MethodGet, "/api/v1/queue/"+created.ID.String()+"/actions", s.front, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Actions []queue.Action `json:"actions"`
	}
	decode(t, rec, &body)
	if len(body.Actions) != 7 {
		t.Errorf("expected the 7 waiting actions for the creator, got %v", body.Actions)
	}
}

func TestHandler_TransitionLifecycle(t *testing.T) {
	s := newServer(t)
	created := s.create(t)
	events := "/api/v1/queue/" + created.ID.String() + "/events"

	rec := s.do(t, http.MethodPost, events, s.doctor, `{"event":"attend"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("attend: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Entry        queue.Entry `json:"entry"`
		Consultation struct {
			ID uuid.UUID `json:"id"`
		} `json:"consultation"`
	}
	decode(t, rec, &out)
	if out.Entry.Status != queue.StatusInProgress || out.Consultation.ID == uuid.Nil {
		t.Fatalf("unexpected attend outcome: %s", rec.Body.String())
	}

	rec = s.do(t, http.MethodPost, events, s.doctor, `{"event":"attend"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second attend: expected 409, got %d", rec.Code)
	}
	if kind := errorKind(t, rec); kind != "invalid_transition" {
		t.Errorf("expected invalid_transition, got %q", kind)
	}

	consultation := "/api/v1/consultations/" + out.Consultation.ID.String()
	rec = s.do(t, http.MethodPost, consultation+"/soap", s.doctor, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("ensure soap: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var records []map[string]interface{}
	decode(t, rec, &records)
	if len(records) != 4 {
		t.Fatalf("expected 4 records, got %d", len(records))
	}

	rec = s.do(t, http.MethodPatch, consultation+"/soap/objective", s.doctor,
		`{"content":"PA aferida","payload":{"vitals":{"bp_systolic":120,"bp_diastolic":80}}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("update soap: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var updated struct {
		Content string `json:"content"`
		Payload struct {
			Vitals struct {
				Systolic int `json:"bp_systolic"`
			} `json:"vitals"`
		} `json:"payload"`
	}
	decode(t, rec, &updated)
	if updated.Content != "PA aferida" || updated.Payload.Vitals.Systolic != 120 {
		t.Errorf("unexpected record: %s", rec.Body.String())
	}

	rec = s.do(t, http.MethodPatch, consultation+"/soap/diagnosis", s.doctor, `{"content":"x"}`)
	if rec.Code != http.StatusBadRequest || errorKind(t, rec) != "unknown_soap_type" {
		t.Errorf("expected unknown_soap_type 400, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = s.do(t, http.MethodPatch, consultation+"/soap/plan", s.doctor, `{"payload":{"vitals":{}}}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a payload of the wrong section, got %d", rec.Code)
	}

	rec = s.do(t, http.MethodPost, consultation+"/finalize", s.doctor, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("finalize: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	decode(t, rec, &out)
	if out.Entry.Status != queue.StatusCompleted {
		t.Errorf("expected completed entry, got %s", out.Entry.Status)
	}

	rec = s.do(t, http.MethodPost, consultation+"/finalize", s.doctor, "")
	if rec.Code != http.StatusConflict {
		t.Errorf("second finalize: expected 409, got %d", rec.Code)
	}

	rec = s.do(t, http.MethodGet, "/api/v1/queue/"+created.ID.String()+"/history", s.front, "")
	var history []queue.StatusChange
	decode(t, rec, &history)
	if len(history) != 2 {
		t.Errorf("expected 2 status changes, got %d", len(history))
	}
}

func TestHandler_ClinicalRoutesRequireClinicalRole(t *testing.T) {
	s := newServer(t)
	rec := s.do(t, http.MethodPost, "/api/v1/consultations/"+uuid.NewString()+"/soap", s.front, "")
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for receptionist, got %d", rec.Code)
	}
	nurse := queue.Actor{ID: uuid.New(), Roles: []string{auth.RoleNurse}}
	rec = s.do(t, http.MethodPost, "/api/v1/consultations/"+uuid.NewString()+"/soap", nurse, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for nurse on unknown consultation, got %d", rec.Code)
	}
}

func TestHandler_TransitionRequiresEvent(t *testing.T) {
	s := newServer(t)
	created := s.create(t)
	rec := s.do(t, http.MethodPost, "/api/v1/queue/"+created.ID.String()+"/events", s.doctor, `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandler_ListSearchBypassesStatus(t *testing.T) {
	s := newServer(t)
	created := s.create(t)
	s.create(t)
	rec := s.do(t, http.MethodPost, "/api/v1/queue/"+created.ID.String()+"/events", s.front, `{"event":"cancel"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: %d %s", rec.Code, rec.Body.String())
	}

	var page struct {
		Data  []queue.Row `json:"data"`
		Total int         `json:"total"`
	}

	rec = s.do(t, http.MethodGet, "/api/v1/queue", s.front, "")
	decode(t, rec, &page)
	if page.Total != 1 {
		t.Errorf("expected only the waiting entry by default, got %d", page.Total)
	}

	rec = s.do(t, http.MethodGet, "/api/v1/queue?q=pereira", s.front, "")
	decode(t, rec, &page)
	if page.Total != 2 {
		t.Errorf("expected search to include the cancelled entry, got %d", page.Total)
	}

	rec = s.do(t, http.MethodGet, "/api/v1/queue?status=cancelled&limit=1", s.front, "")
	decode(t, rec, &page)
	if page.Total != 1 || len(page.Data) != 1 || page.Data[0].Entry.ID != created.ID {
		t.Errorf("expected the cancelled entry, got %+v", page)
	}
}

func TestHandler_ListQueryErrors(t *testing.T) {
	s := newServer(t)
	for _, q := range []string{
		"?status=lost",
		"?sort=height",
		"?professional=nope",
		"?from=yesterday",
		"?from=2026-03-02&to=2026-03-01",
	} {
		t.Run(q, func(t *testing.T) {
			rec := s.do(t, http.MethodGet, "/api/v1/queue"+q, s.front, "")
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", rec.Code)
			}
		})
	}
}

func TestParseTime(t *testing.T) {
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		in       string
		endOfDay bool
		want     time.Time
	}{
		{"", false, time.Time{}},
		{"2026-03-02", false, day},
		{"2026-03-02", true, day.Add(24*time.Hour - time.Nanosecond)},
		{"2026-03-02T10:30:00-03:00", true, time.Date(2026, 3, 2, 13, 30, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got, err := parseTime(tt.in, tt.endOfDay)
		if err != nil {
			t.Fatalf("parseTime(%q): %v", tt.in, err)
		}
		if !got.Equal(tt.want) {
			t.Errorf("parseTime(%q, %v) = %v, want %v", tt.in, tt.endOfDay, got, tt.want)
		}
	}
}

func TestMulti(t *testing.T) {
	got := multi([]string{"waiting,in_progress", " no_show ", ""})
	want := []string{"waiting", "in_progress", "no_show"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("multi = %v, want %v", got, want)
	}
}

func TestHandler_UpdateSoapBinding(t *testing.T) {
	s := newServer(t)
	created := s.create(t)
	rec := s.do(t, http.MethodPost, "/api/v1/queue/"+created.ID.String()+"/events", s.doctor, `{"event":"attend"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("attend: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Consultation struct {
			ID uuid.UUID `json:"id"`
		} `json:"consultation"`
	}
	decode(t, rec, &out)
	consultation := "/api/v1/consultations/" + out.Consultation.ID.String()
	if rec := s.do(t, http.MethodPost, consultation+"/soap", s.doctor, ""); rec.Code != http.StatusOK {
		t.Fatalf("ensure soap: expected 200, got %d", rec.Code)
	}

	rec = s.do(t, http.MethodPatch, consultation+"/soap/plan", s.doctor, `{"content":`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body: expected 400, got %d", rec.Code)
	}

	rec = s.do(t, http.MethodPatch, consultation+"/soap/plan", s.doctor,
		`{"payload":{"medications":[{"name":"losartana","dosage":"50mg"}]}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("update plan: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var plan struct {
		Payload struct {
			Medications []struct {
				Name string `json:"name"`
			} `json:"medications"`
		} `json:"payload"`
	}
	decode(t, rec, &plan)
	if len(plan.Payload.Medications) != 1 || plan.Payload.Medications[0].Name != "losartana" {
		t.Errorf("payload not bound: %s", rec.Body.String())
	}
}
