// Package accesslog gates medical record views behind a written
// justification. Every granted view is appended to an audit trail before
// any record data is returned.
package accesslog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/clinicqueue/internal/platform/apperr"
)

// ActionViewRecord is the action stored on every record-view audit row.
const ActionViewRecord = "view_medical_record"

// DefaultGrantTTL bounds how long a justification authorizes reads.
const DefaultGrantTTL = 15 * time.Minute

// Entry is one row of the append-only access trail. Its ID doubles as the
// grant id handed back to the caller.
type Entry struct {
	ID            uuid.UUID `json:"id"`
	ActorID       uuid.UUID `json:"actor_id"`
	PatientID     uuid.UUID `json:"patient_id"`
	Action        string    `json:"action"`
	Justification string    `json:"justification"`
	IPAddress     string    `json:"ip_address,omitempty"`
	UserAgent     string    `json:"user_agent,omitempty"`
	AccessedAt    time.Time `json:"accessed_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// AccessGrant permits actor to read patient's record until ExpiresAt.
type AccessGrant struct {
	ID        uuid.UUID `json:"id"`
	ActorID   uuid.UUID `json:"actor_id"`
	PatientID uuid.UUID `json:"patient_id"`
	GrantedAt time.Time `json:"granted_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func grantOf(e *Entry) *AccessGrant {
	return &AccessGrant{
		ID:        e.ID,
		ActorID:   e.ActorID,
		PatientID: e.PatientID,
		GrantedAt: e.AccessedAt,
		ExpiresAt: e.ExpiresAt,
	}
}

type originKey struct{}

type origin struct {
	ip, userAgent string
}

// WithOrigin records the client address and user agent for the next
// audited access made with ctx.
func WithOrigin(ctx context.Context, ip, userAgent string) context.Context {
	return context.WithValue(ctx, originKey{}, origin{ip: ip, userAgent: userAgent})
}

type Service struct {
	repo   Repository
	ttl    time.Duration
	now    func() time.Time
	logger zerolog.Logger
}

func NewService(repo Repository, ttl time.Duration, logger zerolog.Logger) *Service {
	if ttl <= 0 {
		ttl = DefaultGrantTTL
	}
	return &Service{
		repo:   repo,
		ttl:    ttl,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With().Str("component", "accesslog").Logger(),
	}
}

// SetClock replaces the time source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// RequestMedicalRecordView appends an access entry and returns a grant.
// A blank justification fails with apperr.ErrMissingJustification and
// writes nothing.
func (s *Service) RequestMedicalRecordView(ctx context.Context, actorID, patientID uuid.UUID, justification string) (*AccessGrant, error) {
	justification = strings.TrimSpace(justification)
	if justification == "" {
		return nil, fmt.Errorf("%w: patient %s", apperr.ErrMissingJustification, patientID)
	}
	if actorID == uuid.Nil {
		return nil, fmt.Errorf("%w: actor is not authenticated", apperr.ErrUnauthorized)
	}
	if patientID == uuid.Nil {
		return nil, fmt.Errorf("%w: patient_id is required", apperr.ErrValidation)
	}

	now := s.now()
	e := &Entry{
		ActorID:       actorID,
		PatientID:     patientID,
		Action:        ActionViewRecord,
		Justification: justification,
		AccessedAt:    now,
		ExpiresAt:     now.Add(s.ttl),
	}
	if o, ok := ctx.Value(originKey{}).(origin); ok {
		e.IPAddress, e.UserAgent = o.ip, o.userAgent
	}
	if err := s.repo.Append(ctx, e); err != nil {
		return nil, fmt.Errorf("append access entry: %w", err)
	}

	s.logger.Warn().
		Str("grant_id", e.ID.String()).
		Str("actor_id", actorID.String()).
		Str("patient_id", patientID.String()).
		Str("ip", e.IPAddress).
		Time("expires_at", e.ExpiresAt).
		Msg("medical record view granted")
	return grantOf(e), nil
}

// VerifyGrant succeeds only for the actor and patient the grant was issued
// to, before it expires. Every failure is apperr.ErrUnauthorized.
func (s *Service) VerifyGrant(ctx context.Context, grantID, actorID, patientID uuid.UUID) (*AccessGrant, error) {
	e, err := s.repo.GetByID(ctx, grantID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown record access grant", apperr.ErrUnauthorized)
	}
	if err != nil {
		return nil, err
	}
	if e.ActorID != actorID || e.PatientID != patientID {
		return nil, fmt.Errorf("%w: grant %s was issued for another actor or patient", apperr.ErrUnauthorized, grantID)
	}
	if !s.now().Before(e.ExpiresAt) {
		return nil, fmt.Errorf("%w: grant %s expired at %s", apperr.ErrUnauthorized, grantID, e.ExpiresAt.Format(time.RFC3339))
	}
	return grantOf(e), nil
}

// ListAccesses returns the patient's access trail, newest first.
func (s *Service) ListAccesses(ctx context.Context, patientID uuid.UUID) ([]*Entry, error) {
	return s.repo.ListByPatient(ctx, patientID)
}
