package consultation

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/ehr/clinicqueue/internal/platform/apperr"
)

type soapKey struct {
	consultationID uuid.UUID
	soapType       SOAPType
}

// MemoryRepo keeps consultations in process and enforces the same
// uniqueness rules as the PostgreSQL schema.
type MemoryRepo struct {
	mu            sync.RWMutex
	consultations map[uuid.UUID]*Consultation
	records       map[soapKey]*SOAPRecord
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		consultations: make(map[uuid.UUID]*Consultation),
		records:       make(map[soapKey]*SOAPRecord),
	}
}

func (r *MemoryRepo) Create(_ context.Context, c *Consultation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c.Status == StatusInProgress {
		for _, existing := range r.consultations {
			if existing.PatientID == c.PatientID && existing.Status == StatusInProgress {
				return conflict(c.PatientID)
			}
		}
	}
	c.ID = uuid.New()
	c.VersionID = 1
	cp := *c
	r.consultations[c.ID] = &cp
	return nil
}

func (r *MemoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Consultation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.consultations[id]
	if !ok {
		return nil, notFound(id)
	}
	cp := *c
	return &cp, nil
}

func (r *MemoryRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*Consultation, error) {
	return r.GetByID(ctx, id)
}

func (r *MemoryRepo) Update(_ context.Context, c *Consultation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.consultations[c.ID]
	if !ok {
		return notFound(c.ID)
	}
	if cur.VersionID != c.VersionID {
		return ErrStale
	}
	c.VersionID++
	cp := *c
	r.consultations[c.ID] = &cp
	return nil
}

func (r *MemoryRepo) ActiveByPatient(_ context.Context, patientID uuid.UUID) (*Consultation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, c := range r.consultations {
		if c.PatientID == patientID && c.Status == StatusInProgress {
			cp := *c
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: no consultation in progress for patient %s", apperr.ErrNotFound, patientID)
}

func (r *MemoryRepo) ActiveByQueueEntry(_ context.Context, entryID uuid.UUID) (*Consultation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, c := range r.consultations {
		if c.QueueEntryID != nil && *c.QueueEntryID == entryID && c.Status == StatusInProgress {
			cp := *c
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: no consultation in progress for queue entry %s", apperr.ErrNotFound, entryID)
}

func (r *MemoryRepo) ListByPatient(_ context.Context, patientID uuid.UUID) ([]*Consultation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Consultation
	for _, c := range r.consultations {
		if c.PatientID == patientID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

func (r *MemoryRepo) CreateSOAPIfAbsent(_ context.Context, rec *SOAPRecord) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := soapKey{rec.ConsultationID, rec.Type}
	if _, ok := r.records[k]; ok {
		return false, nil
	}
	rec.ID = uuid.New()
	cp := *rec
	r.records[k] = &cp
	return true, nil
}

func (r *MemoryRepo) GetSOAP(_ context.Context, consultationID uuid.UUID, t SOAPType) (*SOAPRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[soapKey{consultationID, t}]
	if !ok {
		return nil, recordNotFound(consultationID, t)
	}
	cp := *rec
	return &cp, nil
}

func (r *MemoryRepo) UpdateSOAP(_ context.Context, rec *SOAPRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := soapKey{rec.ConsultationID, rec.Type}
	if _, ok := r.records[k]; !ok {
		return recordNotFound(rec.ConsultationID, rec.Type)
	}
	cp := *rec
	r.records[k] = &cp
	return nil
}

func (r *MemoryRepo) ListSOAP(_ context.Context, consultationID uuid.UUID) ([]*SOAPRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*SOAPRecord
	for k, rec := range r.records {
		if k.consultationID == consultationID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return soapOrder(out[i].Type) < soapOrder(out[j].Type) })
	return out, nil
}
