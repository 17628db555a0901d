package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/clinicqueue/internal/platform/apperr"
)

// MemoryRepo keeps entries in process. Writers are expected to be serialised
// by a db.LocalTransactor; the RWMutex only protects the maps so readers
// get consistent copies.
type MemoryRepo struct {
	mu      sync.RWMutex
	seq     int64
	entries map[uuid.UUID]*Entry
	history map[uuid.UUID][]*StatusChange
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		entries: make(map[uuid.UUID]*Entry),
		history: make(map[uuid.UUID][]*StatusChange),
	}
}

func (r *MemoryRepo) Create(_ context.Context, e *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e.ID = uuid.New()
	r.seq++
	e.Seq = r.seq
	e.VersionID = 1
	now := time.Now().UTC()
	e.CreatedAt = now
	e.UpdatedAt = now

	cp := *e
	r.entries[e.ID] = &cp
	return nil
}

func (r *MemoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, notFound(id)
	}
	cp := *e
	return &cp, nil
}

func (r *MemoryRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*Entry, error) {
	return r.GetByID(ctx, id)
}

func (r *MemoryRepo) Update(_ context.Context, e *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.entries[e.ID]
	if !ok {
		return notFound(e.ID)
	}
	if cur.VersionID != e.VersionID {
		return ErrStale
	}
	e.VersionID++
	cp := *e
	r.entries[e.ID] = &cp
	return nil
}

func (r *MemoryRepo) Delete(_ context.Context, id uuid.UUID, version int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.entries[id]
	if !ok {
		return notFound(id)
	}
	if cur.VersionID != version {
		return ErrStale
	}
	delete(r.entries, id)
	return nil
}

func (r *MemoryRepo) List(_ context.Context, params ListParams) ([]*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if !params.From.IsZero() && e.ArrivalTime.Before(params.From) {
			continue
		}
		if !params.To.IsZero() && e.ArrivalTime.After(params.To) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (r *MemoryRepo) AddStatusChange(_ context.Context, sc *StatusChange) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sc.ID == uuid.Nil {
		sc.ID = uuid.New()
	}
	cp := *sc
	r.history[sc.EntryID] = append(r.history[sc.EntryID], &cp)
	return nil
}

func (r *MemoryRepo) ListStatusChanges(_ context.Context, entryID uuid.UUID) ([]*StatusChange, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	src := r.history[entryID]
	out := make([]*StatusChange, len(src))
	for i, sc := range src {
		cp := *sc
		out[i] = &cp
	}
	return out, nil
}

// MemoryPatients is an in-process patient directory, seeded by the caller.
type MemoryPatients struct {
	mu       sync.RWMutex
	patients map[uuid.UUID]*Patient
}

func NewMemoryPatients() *MemoryPatients {
	return &MemoryPatients{patients: make(map[uuid.UUID]*Patient)}
}

// Add registers p, assigning an ID when it has none.
func (d *MemoryPatients) Add(p Patient) *Patient {
	d.mu.Lock()
	defer d.mu.Unlock()

	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	d.patients[p.ID] = &p
	cp := p
	return &cp
}

func (d *MemoryPatients) GetPatient(_ context.Context, id uuid.UUID) (*Patient, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	p, ok := d.patients[id]
	if !ok {
		return nil, fmt.Errorf("%w: patient %s", apperr.ErrNotFound, id)
	}
	cp := *p
	return &cp, nil
}

func (d *MemoryPatients) GetPatients(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]*Patient, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[uuid.UUID]*Patient, len(ids))
	for _, id := range ids {
		if p, ok := d.patients[id]; ok {
			cp := *p
			out[id] = &cp
		}
	}
	return out, nil
}
