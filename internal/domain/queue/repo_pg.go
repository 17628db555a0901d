package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/clinicqueue/internal/platform/apperr"
	"github.com/ehr/clinicqueue/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const entryCols = `id, seq, patient_id, created_by_actor_id, service_type, team,
	assigned_professional_id, priority, risk_classification, ciap,
	arrival_time, status, initial_listening_completed, notes, version,
	created_at, updated_at`

func (r *repoPG) Create(ctx context.Context, e *Entry) error {
	e.ID = uuid.New()
	e.VersionID = 1
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO queue_entry (
			id, patient_id, created_by_actor_id, service_type, team,
			assigned_professional_id, priority, risk_classification, ciap,
			arrival_time, status, initial_listening_completed, notes, version
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		RETURNING seq, created_at, updated_at`,
		e.ID, e.PatientID, e.CreatedByActorID, e.ServiceType, nullString(e.Team),
		e.AssignedProfessionalID, e.Priority, nullString(string(e.RiskClassification)), nullString(e.CIAP),
		e.ArrivalTime, e.Status, e.InitialListeningCompleted, nullString(e.Notes), e.VersionID,
	).Scan(&e.Seq, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert queue entry: %w", err)
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Entry, error) {
	e, err := scanEntry(r.conn(ctx).QueryRow(ctx, `SELECT `+entryCols+` FROM queue_entry WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound(id)
	}
	return e, err
}

// GetForUpdate locks the row until the surrounding transaction ends. Outside
// a transaction the lock is released immediately, so callers go through a
// db.Transactor.
func (r *repoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Entry, error) {
	e, err := scanEntry(r.conn(ctx).QueryRow(ctx, `SELECT `+entryCols+` FROM queue_entry WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound(id)
	}
	return e, err
}

func (r *repoPG) Update(ctx context.Context, e *Entry) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE queue_entry SET
			service_type=$3, team=$4, assigned_professional_id=$5, priority=$6,
			risk_classification=$7, ciap=$8, arrival_time=$9, status=$10,
			initial_listening_completed=$11, notes=$12,
			version=version+1, updated_at=$13
		WHERE id = $1 AND version = $2`,
		e.ID, e.VersionID, e.ServiceType, nullString(e.Team), e.AssignedProfessionalID, e.Priority,
		nullString(string(e.RiskClassification)), nullString(e.CIAP), e.ArrivalTime, e.Status,
		e.InitialListeningCompleted, nullString(e.Notes), e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update queue entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.missingOrStale(ctx, e.ID)
	}
	e.VersionID++
	return nil
}

func (r *repoPG) Delete(ctx context.Context, id uuid.UUID, version int) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM queue_entry WHERE id = $1 AND version = $2`, id, version)
	if err != nil {
		return fmt.Errorf("delete queue entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.missingOrStale(ctx, id)
	}
	return nil
}

func (r *repoPG) missingOrStale(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM queue_entry WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return notFound(id)
	}
	return ErrStale
}

func (r *repoPG) List(ctx context.Context, params ListParams) ([]*Entry, error) {
	query := `SELECT ` + entryCols + ` FROM queue_entry WHERE 1=1`
	var args []interface{}
	idx := 1

	if !params.From.IsZero() {
		query += fmt.Sprintf(" AND arrival_time >= $%d", idx)
		args = append(args, params.From)
		idx++
	}
	if !params.To.IsZero() {
		query += fmt.Sprintf(" AND arrival_time <= $%d", idx)
		args = append(args, params.To)
		idx++
	}
	query += " ORDER BY seq"

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, rows.Err()
}

func (r *repoPG) AddStatusChange(ctx context.Context, sc *StatusChange) error {
	if sc.ID == uuid.Nil {
		sc.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO queue_status_change (id, entry_id, from_status, to_status, event, actor_id, changed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		sc.ID, sc.EntryID, sc.From, sc.To, sc.Event, sc.ActorID, sc.ChangedAt,
	)
	return err
}

func (r *repoPG) ListStatusChanges(ctx context.Context, entryID uuid.UUID) ([]*StatusChange, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, entry_id, from_status, to_status, event, actor_id, changed_at
		FROM queue_status_change WHERE entry_id = $1 ORDER BY changed_at, id`, entryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*StatusChange
	for rows.Next() {
		var sc StatusChange
		if err := rows.Scan(&sc.ID, &sc.EntryID, &sc.From, &sc.To, &sc.Event, &sc.ActorID, &sc.ChangedAt); err != nil {
			return nil, err
		}
		items = append(items, &sc)
	}
	return items, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	var team, risk, ciap, notes *string
	err := row.Scan(&e.ID, &e.Seq, &e.PatientID, &e.CreatedByActorID, &e.ServiceType, &team,
		&e.AssignedProfessionalID, &e.Priority, &risk, &ciap,
		&e.ArrivalTime, &e.Status, &e.InitialListeningCompleted, &notes, &e.VersionID,
		&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.Team = deref(team)
	e.RiskClassification = Risk(deref(risk))
	e.CIAP = deref(ciap)
	e.Notes = deref(notes)
	return &e, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

type patientsPG struct {
	pool *pgxpool.Pool
}

// NewPatientDirectory reads patients from the local registry mirror table.
func NewPatientDirectory(pool *pgxpool.Pool) PatientDirectory {
	return &patientsPG{pool: pool}
}

const patientCols = `id, name, social_name, cpf, cns, birth_date, sex`

func (d *patientsPG) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	p, err := scanPatient(db.Conn(ctx, d.pool).QueryRow(ctx, `SELECT `+patientCols+` FROM patient WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: patient %s", apperr.ErrNotFound, id)
	}
	return p, err
}

func (d *patientsPG) GetPatients(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*Patient, error) {
	out := make(map[uuid.UUID]*Patient, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := db.Conn(ctx, d.pool).Query(ctx, `SELECT `+patientCols+` FROM patient WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, err
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}

func scanPatient(row rowScanner) (*Patient, error) {
	var p Patient
	var social, cpf, cns, sex *string
	if err := row.Scan(&p.ID, &p.Name, &social, &cpf, &cns, &p.BirthDate, &sex); err != nil {
		return nil, err
	}
	p.SocialName = deref(social)
	p.CPF = deref(cpf)
	p.CNS = deref(cns)
	p.Sex = deref(sex)
	return &p, nil
}
