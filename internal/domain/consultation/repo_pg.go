package consultation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/clinicqueue/internal/platform/apperr"
	"github.com/ehr/clinicqueue/internal/platform/db"
)

const activePerPatientConstraint = "consultation_one_active_per_patient"

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const consultationCols = `id, patient_id, professional_id, queue_entry_id, consultation_type,
	status, started_at, finished_at, version`

func (r *repoPG) Create(ctx context.Context, c *Consultation) error {
	c.ID = uuid.New()
	c.VersionID = 1
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO consultation (id, patient_id, professional_id, queue_entry_id, consultation_type,
			status, started_at, finished_at, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		c.ID, c.PatientID, c.ProfessionalID, c.QueueEntryID, c.ConsultationType,
		c.Status, c.StartedAt, c.FinishedAt, c.VersionID,
	)
	if db.IsUniqueViolation(err, activePerPatientConstraint) {
		return conflict(c.PatientID)
	}
	if err != nil {
		return fmt.Errorf("insert consultation: %w", err)
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Consultation, error) {
	c, err := scanConsultation(r.conn(ctx).QueryRow(ctx, `SELECT `+consultationCols+` FROM consultation WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound(id)
	}
	return c, err
}

func (r *repoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Consultation, error) {
	c, err := scanConsultation(r.conn(ctx).QueryRow(ctx, `SELECT `+consultationCols+` FROM consultation WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound(id)
	}
	return c, err
}

func (r *repoPG) Update(ctx context.Context, c *Consultation) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE consultation SET status=$3, finished_at=$4, version=version+1
		WHERE id = $1 AND version = $2`,
		c.ID, c.VersionID, c.Status, c.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("update consultation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, c.ID); err != nil {
			return err
		}
		return ErrStale
	}
	c.VersionID++
	return nil
}

func (r *repoPG) ActiveByPatient(ctx context.Context, patientID uuid.UUID) (*Consultation, error) {
	c, err := scanConsultation(r.conn(ctx).QueryRow(ctx,
		`SELECT `+consultationCols+` FROM consultation WHERE patient_id = $1 AND status = 'in_progress'`, patientID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: no consultation in progress for patient %s", apperr.ErrNotFound, patientID)
	}
	return c, err
}

func (r *repoPG) ActiveByQueueEntry(ctx context.Context, entryID uuid.UUID) (*Consultation, error) {
	c, err := scanConsultation(r.conn(ctx).QueryRow(ctx,
		`SELECT `+consultationCols+` FROM consultation WHERE queue_entry_id = $1 AND status = 'in_progress'
		ORDER BY started_at DESC LIMIT 1`, entryID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: no consultation in progress for queue entry %s", apperr.ErrNotFound, entryID)
	}
	return c, err
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Consultation, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+consultationCols+` FROM consultation WHERE patient_id = $1 ORDER BY started_at DESC`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*Consultation
	for rows.Next() {
		c, err := scanConsultation(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

func (r *repoPG) CreateSOAPIfAbsent(ctx context.Context, rec *SOAPRecord) (bool, error) {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return false, fmt.Errorf("encode %s payload: %w", rec.Type, err)
	}
	id := uuid.New()
	tag, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO soap_record (id, consultation_id, soap_type, content, payload, professional_id, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT ON CONSTRAINT soap_record_one_per_type DO NOTHING`,
		id, rec.ConsultationID, rec.Type, rec.Content, payload, rec.ProfessionalID, rec.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert soap record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	rec.ID = id
	return true, nil
}

const soapCols = `id, consultation_id, soap_type, content, payload, professional_id, updated_at`

func (r *repoPG) GetSOAP(ctx context.Context, consultationID uuid.UUID, t SOAPType) (*SOAPRecord, error) {
	rec, err := scanSOAP(r.conn(ctx).QueryRow(ctx,
		`SELECT `+soapCols+` FROM soap_record WHERE consultation_id = $1 AND soap_type = $2`, consultationID, t))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, recordNotFound(consultationID, t)
	}
	return rec, err
}

func (r *repoPG) UpdateSOAP(ctx context.Context, rec *SOAPRecord) error {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", rec.Type, err)
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE soap_record SET content=$3, payload=$4, professional_id=$5, updated_at=$6
		WHERE consultation_id = $1 AND soap_type = $2`,
		rec.ConsultationID, rec.Type, rec.Content, payload, rec.ProfessionalID, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update soap record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return recordNotFound(rec.ConsultationID, rec.Type)
	}
	return nil
}

func (r *repoPG) ListSOAP(ctx context.Context, consultationID uuid.UUID) ([]*SOAPRecord, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+soapCols+` FROM soap_record WHERE consultation_id = $1
		ORDER BY CASE soap_type WHEN 'subjective' THEN 0 WHEN 'objective' THEN 1 WHEN 'assessment' THEN 2 ELSE 3 END`,
		consultationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*SOAPRecord
	for rows.Next() {
		rec, err := scanSOAP(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, rec)
	}
	return items, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConsultation(row rowScanner) (*Consultation, error) {
	var c Consultation
	err := row.Scan(&c.ID, &c.PatientID, &c.ProfessionalID, &c.QueueEntryID, &c.ConsultationType,
		&c.Status, &c.StartedAt, &c.FinishedAt, &c.VersionID)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func scanSOAP(row rowScanner) (*SOAPRecord, error) {
	var rec SOAPRecord
	var raw []byte
	err := row.Scan(&rec.ID, &rec.ConsultationID, &rec.Type, &rec.Content, &raw, &rec.ProfessionalID, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.Payload, err = DecodeSection(rec.Type, raw)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
