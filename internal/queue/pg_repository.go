package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	clinicColumns      = `id, operator_id, name, address, phone, status, average_wait_time, last_token, created_at, updated_at`
	appointmentColumns = `id, clinic_id, patient_id, token_number, status, queue_position, estimated_time, created_at, updated_at`
	messageColumns     = `id, appointment_id, sender_id, body, created_at`
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// Helpers

func scanClinic(row pgx.Row) (*Clinic, error) {
	var c Clinic

	err := row.Scan(
		&c.ID,
		&c.OperatorID,
		&c.Name,
		&c.Address,
		&c.Phone,
		&c.Status,
		&c.AverageWaitTime,
		&c.LastToken,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrClinicNotFound
		}
		return nil, err
	}

	return &c, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment

	err := row.Scan(
		&a.ID,
		&a.ClinicID,
		&a.PatientID,
		&a.TokenNumber,
		&a.Status,
		&a.QueuePosition,
		&a.EstimatedTime,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	return &a, nil
}

func scanMessage(row pgx.Row) (*ChatMessage, error) {
	var m ChatMessage

	err := row.Scan(
		&m.ID,
		&m.AppointmentID,
		&m.SenderID,
		&m.Body,
		&m.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	return &m, nil
}

func collectAppointments(rows pgx.Rows) ([]Appointment, error) {
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func statusStrings(statuses []AppointmentStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// Interface methods

func (r *PgRepository) CreateClinic(ctx context.Context, c Clinic) (*Clinic, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO clinics (id, operator_id, name, address, phone, status, average_wait_time, last_token, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $8)
		RETURNING `+clinicColumns,
		c.ID, c.OperatorID, c.Name, c.Address, c.Phone, c.Status, c.AverageWaitTime, c.CreatedAt)

	return scanClinic(row)
}

func (r *PgRepository) GetClinicByID(ctx context.Context, id uuid.UUID) (*Clinic, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+clinicColumns+`
		FROM clinics
		WHERE id = $1
	`, id)
	return scanClinic(row)
}

func (r *PgRepository) UpdateClinic(ctx context.Context, id uuid.UUID, upd ClinicUpdate, at time.Time) (*Clinic, error) {
	var status *string
	if upd.Status != nil {
		s := string(*upd.Status)
		status = &s
	}

	row := r.pool.QueryRow(ctx, `
		UPDATE clinics
		SET name = COALESCE($2, name),
		    address = COALESCE($3, address),
		    phone = COALESCE($4, phone),
		    status = COALESCE($5, status),
		    average_wait_time = COALESCE($6, average_wait_time),
		    updated_at = $7
		WHERE id = $1
		RETURNING `+clinicColumns,
		id, upd.Name, upd.Address, upd.Phone, status, upd.AverageWaitTime, at)

	return scanClinic(row)
}

func (r *PgRepository) ListClinicIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM clinics ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// NextToken increments the counter in a single statement, so concurrent
// callers on the same clinic serialise on the row lock and never observe
// the same value.
func (r *PgRepository) NextToken(ctx context.Context, clinicID uuid.UUID) (int64, error) {
	var next int64
	err := r.pool.QueryRow(ctx, `
		UPDATE clinics
		SET last_token = last_token + 1
		WHERE id = $1
		RETURNING last_token
	`, clinicID).Scan(&next)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrClinicNotFound
		}
		return 0, err
	}
	return next, nil
}

// CreateAppointment inserts a and applies the ledger placements planned
// for it in one transaction, so a booking is never stored unplaced.
func (r *PgRepository) CreateAppointment(ctx context.Context, a Appointment, placements []Placement, at time.Time) (*Appointment, []Appointment, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		INSERT INTO appointments (id, clinic_id, patient_id, token_number, status, queue_position, estimated_time, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NULL, NULL, $6, $6)
		RETURNING `+appointmentColumns,
		a.ID, a.ClinicID, a.PatientID, a.TokenNumber, a.Status, a.CreatedAt)

	created, err := scanAppointment(row)
	if err != nil {
		return nil, nil, err
	}

	updated, err := applyPlacements(ctx, tx, a.ClinicID, placements, at)
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, err
	}

	return created, updated, nil
}

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus, at time.Time) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    updated_at = $4
		WHERE id = $1
		  AND status = $3
		RETURNING `+appointmentColumns,
		id, to, from, at)

	return scanAppointment(row)
}

func (r *PgRepository) ListLedgerCandidates(ctx context.Context, clinicID uuid.UUID) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE clinic_id = $1
		  AND (status IN ('pending', 'confirmed')
		       OR queue_position IS NOT NULL
		       OR estimated_time IS NOT NULL)
		ORDER BY token_number
	`, clinicID)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

// ApplyPlacements writes every placement in one transaction so readers
// never see a half-renumbered queue.
func (r *PgRepository) ApplyPlacements(ctx context.Context, clinicID uuid.UUID, placements []Placement, at time.Time) ([]Appointment, error) {
	if len(placements) == 0 {
		return nil, nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	updated, err := applyPlacements(ctx, tx, clinicID, placements, at)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return updated, nil
}

func applyPlacements(ctx context.Context, tx pgx.Tx, clinicID uuid.UUID, placements []Placement, at time.Time) ([]Appointment, error) {
	updated := make([]Appointment, 0, len(placements))
	for _, p := range placements {
		row := tx.QueryRow(ctx, `
			UPDATE appointments
			SET queue_position = $3,
			    estimated_time = $4,
			    updated_at = $5
			WHERE id = $1
			  AND clinic_id = $2
			RETURNING `+appointmentColumns,
			p.AppointmentID, clinicID, p.QueuePosition, p.EstimatedTime, at)

		a, err := scanAppointment(row)
		if err != nil {
			return nil, fmt.Errorf("apply placement %s: %w", p.AppointmentID, err)
		}
		updated = append(updated, *a)
	}
	return updated, nil
}

func (r *PgRepository) ListAppointmentsByClinic(ctx context.Context, clinicID uuid.UUID, statuses []AppointmentStatus) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE clinic_id = $1
		  AND (cardinality($2::text[]) = 0 OR status = ANY($2::text[]))
		ORDER BY token_number
	`, clinicID, statusStrings(statuses))
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (r *PgRepository) ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE patient_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3
	`, patientID, limit, offset)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (r *PgRepository) CountByStatus(ctx context.Context, clinicID uuid.UUID) (map[AppointmentStatus]int, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT status, count(*)
		FROM appointments
		WHERE clinic_id = $1
		GROUP BY status
	`, clinicID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[AppointmentStatus]int)
	for rows.Next() {
		var status AppointmentStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}

	return counts, rows.Err()
}

func (r *PgRepository) InsertMessage(ctx context.Context, m ChatMessage) (*ChatMessage, error) {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO chat_messages (id, appointment_id, sender_id, body, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+messageColumns,
		m.ID, m.AppointmentID, m.SenderID, m.Body, m.CreatedAt)

	return scanMessage(row)
}

func (r *PgRepository) LatestMessageAt(ctx context.Context, appointmentID uuid.UUID) (time.Time, error) {
	var latest *time.Time
	err := r.pool.QueryRow(ctx, `
		SELECT max(created_at)
		FROM chat_messages
		WHERE appointment_id = $1
	`, appointmentID).Scan(&latest)
	if err != nil {
		return time.Time{}, err
	}
	if latest == nil {
		return time.Time{}, nil
	}
	return *latest, nil
}

func (r *PgRepository) ListMessages(ctx context.Context, appointmentID uuid.UUID) ([]ChatMessage, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM chat_messages
		WHERE appointment_id = $1
		ORDER BY created_at, seq
	`, appointmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []ChatMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *m)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
