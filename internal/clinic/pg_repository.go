package clinic

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sethvargo/go-retry"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx so the same store
// methods run inside and outside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PgStore struct {
	db   querier
	pool *pgxpool.Pool // nil when db is a transaction
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{db: pool, pool: pool}
}

// Helpers

func scanDoctor(row pgx.Row) (*Doctor, error) {
	var d Doctor
	err := row.Scan(
		&d.ID,
		&d.UserID,
		&d.Name,
		&d.Specialization,
		&d.Phone,
		&d.Address,
		&d.Active,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDoctorNotFound
		}
		return nil, err
	}
	return &d, nil
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(
		&p.ID,
		&p.UserID,
		&p.Name,
		&p.Age,
		&p.Phone,
		&p.Address,
		&p.MedicalHistory,
		&p.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}
	return &p, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(
		&a.ID,
		&a.DoctorID,
		&a.PatientID,
		&a.VisitDate,
		&a.VisitTime,
		&a.Status,
		&a.Notes,
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

const appointmentColumns = `id, doctor_id, patient_id, visit_date, to_char(visit_time, 'HH24:MI'), status, notes, created_at, updated_at`

// Doctors

func (r *PgStore) GetDoctorByID(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, user_id, name, specialization, phone, address, active, created_at, updated_at
		FROM doctors
		WHERE id = $1
	`, id)
	return scanDoctor(row)
}

func (r *PgStore) GetDoctorByUserID(ctx context.Context, userID uuid.UUID) (*Doctor, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, user_id, name, specialization, phone, address, active, created_at, updated_at
		FROM doctors
		WHERE user_id = $1
	`, userID)
	return scanDoctor(row)
}

func (r *PgStore) ListActiveDoctors(ctx context.Context) ([]Doctor, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, user_id, name, specialization, phone, address, active, created_at, updated_at
		FROM doctors
		WHERE active
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Doctor
	for rows.Next() {
		d, err := scanDoctor(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *d)
	}
	return result, rows.Err()
}

func (r *PgStore) CreateDoctor(ctx context.Context, d Doctor) (*Doctor, error) {
	id := uuid.New()
	row := r.db.QueryRow(ctx, `
		INSERT INTO doctors (id, user_id, name, specialization, phone, address, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, true, now(), now())
		RETURNING id, user_id, name, specialization, phone, address, active, created_at, updated_at
	`, id, d.UserID, d.Name, d.Specialization, d.Phone, d.Address)
	return scanDoctor(row)
}

func (r *PgStore) SetDoctorActive(ctx context.Context, id uuid.UUID, active bool) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE doctors SET active = $2, updated_at = now() WHERE id = $1
	`, id, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDoctorNotFound
	}
	return nil
}

func (r *PgStore) DeleteDoctor(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM doctors WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDoctorNotFound
	}
	return nil
}

func (r *PgStore) CountOccupyingForDoctor(ctx context.Context, doctorID uuid.UUID) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `
		SELECT count(*) FROM appointments
		WHERE doctor_id = $1 AND status IN ('pending', 'confirmed')
	`, doctorID).Scan(&n)
	return n, err
}

// Patients

func (r *PgStore) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, user_id, name, age, phone, address, medical_history, created_at
		FROM patients
		WHERE id = $1
	`, id)
	return scanPatient(row)
}

func (r *PgStore) GetPatientByUserID(ctx context.Context, userID uuid.UUID) (*Patient, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, user_id, name, age, phone, address, medical_history, created_at
		FROM patients
		WHERE user_id = $1
	`, userID)
	return scanPatient(row)
}

func (r *PgStore) CreatePatient(ctx context.Context, p Patient) (*Patient, error) {
	id := uuid.New()
	row := r.db.QueryRow(ctx, `
		INSERT INTO patients (id, user_id, name, age, phone, address, medical_history, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		RETURNING id, user_id, name, age, phone, address, medical_history, created_at
	`, id, p.UserID, p.Name, p.Age, p.Phone, p.Address, p.MedicalHistory)
	return scanPatient(row)
}

func (r *PgStore) DeletePatient(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM patients WHERE id = $1`, id)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrPatientInUse
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPatientNotFound
	}
	return nil
}

func (r *PgStore) CountAppointmentsForPatient(ctx context.Context, patientID uuid.UUID) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `
		SELECT count(*) FROM appointments WHERE patient_id = $1
	`, patientID).Scan(&n)
	return n, err
}

// Appointments

func (r *PgStore) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgStore) ListAppointmentsForDay(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]Appointment, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE doctor_id = $1 AND visit_date = $2
		ORDER BY visit_time
	`, doctorID, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	return result, rows.Err()
}

func (r *PgStore) SlotOccupied(ctx context.Context, doctorID uuid.UUID, date time.Time, slot string, excludeID *uuid.UUID) (bool, error) {
	var occupied bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM appointments
			WHERE doctor_id = $1
			  AND visit_date = $2
			  AND visit_time = $3::time
			  AND status IN ('pending', 'confirmed')
			  AND ($4::uuid IS NULL OR id <> $4)
		)
	`, doctorID, date, slot, excludeID).Scan(&occupied)
	return occupied, err
}

func (r *PgStore) CreateAppointment(ctx context.Context, a Appointment) (*Appointment, error) {
	id := uuid.New()
	row := r.db.QueryRow(ctx, `
		INSERT INTO appointments (id, doctor_id, patient_id, visit_date, visit_time, status, notes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::time, 'pending', $6, now(), now())
		RETURNING `+appointmentColumns+`
	`, id, a.DoctorID, a.PatientID, a.VisitDate, a.VisitTime, a.Notes)

	appt, err := scanAppointment(row)
	if isUniqueViolation(err) {
		return nil, ErrSlotConflict
	}
	return appt, err
}

func (r *PgStore) UpdateAppointmentSchedule(ctx context.Context, id uuid.UUID, date time.Time, slot string) (*Appointment, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE appointments
		SET visit_date = $2,
		    visit_time = $3::time,
		    status = 'pending',
		    updated_at = now()
		WHERE id = $1
		RETURNING `+appointmentColumns+`
	`, id, date, slot)

	appt, err := scanAppointment(row)
	if isUniqueViolation(err) {
		return nil, ErrSlotConflict
	}
	return appt, err
}

func (r *PgStore) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, status AppointmentStatus) (*Appointment, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    updated_at = now()
		WHERE id = $1
		RETURNING `+appointmentColumns+`
	`, id, status)
	return scanAppointment(row)
}

const detailColumns = `a.id, a.doctor_id, a.patient_id, a.visit_date, to_char(a.visit_time, 'HH24:MI'), a.status, a.notes, a.created_at, a.updated_at, d.name, p.name`

func scanDetail(row pgx.Row) (*AppointmentDetail, error) {
	var det AppointmentDetail
	err := row.Scan(
		&det.ID,
		&det.DoctorID,
		&det.PatientID,
		&det.VisitDate,
		&det.VisitTime,
		&det.Status,
		&det.Notes,
		&det.CreatedAt,
		&det.UpdatedAt,
		&det.DoctorName,
		&det.PatientName,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}
	return &det, nil
}

func (r *PgStore) GetAppointmentDetail(ctx context.Context, id uuid.UUID) (*AppointmentDetail, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+detailColumns+`
		FROM appointments a
		JOIN doctors d ON d.id = a.doctor_id
		JOIN patients p ON p.id = a.patient_id
		WHERE a.id = $1
	`, id)
	return scanDetail(row)
}

func (r *PgStore) ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID) ([]AppointmentDetail, error) {
	return r.listDetails(ctx, `a.patient_id = $1`, patientID)
}

func (r *PgStore) ListAppointmentsByDoctor(ctx context.Context, doctorID uuid.UUID) ([]AppointmentDetail, error) {
	return r.listDetails(ctx, `a.doctor_id = $1`, doctorID)
}

func (r *PgStore) ListAllAppointments(ctx context.Context) ([]AppointmentDetail, error) {
	return r.listDetails(ctx, `true`)
}

func (r *PgStore) ListUpcomingAppointments(ctx context.Context, until time.Time) ([]AppointmentDetail, error) {
	return r.listDetails(ctx, `
		a.status IN ('pending', 'confirmed')
		AND a.visit_date + a.visit_time BETWEEN now() AND $1
	`, until)
}

func (r *PgStore) listDetails(ctx context.Context, where string, args ...any) ([]AppointmentDetail, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+detailColumns+`
		FROM appointments a
		JOIN doctors d ON d.id = a.doctor_id
		JOIN patients p ON p.id = a.patient_id
		WHERE `+where+`
		ORDER BY a.visit_date, a.visit_time
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []AppointmentDetail
	for rows.Next() {
		det, err := scanDetail(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *det)
	}
	return result, rows.Err()
}

// Events

func (r *PgStore) InsertEvent(ctx context.Context, ev AppointmentEvent) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO appointment_events (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, now())
	`, ev.EventType, ev.AppointmentID, ev.Payload)
	if err != nil {
		return fmt.Errorf("insert appointment event: %w", err)
	}
	return nil
}

// Transactions

// InTransaction runs fn inside a database transaction. Transient failures
// (broken connections, serialization aborts) re-run fn up to three more
// times with exponential backoff; application errors are returned as-is.
func (r *PgStore) InTransaction(ctx context.Context, fn func(Store) error) error {
	if r.pool == nil {
		// Already transaction-bound; no nesting.
		return fn(r)
	}

	backoff := retry.WithMaxRetries(3, retry.NewExponential(50*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := r.runTx(ctx, fn)
		if isTransient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func (r *PgStore) runTx(ctx context.Context, fn func(Store) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&PgStore{db: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Error classification

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if pgconn.SafeToRetry(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// serialization_failure, deadlock_detected
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}
