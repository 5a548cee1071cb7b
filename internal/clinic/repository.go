package clinic

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrDoctorNotFound      = errors.New("doctor not found")
	ErrPatientNotFound     = errors.New("patient not found")
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrSlotConflict        = errors.New("slot is already booked")
	ErrPatientInUse        = errors.New("patient has appointments on record")
)

// Store contains all DB interactions needed by the service.
type Store interface {
	GetDoctorByID(ctx context.Context, id uuid.UUID) (*Doctor, error)
	GetDoctorByUserID(ctx context.Context, userID uuid.UUID) (*Doctor, error)
	ListActiveDoctors(ctx context.Context) ([]Doctor, error)
	CreateDoctor(ctx context.Context, d Doctor) (*Doctor, error)
	SetDoctorActive(ctx context.Context, id uuid.UUID, active bool) error
	DeleteDoctor(ctx context.Context, id uuid.UUID) error
	CountOccupyingForDoctor(ctx context.Context, doctorID uuid.UUID) (int, error)

	GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetPatientByUserID(ctx context.Context, userID uuid.UUID) (*Patient, error)
	CreatePatient(ctx context.Context, p Patient) (*Patient, error)
	DeletePatient(ctx context.Context, id uuid.UUID) error
	CountAppointmentsForPatient(ctx context.Context, patientID uuid.UUID) (int, error)

	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	ListAppointmentsForDay(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]Appointment, error)
	ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID) ([]AppointmentDetail, error)
	ListAppointmentsByDoctor(ctx context.Context, doctorID uuid.UUID) ([]AppointmentDetail, error)
	ListAllAppointments(ctx context.Context) ([]AppointmentDetail, error)
	// ListUpcomingAppointments returns live appointments whose visit moment
	// falls between now and until, for the reminder worker.
	ListUpcomingAppointments(ctx context.Context, until time.Time) ([]AppointmentDetail, error)
	GetAppointmentDetail(ctx context.Context, id uuid.UUID) (*AppointmentDetail, error)

	// SlotOccupied is the conflict predicate: an appointment in an occupying
	// status exists at the triple, excluding excludeID when non-nil.
	SlotOccupied(ctx context.Context, doctorID uuid.UUID, date time.Time, slot string, excludeID *uuid.UUID) (bool, error)

	CreateAppointment(ctx context.Context, a Appointment) (*Appointment, error)
	UpdateAppointmentSchedule(ctx context.Context, id uuid.UUID, date time.Time, slot string) (*Appointment, error)
	UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, status AppointmentStatus) (*Appointment, error)

	InsertEvent(ctx context.Context, ev AppointmentEvent) error

	// InTransaction runs fn against a transaction-bound view of the store.
	// fn returning an error rolls the transaction back; transient store
	// failures are retried with fn re-invoked from scratch.
	InTransaction(ctx context.Context, fn func(Store) error) error
}
