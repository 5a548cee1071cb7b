package clinic

import (
	"time"

	"github.com/google/uuid"
)

type AppointmentStatus string

const (
	StatusPending   AppointmentStatus = "pending"
	StatusConfirmed AppointmentStatus = "confirmed"
	StatusCompleted AppointmentStatus = "completed"
	StatusCancelled AppointmentStatus = "cancelled"
)

// Occupying reports whether an appointment in this status reserves its
// (doctor, date, slot) triple against other bookings.
func (s AppointmentStatus) Occupying() bool {
	return s == StatusPending || s == StatusConfirmed
}

// Terminal reports whether the status permits no further mutation.
func (s AppointmentStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// ValidStatus reports membership in the closed status set.
func ValidStatus(s AppointmentStatus) bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

type Doctor struct {
	ID             uuid.UUID
	UserID         *uuid.UUID
	Name           string
	Specialization string
	Phone          string
	Address        string
	Active         bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Patient struct {
	ID             uuid.UUID
	UserID         *uuid.UUID
	Name           string
	Age            int
	Phone          string
	Address        string
	MedicalHistory string
	CreatedAt      time.Time
}

// Appointment references exactly one doctor and one patient. VisitDate is a
// calendar day (time component zero, UTC); VisitTime is an "HH:MM" value
// from the day calendar.
type Appointment struct {
	ID        uuid.UUID
	DoctorID  uuid.UUID
	PatientID uuid.UUID
	VisitDate time.Time
	VisitTime string
	Status    AppointmentStatus
	Notes     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type AppointmentEvent struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

// AppointmentDetail is an appointment hydrated with its doctor and patient.
type AppointmentDetail struct {
	Appointment
	DoctorName  string
	PatientName string
}
