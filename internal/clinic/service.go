package clinic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clinichub/clinic-scheduling/internal/directory"
	redisclient "github.com/clinichub/clinic-scheduling/internal/redis"
)

const (
	EventAppointmentBooked      = "APPOINTMENT_BOOKED"
	EventAppointmentRescheduled = "APPOINTMENT_RESCHEDULED"
	EventAppointmentCancelled   = "APPOINTMENT_CANCELLED"
	EventStatusChanged          = "APPOINTMENT_STATUS_CHANGED"
)

var (
	ErrDoctorUnavailable = errors.New("doctor is not available for booking")
	ErrPastDate          = errors.New("date is in the past")
	ErrInvalidDate       = errors.New("date is not bookable")
	ErrInvalidSlot       = errors.New("time is not a bookable slot")
	ErrSlotBeingBooked   = errors.New("slot is currently being booked, please retry")
	ErrTerminalState     = errors.New("appointment is completed or cancelled")
	ErrCompleted         = errors.New("appointment is already completed")
	ErrInvalidStatus     = errors.New("unknown appointment status")
	ErrAccessDenied      = errors.New("access denied")
)

type Service struct {
	store  Store
	locker redisclient.Locker
	logger *zap.Logger
}

func NewService(store Store, locker redisclient.Locker, logger *zap.Logger) *Service {
	return &Service{
		store:  store,
		locker: locker,
		logger: logger,
	}
}

// Availability computes the free slots for a doctor on a date: the day
// calendar minus slots held by pending or confirmed appointments.
func (s *Service) Availability(ctx context.Context, doctorID uuid.UUID, date time.Time) (string, []string, error) {
	doctor, err := s.store.GetDoctorByID(ctx, doctorID)
	if err != nil {
		if errors.Is(err, ErrDoctorNotFound) {
			return "", nil, ErrDoctorUnavailable
		}
		return "", nil, fmt.Errorf("load doctor: %w", err)
	}
	if !doctor.Active {
		return "", nil, ErrDoctorUnavailable
	}

	date = DateOnly(date)
	if date.Before(Today()) {
		return "", nil, ErrInvalidDate
	}

	appts, err := s.store.ListAppointmentsForDay(ctx, doctorID, date)
	if err != nil {
		return "", nil, fmt.Errorf("list day appointments: %w", err)
	}

	taken := make(map[string]bool)
	for _, a := range appts {
		if a.Status.Occupying() {
			taken[a.VisitTime] = true
		}
	}

	var free []string
	for _, slot := range DaySlots() {
		if !taken[slot] {
			free = append(free, slot)
		}
	}
	return doctor.Name, free, nil
}

// ListDoctors returns the doctors currently accepting bookings.
func (s *Service) ListDoctors(ctx context.Context) ([]Doctor, error) {
	return s.store.ListActiveDoctors(ctx)
}

// Book reserves a slot with a doctor for the calling principal.
//
// The patient profile is ensured first as its own committed step: if the
// booking itself then fails, the profile stays, and a retry finds and
// reuses it. The conflict check and insert run inside one transaction
// under a per-slot lock so two concurrent bookers cannot both succeed.
func (s *Service) Book(ctx context.Context, principal directory.Principal, doctorID uuid.UUID, date time.Time, slot, notes string) (*Appointment, error) {
	patient, err := s.ensurePatient(ctx, principal)
	if err != nil {
		return nil, err
	}

	doctor, err := s.store.GetDoctorByID(ctx, doctorID)
	if err != nil {
		if errors.Is(err, ErrDoctorNotFound) {
			return nil, ErrDoctorUnavailable
		}
		return nil, fmt.Errorf("load doctor: %w", err)
	}
	if !doctor.Active {
		return nil, ErrDoctorUnavailable
	}

	date = DateOnly(date)
	if date.Before(Today()) {
		return nil, ErrPastDate
	}
	if !ValidSlot(slot) {
		return nil, ErrInvalidSlot
	}

	var created *Appointment

	err = s.locker.WithSlotLock(ctx, doctorID, date, slot, func(lockCtx context.Context) error {
		return s.store.InTransaction(lockCtx, func(tx Store) error {
			occupied, err := tx.SlotOccupied(lockCtx, doctorID, date, slot, nil)
			if err != nil {
				return fmt.Errorf("check slot: %w", err)
			}
			if occupied {
				return ErrSlotConflict
			}

			appt, err := tx.CreateAppointment(lockCtx, Appointment{
				DoctorID:  doctorID,
				PatientID: patient.ID,
				VisitDate: date,
				VisitTime: slot,
				Notes:     strings.TrimSpace(notes),
			})
			if err != nil {
				return fmt.Errorf("create appointment: %w", err)
			}
			created = appt

			s.logEvent(lockCtx, tx, appt.ID, EventAppointmentBooked, map[string]any{
				"doctor_id":  doctorID.String(),
				"patient_id": patient.ID.String(),
				"date":       date.Format("2006-01-02"),
				"time":       slot,
			})
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrSlotBeingBooked
		}
		return nil, err
	}

	s.logger.Info("appointment booked",
		zap.String("appointment_id", created.ID.String()),
		zap.String("doctor_id", doctorID.String()),
		zap.String("patient_id", patient.ID.String()),
		zap.String("date", date.Format("2006-01-02")),
		zap.String("time", slot),
	)
	return created, nil
}

// ensurePatient resolves the principal to a patient profile, creating one
// with placeholder values on first booking.
func (s *Service) ensurePatient(ctx context.Context, principal directory.Principal) (*Patient, error) {
	patient, err := s.store.GetPatientByUserID(ctx, principal.ID)
	if err == nil {
		return patient, nil
	}
	if !errors.Is(err, ErrPatientNotFound) {
		return nil, fmt.Errorf("load patient profile: %w", err)
	}

	userID := principal.ID
	created, err := s.store.CreatePatient(ctx, Patient{
		UserID:  &userID,
		Name:    principal.Name,
		Age:     0,
		Phone:   principal.Phone,
		Address: "Not provided",
	})
	if err != nil {
		return nil, fmt.Errorf("create patient profile: %w", err)
	}

	s.logger.Info("patient profile auto-provisioned",
		zap.String("patient_id", created.ID.String()),
		zap.String("user_id", principal.ID.String()),
	)
	return created, nil
}

// Reschedule moves an appointment to a new date and slot. The status resets
// to pending whatever it was before.
func (s *Service) Reschedule(ctx context.Context, principal directory.Principal, apptID uuid.UUID, newDate time.Time, newSlot string) (*Appointment, error) {
	appt, err := s.loadOwned(ctx, principal, apptID)
	if err != nil {
		return nil, err
	}

	if appt.Status.Terminal() {
		return nil, ErrTerminalState
	}

	newDate = DateOnly(newDate)
	if newDate.Before(Today()) {
		return nil, ErrPastDate
	}
	if !ValidSlot(newSlot) {
		return nil, ErrInvalidSlot
	}

	var updated *Appointment

	err = s.locker.WithSlotLock(ctx, appt.DoctorID, newDate, newSlot, func(lockCtx context.Context) error {
		return s.store.InTransaction(lockCtx, func(tx Store) error {
			occupied, err := tx.SlotOccupied(lockCtx, appt.DoctorID, newDate, newSlot, &appt.ID)
			if err != nil {
				return fmt.Errorf("check slot: %w", err)
			}
			if occupied {
				return ErrSlotConflict
			}

			updated, err = tx.UpdateAppointmentSchedule(lockCtx, appt.ID, newDate, newSlot)
			if err != nil {
				return fmt.Errorf("update schedule: %w", err)
			}

			s.logEvent(lockCtx, tx, appt.ID, EventAppointmentRescheduled, map[string]any{
				"from_date": appt.VisitDate.Format("2006-01-02"),
				"from_time": appt.VisitTime,
				"to_date":   newDate.Format("2006-01-02"),
				"to_time":   newSlot,
			})
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrSlotBeingBooked
		}
		return nil, err
	}

	s.logger.Info("appointment rescheduled",
		zap.String("appointment_id", appt.ID.String()),
		zap.String("date", newDate.Format("2006-01-02")),
		zap.String("time", newSlot),
	)
	return updated, nil
}

// SetStatus moves an appointment to any member of the closed status set.
// Beyond terminal immutability there is no transition table: a doctor or
// admin may jump a live appointment straight to any status.
func (s *Service) SetStatus(ctx context.Context, principal directory.Principal, apptID uuid.UUID, status AppointmentStatus) (*Appointment, error) {
	if !ValidStatus(status) {
		return nil, ErrInvalidStatus
	}

	appt, err := s.store.GetAppointmentByID(ctx, apptID)
	if err != nil {
		return nil, err
	}

	if err := s.checkStaffScope(ctx, principal, appt); err != nil {
		return nil, err
	}

	if appt.Status.Terminal() {
		return nil, ErrTerminalState
	}

	updated, err := s.store.UpdateAppointmentStatus(ctx, apptID, status)
	if err != nil {
		return nil, fmt.Errorf("update status: %w", err)
	}

	s.logEvent(ctx, s.store, apptID, EventStatusChanged, map[string]any{
		"from": string(appt.Status),
		"to":   string(status),
	})
	s.logger.Info("appointment status changed",
		zap.String("appointment_id", apptID.String()),
		zap.String("from", string(appt.Status)),
		zap.String("to", string(status)),
	)
	return updated, nil
}

// Cancel cancels an appointment. Cancelling an already-cancelled
// appointment is a no-op reported through the first return value, not an
// error.
func (s *Service) Cancel(ctx context.Context, principal directory.Principal, apptID uuid.UUID) (alreadyCancelled bool, err error) {
	appt, err := s.loadOwned(ctx, principal, apptID)
	if err != nil {
		return false, err
	}

	switch appt.Status {
	case StatusCompleted:
		return false, ErrCompleted
	case StatusCancelled:
		return true, nil
	}

	if DateOnly(appt.VisitDate).Before(Today()) {
		return false, ErrPastDate
	}

	if _, err := s.store.UpdateAppointmentStatus(ctx, apptID, StatusCancelled); err != nil {
		return false, fmt.Errorf("cancel appointment: %w", err)
	}

	s.logEvent(ctx, s.store, apptID, EventAppointmentCancelled, map[string]any{
		"previous_status": string(appt.Status),
	})
	s.logger.Info("appointment cancelled", zap.String("appointment_id", apptID.String()))
	return false, nil
}

// GetAppointment returns a hydrated appointment visible to the principal.
func (s *Service) GetAppointment(ctx context.Context, principal directory.Principal, id uuid.UUID) (*AppointmentDetail, error) {
	if _, err := s.loadOwned(ctx, principal, id); err != nil {
		return nil, err
	}
	return s.store.GetAppointmentDetail(ctx, id)
}

// ListAppointments lists appointments scoped by role: admins see all,
// doctors their own queue, patients their own visits.
func (s *Service) ListAppointments(ctx context.Context, principal directory.Principal) ([]AppointmentDetail, error) {
	if principal.HasRole(directory.RoleAdmin) {
		return s.store.ListAllAppointments(ctx)
	}
	if principal.HasRole(directory.RoleDoctor) {
		doctor, err := s.store.GetDoctorByUserID(ctx, principal.ID)
		if err != nil {
			if errors.Is(err, ErrDoctorNotFound) {
				return nil, nil
			}
			return nil, err
		}
		return s.store.ListAppointmentsByDoctor(ctx, doctor.ID)
	}

	patient, err := s.store.GetPatientByUserID(ctx, principal.ID)
	if err != nil {
		if errors.Is(err, ErrPatientNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return s.store.ListAppointmentsByPatient(ctx, patient.ID)
}

// Admin lifecycle

// CreateDoctor provisions a doctor record. Admin only.
func (s *Service) CreateDoctor(ctx context.Context, principal directory.Principal, d Doctor) (*Doctor, error) {
	if !principal.HasRole(directory.RoleAdmin) {
		return nil, ErrAccessDenied
	}
	created, err := s.store.CreateDoctor(ctx, d)
	if err != nil {
		return nil, fmt.Errorf("create doctor: %w", err)
	}
	s.logger.Info("doctor created", zap.String("doctor_id", created.ID.String()))
	return created, nil
}

// RemoveDoctor deactivates the doctor when live appointments still reference
// them, and deletes the record outright otherwise. Returns whether a soft
// delete happened.
func (s *Service) RemoveDoctor(ctx context.Context, principal directory.Principal, doctorID uuid.UUID) (softDeleted bool, err error) {
	if !principal.HasRole(directory.RoleAdmin) {
		return false, ErrAccessDenied
	}

	err = s.store.InTransaction(ctx, func(tx Store) error {
		n, err := tx.CountOccupyingForDoctor(ctx, doctorID)
		if err != nil {
			return fmt.Errorf("count live appointments: %w", err)
		}
		if n > 0 {
			softDeleted = true
			return tx.SetDoctorActive(ctx, doctorID, false)
		}
		return tx.DeleteDoctor(ctx, doctorID)
	})
	if err != nil {
		return false, err
	}

	s.logger.Info("doctor removed",
		zap.String("doctor_id", doctorID.String()),
		zap.Bool("soft", softDeleted),
	)
	return softDeleted, nil
}

// RemovePatient deletes a patient record. Blocked while any appointment
// still references the patient.
func (s *Service) RemovePatient(ctx context.Context, principal directory.Principal, patientID uuid.UUID) error {
	if !principal.HasRole(directory.RoleAdmin) {
		return ErrAccessDenied
	}

	n, err := s.store.CountAppointmentsForPatient(ctx, patientID)
	if err != nil {
		return fmt.Errorf("count patient appointments: %w", err)
	}
	if n > 0 {
		return ErrPatientInUse
	}
	if err := s.store.DeletePatient(ctx, patientID); err != nil {
		return err
	}

	s.logger.Info("patient removed", zap.String("patient_id", patientID.String()))
	return nil
}

// Internal helpers

// loadOwned fetches an appointment if the principal may act on it: admins
// always, doctors for their own queue, patients for their own visits.
// Appointments outside the principal's scope read as not found.
func (s *Service) loadOwned(ctx context.Context, principal directory.Principal, apptID uuid.UUID) (*Appointment, error) {
	appt, err := s.store.GetAppointmentByID(ctx, apptID)
	if err != nil {
		return nil, err
	}

	if principal.HasRole(directory.RoleAdmin) {
		return appt, nil
	}

	if principal.HasRole(directory.RoleDoctor) {
		doctor, err := s.store.GetDoctorByUserID(ctx, principal.ID)
		if err == nil && doctor.ID == appt.DoctorID {
			return appt, nil
		}
		if err != nil && !errors.Is(err, ErrDoctorNotFound) {
			return nil, err
		}
	}

	patient, err := s.store.GetPatientByUserID(ctx, principal.ID)
	if err != nil {
		if errors.Is(err, ErrPatientNotFound) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}
	if patient.ID != appt.PatientID {
		return nil, ErrAppointmentNotFound
	}
	return appt, nil
}

// checkStaffScope limits SetStatus to admins and the assigned doctor.
func (s *Service) checkStaffScope(ctx context.Context, principal directory.Principal, appt *Appointment) error {
	if principal.HasRole(directory.RoleAdmin) {
		return nil
	}
	if principal.HasRole(directory.RoleDoctor) {
		doctor, err := s.store.GetDoctorByUserID(ctx, principal.ID)
		if err != nil {
			if errors.Is(err, ErrDoctorNotFound) {
				return ErrAccessDenied
			}
			return err
		}
		if doctor.ID == appt.DoctorID {
			return nil
		}
		return ErrAppointmentNotFound
	}
	return ErrAccessDenied
}

func (s *Service) logEvent(ctx context.Context, store Store, appointmentID uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("marshal event payload", zap.String("event", eventType), zap.Error(err))
		data = nil
	}

	apptID := appointmentID
	ev := AppointmentEvent{
		EventType:     eventType,
		AppointmentID: &apptID,
		Payload:       data,
		CreatedAt:     time.Now(),
	}

	if err := store.InsertEvent(ctx, ev); err != nil {
		s.logger.Warn("insert appointment event",
			zap.String("event", eventType),
			zap.String("appointment_id", appointmentID.String()),
			zap.Error(err),
		)
	}
}
