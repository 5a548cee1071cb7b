package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clinichub/clinic-scheduling/internal/clinic"
	"github.com/clinichub/clinic-scheduling/internal/directory"
	"github.com/clinichub/clinic-scheduling/internal/report"
	redisclient "github.com/clinichub/clinic-scheduling/internal/redis"
)

// Scheduler is the slice of the clinic service the HTTP layer needs.
type Scheduler interface {
	Availability(ctx context.Context, doctorID uuid.UUID, date time.Time) (string, []string, error)
	ListDoctors(ctx context.Context) ([]clinic.Doctor, error)
	Book(ctx context.Context, principal directory.Principal, doctorID uuid.UUID, date time.Time, slot, notes string) (*clinic.Appointment, error)
	Reschedule(ctx context.Context, principal directory.Principal, apptID uuid.UUID, newDate time.Time, newSlot string) (*clinic.Appointment, error)
	SetStatus(ctx context.Context, principal directory.Principal, apptID uuid.UUID, status clinic.AppointmentStatus) (*clinic.Appointment, error)
	Cancel(ctx context.Context, principal directory.Principal, apptID uuid.UUID) (bool, error)
	GetAppointment(ctx context.Context, principal directory.Principal, id uuid.UUID) (*clinic.AppointmentDetail, error)
	ListAppointments(ctx context.Context, principal directory.Principal) ([]clinic.AppointmentDetail, error)
	CreateDoctor(ctx context.Context, principal directory.Principal, d clinic.Doctor) (*clinic.Doctor, error)
	RemoveDoctor(ctx context.Context, principal directory.Principal, doctorID uuid.UUID) (bool, error)
	RemovePatient(ctx context.Context, principal directory.Principal, patientID uuid.UUID) error
}

// Reporter is the slice of the reporting collaborator the HTTP layer needs.
type Reporter interface {
	Summary(ctx context.Context) (*report.Summary, error)
	WriteCSV(ctx context.Context, w io.Writer, f report.ExportFilter) error
	WriteJSON(ctx context.Context, w io.Writer, f report.ExportFilter) error
}

type Handlers struct {
	svc      Scheduler
	reporter Reporter
	logger   *zap.Logger
}

func NewHandlers(svc Scheduler, reporter Reporter, logger *zap.Logger) *Handlers {
	return &Handlers{svc: svc, reporter: reporter, logger: logger}
}

func (h *Handlers) availability(w http.ResponseWriter, r *http.Request) {
	doctorID, ok := pathUUID(w, r, "id", "doctor id must be a valid UUID")
	if !ok {
		return
	}

	date, err := time.Parse("2006-01-02", r.URL.Query().Get("date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
		return
	}

	name, free, err := h.svc.Availability(r.Context(), doctorID, date)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	if free == nil {
		free = []string{}
	}

	writeJSON(w, http.StatusOK, AvailabilityResponse{
		DoctorID:   doctorID,
		DoctorName: name,
		Date:       date.Format("2006-01-02"),
		FreeSlots:  free,
	})
}

func (h *Handlers) listDoctors(w http.ResponseWriter, r *http.Request) {
	doctors, err := h.svc.ListDoctors(r.Context())
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	resp := make([]DoctorResponse, 0, len(doctors))
	for _, d := range doctors {
		resp = append(resp, toDoctorResponse(d))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) bookAppointment(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}

	var req BookAppointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}

	doctorID, err := uuid.Parse(req.DoctorID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctor_id must be a valid UUID")
		return
	}

	date, err := time.Parse("2006-01-02", req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
		return
	}

	appt, err := h.svc.Book(r.Context(), principal, doctorID, date, req.Time, req.Notes)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
}

func (h *Handlers) rescheduleAppointment(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	apptID, ok := pathUUID(w, r, "id", "appointment id must be a valid UUID")
	if !ok {
		return
	}

	var req RescheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}

	date, err := time.Parse("2006-01-02", req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
		return
	}

	appt, err := h.svc.Reschedule(r.Context(), principal, apptID, date, req.Time)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *Handlers) cancelAppointment(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	apptID, ok := pathUUID(w, r, "id", "appointment id must be a valid UUID")
	if !ok {
		return
	}

	already, err := h.svc.Cancel(r.Context(), principal, apptID)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	status := "cancelled"
	if already {
		status = "already_cancelled"
	}
	writeJSON(w, http.StatusOK, CancelResponse{Status: status})
}

func (h *Handlers) setAppointmentStatus(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	apptID, ok := pathUUID(w, r, "id", "appointment id must be a valid UUID")
	if !ok {
		return
	}

	var req SetStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}

	appt, err := h.svc.SetStatus(r.Context(), principal, apptID, clinic.AppointmentStatus(req.Status))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *Handlers) getAppointment(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	apptID, ok := pathUUID(w, r, "id", "appointment id must be a valid UUID")
	if !ok {
		return
	}

	det, err := h.svc.GetAppointment(r.Context(), principal, apptID)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toDetailResponse(*det))
}

func (h *Handlers) listAppointments(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}

	details, err := h.svc.ListAppointments(r.Context(), principal)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	resp := make([]AppointmentDetailResponse, 0, len(details))
	for _, d := range details {
		resp = append(resp, toDetailResponse(d))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) createDoctor(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}

	var req CreateDoctorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "missing_name", "name is required")
		return
	}

	doctor := clinic.Doctor{
		Name:           req.Name,
		Specialization: req.Specialization,
		Phone:          req.Phone,
		Address:        req.Address,
	}
	if req.UserID != "" {
		userID, err := uuid.Parse(req.UserID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_user_id", "user_id must be a valid UUID")
			return
		}
		doctor.UserID = &userID
	}

	created, err := h.svc.CreateDoctor(r.Context(), principal, doctor)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, toDoctorResponse(*created))
}

func (h *Handlers) removeDoctor(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	doctorID, ok := pathUUID(w, r, "id", "doctor id must be a valid UUID")
	if !ok {
		return
	}

	soft, err := h.svc.RemoveDoctor(r.Context(), principal, doctorID)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	removed := "deleted"
	if soft {
		removed = "deactivated"
	}
	writeJSON(w, http.StatusOK, RemoveDoctorResponse{Removed: removed})
}

func (h *Handlers) removePatient(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	patientID, ok := pathUUID(w, r, "id", "patient id must be a valid UUID")
	if !ok {
		return
	}

	if err := h.svc.RemovePatient(r.Context(), principal, patientID); err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) reportSummary(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}

	summary, err := h.reporter.Summary(r.Context())
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handlers) exportAppointments(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}

	filter := report.ExportFilter{Status: r.URL.Query().Get("status")}
	if v := r.URL.Query().Get("from"); v != "" {
		from, err := time.Parse("2006-01-02", v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "from must be YYYY-MM-DD")
			return
		}
		filter.From = from
	}
	if v := r.URL.Query().Get("to"); v != "" {
		to, err := time.Parse("2006-01-02", v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "to must be YYYY-MM-DD")
			return
		}
		filter.To = to
	}

	var err error
	switch r.URL.Query().Get("format") {
	case "", "json":
		w.Header().Set("Content-Type", "application/json")
		err = h.reporter.WriteJSON(r.Context(), w, filter)
	case "csv":
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="appointments.csv"`)
		err = h.reporter.WriteCSV(r.Context(), w, filter)
	default:
		writeError(w, http.StatusBadRequest, "invalid_format", "format must be csv or json")
		return
	}
	if err != nil {
		h.logger.Error("export failed", zap.Error(err), zap.String("request_id", GetRequestID(r.Context())))
	}
}

// writeEngineError maps engine errors to stable HTTP codes. Anything
// unclassified is logged in full and surfaced as a generic failure.
func (h *Handlers) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, clinic.ErrDoctorUnavailable):
		writeError(w, http.StatusConflict, "doctor_unavailable", "This doctor is not available for booking.")
	case errors.Is(err, clinic.ErrPastDate):
		writeError(w, http.StatusBadRequest, "past_date", "The date must be today or later.")
	case errors.Is(err, clinic.ErrInvalidDate):
		writeError(w, http.StatusBadRequest, "invalid_date", "The date is not bookable.")
	case errors.Is(err, clinic.ErrInvalidSlot):
		writeError(w, http.StatusBadRequest, "invalid_time", "The time must be one of the clinic's half-hour slots between 09:00 and 17:00.")
	case errors.Is(err, clinic.ErrSlotConflict):
		writeError(w, http.StatusConflict, "slot_conflict", "This time slot is already booked. Please choose a different time.")
	case errors.Is(err, clinic.ErrSlotBeingBooked), errors.Is(err, redisclient.ErrLockNotAcquired):
		writeError(w, http.StatusConflict, "slot_being_booked", "This time slot is currently being booked. Please retry shortly.")
	case errors.Is(err, clinic.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", "No such appointment.")
	case errors.Is(err, clinic.ErrDoctorNotFound):
		writeError(w, http.StatusNotFound, "doctor_not_found", "No such doctor.")
	case errors.Is(err, clinic.ErrPatientNotFound):
		writeError(w, http.StatusNotFound, "patient_not_found", "No such patient.")
	case errors.Is(err, clinic.ErrTerminalState):
		writeError(w, http.StatusConflict, "terminal_state", "Completed or cancelled appointments cannot be changed.")
	case errors.Is(err, clinic.ErrCompleted):
		writeError(w, http.StatusConflict, "already_completed", "This appointment has already been completed.")
	case errors.Is(err, clinic.ErrInvalidStatus):
		writeError(w, http.StatusBadRequest, "invalid_status", "Status must be pending, confirmed, completed or cancelled.")
	case errors.Is(err, clinic.ErrAccessDenied):
		writeError(w, http.StatusForbidden, "access_denied", "You are not allowed to perform this action.")
	case errors.Is(err, clinic.ErrPatientInUse):
		writeError(w, http.StatusConflict, "patient_in_use", "The patient still has appointments on record.")
	default:
		h.logger.Error("unhandled engine error",
			zap.Error(err),
			zap.String("request_id", GetRequestID(r.Context())),
		)
		writeError(w, http.StatusInternalServerError, "internal_error", "Something went wrong. Please try again.")
	}
}

func requirePrincipal(w http.ResponseWriter, r *http.Request) (directory.Principal, bool) {
	principal, ok := GetPrincipal(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing_user", "request has no resolved principal")
	}
	return principal, ok
}

func requireAdmin(w http.ResponseWriter, r *http.Request) (directory.Principal, bool) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return principal, false
	}
	if !principal.HasRole(directory.RoleAdmin) {
		writeError(w, http.StatusForbidden, "access_denied", "You are not allowed to perform this action.")
		return principal, false
	}
	return principal, true
}

func pathUUID(w http.ResponseWriter, r *http.Request, param, details string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_"+param, details)
		return uuid.Nil, false
	}
	return id, true
}
