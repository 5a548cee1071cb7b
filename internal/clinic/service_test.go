package clinic

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clinichub/clinic-scheduling/internal/directory"
)

// -- In-memory store --

type memStore struct {
	mu           sync.Mutex
	doctors      map[uuid.UUID]*Doctor
	patients     map[uuid.UUID]*Patient
	appointments map[uuid.UUID]*Appointment
	events       []AppointmentEvent
}

func newMemStore() *memStore {
	return &memStore{
		doctors:      make(map[uuid.UUID]*Doctor),
		patients:     make(map[uuid.UUID]*Patient),
		appointments: make(map[uuid.UUID]*Appointment),
	}
}

func (m *memStore) GetDoctorByID(_ context.Context, id uuid.UUID) (*Doctor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.doctors[id]
	if !ok {
		return nil, ErrDoctorNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *memStore) GetDoctorByUserID(_ context.Context, userID uuid.UUID) (*Doctor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.doctors {
		if d.UserID != nil && *d.UserID == userID {
			cp := *d
			return &cp, nil
		}
	}
	return nil, ErrDoctorNotFound
}

func (m *memStore) ListActiveDoctors(_ context.Context) ([]Doctor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Doctor
	for _, d := range m.doctors {
		if d.Active {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (m *memStore) CreateDoctor(_ context.Context, d Doctor) (*Doctor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d.ID = uuid.New()
	d.Active = true
	d.CreatedAt = time.Now()
	d.UpdatedAt = d.CreatedAt
	m.doctors[d.ID] = &d
	cp := d
	return &cp, nil
}

func (m *memStore) SetDoctorActive(_ context.Context, id uuid.UUID, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.doctors[id]
	if !ok {
		return ErrDoctorNotFound
	}
	d.Active = active
	return nil
}

func (m *memStore) DeleteDoctor(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.doctors[id]; !ok {
		return ErrDoctorNotFound
	}
	delete(m.doctors, id)
	return nil
}

func (m *memStore) CountOccupyingForDoctor(_ context.Context, doctorID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.appointments {
		if a.DoctorID == doctorID && a.Status.Occupying() {
			n++
		}
	}
	return n, nil
}

func (m *memStore) GetPatientByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) GetPatientByUserID(_ context.Context, userID uuid.UUID) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.patients {
		if p.UserID != nil && *p.UserID == userID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrPatientNotFound
}

func (m *memStore) CreatePatient(_ context.Context, p Patient) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.ID = uuid.New()
	p.CreatedAt = time.Now()
	m.patients[p.ID] = &p
	cp := p
	return &cp, nil
}

func (m *memStore) DeletePatient(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.patients[id]; !ok {
		return ErrPatientNotFound
	}
	delete(m.patients, id)
	return nil
}

func (m *memStore) CountAppointmentsForPatient(_ context.Context, patientID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.appointments {
		if a.PatientID == patientID {
			n++
		}
	}
	return n, nil
}

func (m *memStore) GetAppointmentByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *memStore) ListAppointmentsForDay(_ context.Context, doctorID uuid.UUID, date time.Time) ([]Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Appointment
	for _, a := range m.appointments {
		if a.DoctorID == doctorID && a.VisitDate.Equal(date) {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (m *memStore) SlotOccupied(_ context.Context, doctorID uuid.UUID, date time.Time, slot string, excludeID *uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slotOccupiedLocked(doctorID, date, slot, excludeID), nil
}

func (m *memStore) slotOccupiedLocked(doctorID uuid.UUID, date time.Time, slot string, excludeID *uuid.UUID) bool {
	for _, a := range m.appointments {
		if excludeID != nil && a.ID == *excludeID {
			continue
		}
		if a.DoctorID == doctorID && a.VisitDate.Equal(date) && a.VisitTime == slot && a.Status.Occupying() {
			return true
		}
	}
	return false
}

func (m *memStore) CreateAppointment(_ context.Context, a Appointment) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// mimics the partial unique index
	if m.slotOccupiedLocked(a.DoctorID, a.VisitDate, a.VisitTime, nil) {
		return nil, ErrSlotConflict
	}
	a.ID = uuid.New()
	a.Status = StatusPending
	a.CreatedAt = time.Now()
	a.UpdatedAt = a.CreatedAt
	m.appointments[a.ID] = &a
	cp := a
	return &cp, nil
}

func (m *memStore) UpdateAppointmentSchedule(_ context.Context, id uuid.UUID, date time.Time, slot string) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	if m.slotOccupiedLocked(a.DoctorID, date, slot, &id) {
		return nil, ErrSlotConflict
	}
	a.VisitDate = date
	a.VisitTime = slot
	a.Status = StatusPending
	a.UpdatedAt = time.Now()
	cp := *a
	return &cp, nil
}

func (m *memStore) UpdateAppointmentStatus(_ context.Context, id uuid.UUID, status AppointmentStatus) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	a.Status = status
	a.UpdatedAt = time.Now()
	cp := *a
	return &cp, nil
}

func (m *memStore) detail(a Appointment) AppointmentDetail {
	det := AppointmentDetail{Appointment: a}
	if d, ok := m.doctors[a.DoctorID]; ok {
		det.DoctorName = d.Name
	}
	if p, ok := m.patients[a.PatientID]; ok {
		det.PatientName = p.Name
	}
	return det
}

func (m *memStore) GetAppointmentDetail(_ context.Context, id uuid.UUID) (*AppointmentDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	det := m.detail(*a)
	return &det, nil
}

func (m *memStore) ListAppointmentsByPatient(_ context.Context, patientID uuid.UUID) ([]AppointmentDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []AppointmentDetail
	for _, a := range m.appointments {
		if a.PatientID == patientID {
			out = append(out, m.detail(*a))
		}
	}
	return out, nil
}

func (m *memStore) ListAppointmentsByDoctor(_ context.Context, doctorID uuid.UUID) ([]AppointmentDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []AppointmentDetail
	for _, a := range m.appointments {
		if a.DoctorID == doctorID {
			out = append(out, m.detail(*a))
		}
	}
	return out, nil
}

func (m *memStore) ListAllAppointments(_ context.Context) ([]AppointmentDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []AppointmentDetail
	for _, a := range m.appointments {
		out = append(out, m.detail(*a))
	}
	return out, nil
}

func (m *memStore) ListUpcomingAppointments(_ context.Context, until time.Time) ([]AppointmentDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []AppointmentDetail
	for _, a := range m.appointments {
		if a.Status.Occupying() && !a.VisitDate.After(until) {
			out = append(out, m.detail(*a))
		}
	}
	return out, nil
}

func (m *memStore) InsertEvent(_ context.Context, ev AppointmentEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *memStore) InTransaction(_ context.Context, fn func(Store) error) error {
	return fn(m)
}

// -- In-memory locker --

type memLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newMemLocker() *memLocker {
	return &memLocker{locks: make(map[string]*sync.Mutex)}
}

func (l *memLocker) WithSlotLock(ctx context.Context, doctorID uuid.UUID, date time.Time, slot string, fn func(context.Context) error) error {
	key := fmt.Sprintf("%s:%s:%s", doctorID, date.Format("2006-01-02"), slot)
	l.mu.Lock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	l.mu.Unlock()

	m.Lock()
	defer m.Unlock()
	return fn(ctx)
}

// -- Fixtures --

type fixture struct {
	svc    *Service
	store  *memStore
	doctor *Doctor

	patientPrincipal directory.Principal
	doctorPrincipal  directory.Principal
	adminPrincipal   directory.Principal
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := newMemStore()
	svc := NewService(store, newMemLocker(), zap.NewNop())

	doctorUser := uuid.New()
	doctor, err := store.CreateDoctor(context.Background(), Doctor{
		UserID:         &doctorUser,
		Name:           "Dr. A",
		Specialization: "General Practice",
	})
	if err != nil {
		t.Fatalf("create doctor: %v", err)
	}

	return &fixture{
		svc:    svc,
		store:  store,
		doctor: doctor,
		patientPrincipal: directory.Principal{
			ID:    uuid.New(),
			Name:  "Pat Example",
			Phone: "555-0100",
			Roles: []string{directory.RolePatient},
		},
		doctorPrincipal: directory.Principal{
			ID:    doctorUser,
			Name:  "Dr. A",
			Roles: []string{directory.RoleDoctor},
		},
		adminPrincipal: directory.Principal{
			ID:    uuid.New(),
			Name:  "Admin",
			Roles: []string{directory.RoleAdmin},
		},
	}
}

func tomorrow() time.Time {
	return Today().AddDate(0, 0, 1)
}

// -- Booking --

func TestBookCreatesPendingAppointment(t *testing.T) {
	f := newFixture(t)

	appt, err := f.svc.Book(context.Background(), f.patientPrincipal, f.doctor.ID, tomorrow(), "09:00", "  knee pain  ")
	if err != nil {
		t.Fatalf("Book: %v", err)
	}

	if appt.Status != StatusPending {
		t.Errorf("status = %s, want pending", appt.Status)
	}
	if appt.VisitTime != "09:00" {
		t.Errorf("time = %s, want 09:00", appt.VisitTime)
	}
	if appt.Notes != "knee pain" {
		t.Errorf("notes = %q, want trimmed", appt.Notes)
	}

	// first booking auto-provisions the patient profile
	p, err := f.store.GetPatientByUserID(context.Background(), f.patientPrincipal.ID)
	if err != nil {
		t.Fatalf("auto-provisioned patient missing: %v", err)
	}
	if p.Name != "Pat Example" || p.Age != 0 || p.Address != "Not provided" {
		t.Errorf("unexpected placeholder profile: %+v", p)
	}
	if appt.PatientID != p.ID {
		t.Errorf("appointment not linked to provisioned patient")
	}
}

func TestBookSlotConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Book(ctx, f.patientPrincipal, f.doctor.ID, tomorrow(), "09:00", ""); err != nil {
		t.Fatalf("first booking: %v", err)
	}

	second := directory.Principal{ID: uuid.New(), Name: "Other", Roles: []string{directory.RolePatient}}
	_, err := f.svc.Book(ctx, second, f.doctor.ID, tomorrow(), "09:00", "")
	if !errors.Is(err, ErrSlotConflict) {
		t.Fatalf("err = %v, want ErrSlotConflict", err)
	}

	// the loser's auto-provisioned profile survives and is reused
	p, err := f.store.GetPatientByUserID(ctx, second.ID)
	if err != nil {
		t.Fatalf("provisioned profile should persist after conflict: %v", err)
	}

	appt, err := f.svc.Book(ctx, second, f.doctor.ID, tomorrow(), "09:30", "")
	if err != nil {
		t.Fatalf("retry on free slot: %v", err)
	}
	if appt.PatientID != p.ID {
		t.Errorf("retry created a second profile")
	}
}

func TestBookPastDate(t *testing.T) {
	f := newFixture(t)

	yesterday := Today().AddDate(0, 0, -1)
	_, err := f.svc.Book(context.Background(), f.patientPrincipal, f.doctor.ID, yesterday, "09:00", "")
	if !errors.Is(err, ErrPastDate) {
		t.Fatalf("err = %v, want ErrPastDate", err)
	}
	if n, _ := f.store.CountOccupyingForDoctor(context.Background(), f.doctor.ID); n != 0 {
		t.Errorf("no row should be inserted on past-date rejection")
	}
}

func TestBookInactiveDoctor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.store.SetDoctorActive(ctx, f.doctor.ID, false); err != nil {
		t.Fatal(err)
	}

	_, err := f.svc.Book(ctx, f.patientPrincipal, f.doctor.ID, tomorrow(), "09:00", "")
	if !errors.Is(err, ErrDoctorUnavailable) {
		t.Fatalf("err = %v, want ErrDoctorUnavailable", err)
	}
}

func TestBookUnknownDoctor(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Book(context.Background(), f.patientPrincipal, uuid.New(), tomorrow(), "09:00", "")
	if !errors.Is(err, ErrDoctorUnavailable) {
		t.Fatalf("err = %v, want ErrDoctorUnavailable", err)
	}
}

func TestBookInvalidSlot(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Book(context.Background(), f.patientPrincipal, f.doctor.ID, tomorrow(), "09:15", "")
	if !errors.Is(err, ErrInvalidSlot) {
		t.Fatalf("err = %v, want ErrInvalidSlot", err)
	}
}

func TestConcurrentBookingSingleWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const attempts = 16
	var wg sync.WaitGroup
	results := make(chan error, attempts)

	for i := 0; i < attempts; i++ {
		principal := directory.Principal{ID: uuid.New(), Name: fmt.Sprintf("p%d", i), Roles: []string{directory.RolePatient}}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Book(ctx, principal, f.doctor.ID, tomorrow(), "10:00", "")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var wins, conflicts int
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrSlotConflict):
			conflicts++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}

	if wins != 1 {
		t.Errorf("wins = %d, want exactly 1", wins)
	}
	if conflicts != attempts-1 {
		t.Errorf("conflicts = %d, want %d", conflicts, attempts-1)
	}
}

// -- Availability --

func TestAvailabilityComplement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, slot := range []string{"09:00", "12:30", "17:00"} {
		principal := directory.Principal{ID: uuid.New(), Name: "p", Roles: []string{directory.RolePatient}}
		if _, err := f.svc.Book(ctx, principal, f.doctor.ID, tomorrow(), slot, ""); err != nil {
			t.Fatalf("book %s: %v", slot, err)
		}
	}

	name, free, err := f.svc.Availability(ctx, f.doctor.ID, tomorrow())
	if err != nil {
		t.Fatalf("Availability: %v", err)
	}
	if name != "Dr. A" {
		t.Errorf("doctor name = %q", name)
	}
	if len(free) != 14 {
		t.Fatalf("free = %d slots, want 14", len(free))
	}

	freeSet := make(map[string]bool, len(free))
	for _, s := range free {
		freeSet[s] = true
	}
	for _, booked := range []string{"09:00", "12:30", "17:00"} {
		if freeSet[booked] {
			t.Errorf("booked slot %s still reported free", booked)
		}
	}
	// union covers the calendar
	for _, s := range DaySlots() {
		if !freeSet[s] && s != "09:00" && s != "12:30" && s != "17:00" {
			t.Errorf("slot %s missing from both sets", s)
		}
	}
}

func TestAvailabilityIgnoresCancelled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	appt, err := f.svc.Book(ctx, f.patientPrincipal, f.doctor.ID, tomorrow(), "09:00", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Cancel(ctx, f.patientPrincipal, appt.ID); err != nil {
		t.Fatal(err)
	}

	_, free, err := f.svc.Availability(ctx, f.doctor.ID, tomorrow())
	if err != nil {
		t.Fatal(err)
	}
	if len(free) != 17 {
		t.Errorf("free = %d slots, want all 17 after cancel", len(free))
	}
}

func TestAvailabilityPastDate(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.svc.Availability(context.Background(), f.doctor.ID, Today().AddDate(0, 0, -1))
	if !errors.Is(err, ErrInvalidDate) {
		t.Fatalf("err = %v, want ErrInvalidDate", err)
	}
}

// -- Reschedule --

func TestRescheduleFreesOldSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	appt, err := f.svc.Book(ctx, f.patientPrincipal, f.doctor.ID, tomorrow(), "09:00", "")
	if err != nil {
		t.Fatal(err)
	}

	second := directory.Principal{ID: uuid.New(), Name: "Other", Roles: []string{directory.RolePatient}}
	if _, err := f.svc.Book(ctx, second, f.doctor.ID, tomorrow(), "09:00", ""); !errors.Is(err, ErrSlotConflict) {
		t.Fatalf("second booking err = %v, want conflict", err)
	}

	moved, err := f.svc.Reschedule(ctx, f.patientPrincipal, appt.ID, tomorrow(), "09:30")
	if err != nil {
		t.Fatalf("Reschedule: %v", err)
	}
	if moved.Status != StatusPending {
		t.Errorf("status after reschedule = %s, want pending", moved.Status)
	}
	if moved.VisitTime != "09:30" {
		t.Errorf("time = %s, want 09:30", moved.VisitTime)
	}

	// 09:00 is free again
	if _, err := f.svc.Book(ctx, second, f.doctor.ID, tomorrow(), "09:00", ""); err != nil {
		t.Fatalf("09:00 should be free after reschedule: %v", err)
	}
}

func TestRescheduleResetsConfirmedToPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	appt, err := f.svc.Book(ctx, f.patientPrincipal, f.doctor.ID, tomorrow(), "09:00", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.SetStatus(ctx, f.doctorPrincipal, appt.ID, StatusConfirmed); err != nil {
		t.Fatal(err)
	}

	moved, err := f.svc.Reschedule(ctx, f.patientPrincipal, appt.ID, tomorrow(), "10:00")
	if err != nil {
		t.Fatal(err)
	}
	if moved.Status != StatusPending {
		t.Errorf("status = %s, want pending reset", moved.Status)
	}
}

func TestRescheduleTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	appt, err := f.svc.Book(ctx, f.patientPrincipal, f.doctor.ID, tomorrow(), "09:00", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Cancel(ctx, f.patientPrincipal, appt.ID); err != nil {
		t.Fatal(err)
	}

	_, err = f.svc.Reschedule(ctx, f.patientPrincipal, appt.ID, tomorrow(), "10:00")
	if !errors.Is(err, ErrTerminalState) {
		t.Fatalf("err = %v, want ErrTerminalState", err)
	}
}

func TestReschedulePastDate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	appt, err := f.svc.Book(ctx, f.patientPrincipal, f.doctor.ID, tomorrow(), "09:00", "")
	if err != nil {
		t.Fatal(err)
	}

	_, err = f.svc.Reschedule(ctx, f.patientPrincipal, appt.ID, Today().AddDate(0, 0, -1), "10:00")
	if !errors.Is(err, ErrPastDate) {
		t.Fatalf("err = %v, want ErrPastDate", err)
	}
}

func TestRescheduleConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	appt, err := f.svc.Book(ctx, f.patientPrincipal, f.doctor.ID, tomorrow(), "09:00", "")
	if err != nil {
		t.Fatal(err)
	}
	second := directory.Principal{ID: uuid.New(), Name: "Other", Roles: []string{directory.RolePatient}}
	if _, err := f.svc.Book(ctx, second, f.doctor.ID, tomorrow(), "09:30", ""); err != nil {
		t.Fatal(err)
	}

	_, err = f.svc.Reschedule(ctx, f.patientPrincipal, appt.ID, tomorrow(), "09:30")
	if !errors.Is(err, ErrSlotConflict) {
		t.Fatalf("err = %v, want ErrSlotConflict", err)
	}
}

func TestRescheduleNotOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	appt, err := f.svc.Book(ctx, f.patientPrincipal, f.doctor.ID, tomorrow(), "09:00", "")
	if err != nil {
		t.Fatal(err)
	}

	stranger := directory.Principal{ID: uuid.New(), Name: "Stranger", Roles: []string{directory.RolePatient}}
	if _, err := f.svc.Book(ctx, stranger, f.doctor.ID, tomorrow(), "11:00", ""); err != nil {
		t.Fatal(err) // gives the stranger a profile of their own
	}

	_, err = f.svc.Reschedule(ctx, stranger, appt.ID, tomorrow(), "10:00")
	if !errors.Is(err, ErrAppointmentNotFound) {
		t.Fatalf("err = %v, want ErrAppointmentNotFound for foreign appointment", err)
	}
}

// -- Cancel --

func TestCancelIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	appt, err := f.svc.Book(ctx, f.patientPrincipal, f.doctor.ID, tomorrow(), "09:00", "")
	if err != nil {
		t.Fatal(err)
	}

	already, err := f.svc.Cancel(ctx, f.patientPrincipal, appt.ID)
	if err != nil || already {
		t.Fatalf("first cancel: already=%v err=%v", already, err)
	}

	for i := 0; i < 2; i++ {
		already, err = f.svc.Cancel(ctx, f.patientPrincipal, appt.ID)
		if err != nil {
			t.Fatalf("repeat cancel %d: %v", i, err)
		}
		if !already {
			t.Errorf("repeat cancel %d: already=false, want true", i)
		}
	}

	got, err := f.store.GetAppointmentByID(ctx, appt.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
}

func TestCancelPastDate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	appt, err := f.svc.Book(ctx, f.patientPrincipal, f.doctor.ID, tomorrow(), "09:00", "")
	if err != nil {
		t.Fatal(err)
	}

	// the visit date has passed before anyone cancelled
	f.store.mu.Lock()
	f.store.appointments[appt.ID].VisitDate = Today().AddDate(0, 0, -1)
	f.store.mu.Unlock()

	already, err := f.svc.Cancel(ctx, f.patientPrincipal, appt.ID)
	if !errors.Is(err, ErrPastDate) {
		t.Fatalf("err = %v, want ErrPastDate", err)
	}
	if already {
		t.Error("already = true, want false")
	}

	got, err := f.store.GetAppointmentByID(ctx, appt.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusPending {
		t.Errorf("status = %s, want pending left untouched", got.Status)
	}
}

func TestCancelCompleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	appt, err := f.svc.Book(ctx, f.patientPrincipal, f.doctor.ID, tomorrow(), "09:00", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.SetStatus(ctx, f.adminPrincipal, appt.ID, StatusCompleted); err != nil {
		t.Fatal(err)
	}

	_, err = f.svc.Cancel(ctx, f.patientPrincipal, appt.ID)
	if !errors.Is(err, ErrCompleted) {
		t.Fatalf("err = %v, want ErrCompleted", err)
	}
}

// -- SetStatus --

func TestSetStatusInvalid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	appt, err := f.svc.Book(ctx, f.patientPrincipal, f.doctor.ID, tomorrow(), "09:00", "")
	if err != nil {
		t.Fatal(err)
	}

	_, err = f.svc.SetStatus(ctx, f.adminPrincipal, appt.ID, AppointmentStatus("archived"))
	if !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("err = %v, want ErrInvalidStatus", err)
	}
}

func TestSetStatusTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	appt, err := f.svc.Book(ctx, f.patientPrincipal, f.doctor.ID, tomorrow(), "09:00", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.SetStatus(ctx, f.adminPrincipal, appt.ID, StatusCompleted); err != nil {
		t.Fatal(err)
	}

	_, err = f.svc.SetStatus(ctx, f.adminPrincipal, appt.ID, StatusPending)
	if !errors.Is(err, ErrTerminalState) {
		t.Fatalf("err = %v, want ErrTerminalState", err)
	}
}

func TestSetStatusRoleScope(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	appt, err := f.svc.Book(ctx, f.patientPrincipal, f.doctor.ID, tomorrow(), "09:00", "")
	if err != nil {
		t.Fatal(err)
	}

	// patients may not set status at all
	if _, err := f.svc.SetStatus(ctx, f.patientPrincipal, appt.ID, StatusConfirmed); !errors.Is(err, ErrAccessDenied) {
		t.Errorf("patient SetStatus err = %v, want ErrAccessDenied", err)
	}

	// another doctor may not touch this queue
	otherUser := uuid.New()
	if _, err := f.store.CreateDoctor(ctx, Doctor{UserID: &otherUser, Name: "Dr. B"}); err != nil {
		t.Fatal(err)
	}
	otherDoctor := directory.Principal{ID: otherUser, Roles: []string{directory.RoleDoctor}}
	if _, err := f.svc.SetStatus(ctx, otherDoctor, appt.ID, StatusConfirmed); !errors.Is(err, ErrAppointmentNotFound) {
		t.Errorf("foreign doctor SetStatus err = %v, want ErrAppointmentNotFound", err)
	}

	// the assigned doctor may
	updated, err := f.svc.SetStatus(ctx, f.doctorPrincipal, appt.ID, StatusConfirmed)
	if err != nil {
		t.Fatalf("assigned doctor SetStatus: %v", err)
	}
	if updated.Status != StatusConfirmed {
		t.Errorf("status = %s, want confirmed", updated.Status)
	}
}

// -- Admin lifecycle --

func TestRemoveDoctorSoftWhenBooked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Book(ctx, f.patientPrincipal, f.doctor.ID, tomorrow(), "09:00", ""); err != nil {
		t.Fatal(err)
	}

	soft, err := f.svc.RemoveDoctor(ctx, f.adminPrincipal, f.doctor.ID)
	if err != nil {
		t.Fatalf("RemoveDoctor: %v", err)
	}
	if !soft {
		t.Fatal("expected soft delete while live appointments exist")
	}

	d, err := f.store.GetDoctorByID(ctx, f.doctor.ID)
	if err != nil {
		t.Fatal(err)
	}
	if d.Active {
		t.Error("doctor should be inactive after soft delete")
	}

	// inactive doctor takes no new bookings
	p2 := directory.Principal{ID: uuid.New(), Name: "p2", Roles: []string{directory.RolePatient}}
	if _, err := f.svc.Book(ctx, p2, f.doctor.ID, tomorrow(), "10:00", ""); !errors.Is(err, ErrDoctorUnavailable) {
		t.Errorf("booking inactive doctor err = %v, want ErrDoctorUnavailable", err)
	}
}

func TestRemoveDoctorHardWhenIdle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	soft, err := f.svc.RemoveDoctor(ctx, f.adminPrincipal, f.doctor.ID)
	if err != nil {
		t.Fatal(err)
	}
	if soft {
		t.Error("expected hard delete with no appointments")
	}
	if _, err := f.store.GetDoctorByID(ctx, f.doctor.ID); !errors.Is(err, ErrDoctorNotFound) {
		t.Errorf("doctor should be gone, err = %v", err)
	}
}

func TestRemoveDoctorRequiresAdmin(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.RemoveDoctor(context.Background(), f.patientPrincipal, f.doctor.ID)
	if !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("err = %v, want ErrAccessDenied", err)
	}
}

func TestRemovePatientBlockedWhileReferenced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	appt, err := f.svc.Book(ctx, f.patientPrincipal, f.doctor.ID, tomorrow(), "09:00", "")
	if err != nil {
		t.Fatal(err)
	}

	err = f.svc.RemovePatient(ctx, f.adminPrincipal, appt.PatientID)
	if !errors.Is(err, ErrPatientInUse) {
		t.Fatalf("err = %v, want ErrPatientInUse", err)
	}
}
