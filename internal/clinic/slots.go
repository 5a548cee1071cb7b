package clinic

import "time"

// The clinic runs the same visiting hours for every doctor on every day:
// 09:00 through 17:00 inclusive, in 30 minute steps. A per-doctor schedule
// table would replace this if working hours ever become configurable.
const (
	dayStartHour = 9
	dayEndHour   = 17
	slotStep     = 30 * time.Minute
)

// DaySlots returns the ordered bookable time-of-day values for any date,
// formatted "HH:MM". The result is freshly allocated on each call.
func DaySlots() []string {
	start := time.Date(0, 1, 1, dayStartHour, 0, 0, 0, time.UTC)
	end := time.Date(0, 1, 1, dayEndHour, 0, 0, 0, time.UTC)

	var slots []string
	for t := start; !t.After(end); t = t.Add(slotStep) {
		slots = append(slots, t.Format("15:04"))
	}
	return slots
}

// ValidSlot reports whether s is one of the calendar's bookable values.
func ValidSlot(s string) bool {
	for _, slot := range DaySlots() {
		if slot == s {
			return true
		}
	}
	return false
}

// Today returns the current calendar day at midnight UTC, the granularity
// at which past-date checks run.
func Today() time.Time {
	return DateOnly(time.Now())
}

// DateOnly truncates t to its calendar day in UTC.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
