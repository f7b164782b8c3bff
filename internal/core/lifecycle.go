package core

import "therapy-booking/pkg"

// rank orders the appointment states; unknown states rank below scheduled.
func rank(s pkg.AppointmentStatus) int {
	switch s {
	case pkg.StatusScheduled:
		return 1
	case pkg.StatusActive:
		return 2
	case pkg.StatusCompleted:
		return 3
	default:
		return 0
	}
}

// CanAdvance reports whether from -> to moves the lifecycle forward.
// Staying in the same state is not an advance.
func CanAdvance(from, to pkg.AppointmentStatus) bool {
	return rank(to) > rank(from)
}

// Merge returns the later of two observed states, so a stale read can never
// move a session backward.
func Merge(current, observed pkg.AppointmentStatus) pkg.AppointmentStatus {
	if CanAdvance(current, observed) {
		return observed
	}
	return current
}

// AcceptsMessages reports whether participants may still send in status s.
// Scheduled is allowed so the opening exchange can happen before activation.
func AcceptsMessages(s pkg.AppointmentStatus) bool {
	return s == pkg.StatusScheduled || s == pkg.StatusActive
}
