package core

import (
	"context"

	"therapy-booking/pkg"
)

// AppointmentStore is the external owner of appointment records.
type AppointmentStore interface {
	// GetAppointment returns nil (not an error) when the id is unknown.
	GetAppointment(ctx context.Context, id string) (*pkg.Appointment, error)

	// CreateAppointment inserts a new record.
	CreateAppointment(ctx context.Context, a *pkg.Appointment) error

	// AdvanceStatus moves the appointment to `to` if that is forward and
	// returns the status now stored.  It never moves a record backward.
	AdvanceStatus(ctx context.Context, id string, to pkg.AppointmentStatus) (pkg.AppointmentStatus, error)
}

// Publisher appends notifications for parties that may be offline.
type Publisher interface {
	Publish(ctx context.Context, role pkg.Role, name, title, message string) (*pkg.Notification, error)
}

// TranscriptSink receives every accepted appointment chat message.  It is an
// optional external transcript store; the router does not read from it.
type TranscriptSink interface {
	AppendMessage(ctx context.Context, m *pkg.Message) error
}

// Caller is the explicit session context a request or connection carries:
// who is acting and in which capacity.
type Caller struct {
	Role pkg.Role
	Name string
}

// IsTherapist reports whether the caller acts as a therapist.
func (c Caller) IsTherapist() bool { return c.Role == pkg.RoleTherapist }
