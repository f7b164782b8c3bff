package pkg

import "time"

// Role describes which party a connection or notification belongs to.  The
// human appointment chat has exactly two roles; the intake chat binds a
// single user and talks to the automated responder.
type Role string

const (
	RoleUser      Role = "user"
	RoleTherapist Role = "therapist"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleTherapist
}

// Counterpart returns the other role of a two-party appointment chat.
func (r Role) Counterpart() Role {
	if r == RoleTherapist {
		return RoleUser
	}
	return RoleTherapist
}

// AppointmentStatus is the lifecycle state of an appointment session.  The
// only legal direction is scheduled -> active -> completed.
type AppointmentStatus string

const (
	StatusScheduled AppointmentStatus = "scheduled"
	StatusActive    AppointmentStatus = "active"
	StatusCompleted AppointmentStatus = "completed"
)

// CreatedFrom records whether an appointment was booked by a person or by the
// automated intake assistant.  The automated value is stored as "ai".
type CreatedFrom string

const (
	CreatedManual    CreatedFrom = "manual"
	CreatedAutomated CreatedFrom = "ai"
)

// Appointment is the record a human chat session is scoped to.  It is owned
// by the appointment store; the chat core only reads it and advances Status.
type Appointment struct {
	ID            string            `json:"id"`
	UserName      string            `json:"user_name"`
	TherapistName *string           `json:"therapist_name"`
	Status        AppointmentStatus `json:"status"`
	CreatedFrom   CreatedFrom       `json:"created_from"`
	CreatedAt     time.Time         `json:"created_at"`
}

// Notification is a durable, poll-delivered message for a party that may not
// be connected.  IsRead only ever flips from false to true.
type Notification struct {
	ID            string    `json:"id"`
	RecipientRole Role      `json:"recipient_role"`
	RecipientName string    `json:"recipient_name"`
	Title         string    `json:"title"`
	Message       string    `json:"message"`
	IsRead        bool      `json:"is_read"`
	CreatedAt     time.Time `json:"created_at"`
}

// Message is an appointment chat message as kept by the transcript store.
type Message struct {
	ID            string    `json:"id"`
	AppointmentID string    `json:"appointment_id"`
	Sender        Role      `json:"sender"`
	Content       string    `json:"content"`
	Timestamp     time.Time `json:"timestamp"`
}

// SessionNote holds the therapist's notes for one appointment.
type SessionNote struct {
	ID            string    `json:"id"`
	AppointmentID string    `json:"appointment_id"`
	TherapistName string    `json:"therapist_name"`
	Notes         string    `json:"notes"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// FrameType discriminates outbound channel frames.
type FrameType string

const (
	FrameMessage           FrameType = "message"
	FrameSystem            FrameType = "system"
	FrameSessionEnded      FrameType = "SESSION_ENDED"
	FrameError             FrameType = "error"
	FrameAIMessage         FrameType = "ai_message"
	FrameUserMessage       FrameType = "user_message"
	FrameAppointmentBooked FrameType = "APPOINTMENT_BOOKED"
)

// Frame is a single outbound message on either chat channel.  Only the
// fields relevant to Type are populated.
type Frame struct {
	Type          FrameType `json:"type"`
	Sender        Role      `json:"sender,omitempty"`
	Content       string    `json:"content,omitempty"`
	Message       string    `json:"message,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	AppointmentID string    `json:"appointment_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// AppointmentInbound is a frame sent by a client on the appointment chat.
// Type is empty for ordinary messages and "END_SESSION" for the therapist's
// end request.
type AppointmentInbound struct {
	Type    string `json:"type,omitempty"`
	Content string `json:"content"`
}

// IntakeInbound is a frame sent by a client on the intake chat.
type IntakeInbound struct {
	Content  string `json:"content"`
	UserName string `json:"user_name"`
}

// AppointmentCreate is the request body for booking an appointment by hand.
type AppointmentCreate struct {
	UserName      string  `json:"user_name"`
	TherapistName *string `json:"therapist_name,omitempty"`
	CreatedFrom   string  `json:"created_from,omitempty"`
}

// SessionNoteWrite is the request body for creating or updating notes.
type SessionNoteWrite struct {
	TherapistName string `json:"therapist_name"`
	Notes         string `json:"notes"`
}
