package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"therapy-booking/pkg"
)

// AllTherapists is the recipient name used for notifications addressed to the
// whole therapist pool.
const AllTherapists = "All Therapists"

// Scheduler books appointments and tells both sides about it.  Manual
// bookings and bookings made by the intake assistant differ only in the
// notification wording.
type Scheduler struct {
	Store    AppointmentStore
	Notifier Publisher
	log      zerolog.Logger
	now      func() time.Time
}

// NewScheduler constructs a Scheduler.
func NewScheduler(store AppointmentStore, notifier Publisher, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		Store:    store,
		Notifier: notifier,
		log:      logger.With().Str("component", "scheduler").Logger(),
		now:      time.Now,
	}
}

// Book creates a scheduled appointment for userName.  Notification failures
// are logged; the appointment stands regardless.
func (s *Scheduler) Book(ctx context.Context, userName string, therapistName *string, from pkg.CreatedFrom) (*pkg.Appointment, error) {
	userName = strings.TrimSpace(userName)
	if userName == "" {
		return nil, errors.New("user name is required")
	}
	if from != pkg.CreatedAutomated {
		from = pkg.CreatedManual
	}
	a := &pkg.Appointment{
		ID:            uuid.NewString(),
		UserName:      userName,
		TherapistName: therapistName,
		Status:        pkg.StatusScheduled,
		CreatedFrom:   from,
		CreatedAt:     s.now().UTC(),
	}
	if err := s.Store.CreateAppointment(ctx, a); err != nil {
		return nil, errors.Wrap(err, "create appointment")
	}
	s.log.Info().Str("appointment_id", a.ID).Str("user_name", userName).Str("created_from", string(from)).Msg("appointment booked")

	if from == pkg.CreatedAutomated {
		s.notify(ctx, pkg.RoleUser, userName, "Appointment Created",
			"Your appointment has been created by AI assistant. A therapist will join soon.")
		s.notify(ctx, pkg.RoleTherapist, AllTherapists, "New AI Appointment",
			fmt.Sprintf("AI created appointment for %s", userName))
		return a, nil
	}
	s.notify(ctx, pkg.RoleUser, userName, "Appointment Scheduled",
		fmt.Sprintf("Your appointment has been scheduled successfully. ID: %s", shortID(a.ID)))
	s.notify(ctx, pkg.RoleTherapist, AllTherapists, "New Appointment",
		fmt.Sprintf("New appointment from %s", userName))
	return a, nil
}

func (s *Scheduler) notify(ctx context.Context, role pkg.Role, name, title, message string) {
	if s.Notifier == nil {
		return
	}
	if _, err := s.Notifier.Publish(ctx, role, name, title, message); err != nil {
		s.log.Error().Err(err).Str("title", title).Msg("failed to publish notification")
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
