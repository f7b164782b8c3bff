package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"therapy-booking/pkg"
)

// Texts of the system frames and notifications emitted by the appointment chat.
const (
	SessionEndedMessage = "The therapist has ended the session."
	SessionClosedNotice = "Cannot send messages - session has ended"
	SessionActiveNotice = "The session is now active"
)

// Delivery describes an accepted message.
type Delivery struct {
	Frame      pkg.Frame
	Recipients int
}

// apptSession caches the lifecycle state of a session that has at least one
// bound connection.
type apptSession struct {
	userName string
	status   pkg.AppointmentStatus
}

// AppointmentChat routes messages between the user and the therapist of one
// appointment.  It is the sole serialization point per session: bind, send
// and end for the same appointment run under one per-session lock.
type AppointmentChat struct {
	registry   *Registry
	locks      *keyedMutex
	store      AppointmentStore
	notifier   Publisher
	transcript TranscriptSink
	log        zerolog.Logger
	now        func() time.Time

	mu       sync.Mutex
	sessions map[string]*apptSession
}

// AppointmentChatOption configures an AppointmentChat.
type AppointmentChatOption func(*AppointmentChat)

// WithTranscript mirrors accepted messages into sink.
func WithTranscript(sink TranscriptSink) AppointmentChatOption {
	return func(c *AppointmentChat) { c.transcript = sink }
}

// WithAppointmentClock overrides time.Now, for tests.
func WithAppointmentClock(now func() time.Time) AppointmentChatOption {
	return func(c *AppointmentChat) { c.now = now }
}

// NewAppointmentChat constructs the human-to-human router with its own
// registry.
func NewAppointmentChat(store AppointmentStore, notifier Publisher, logger zerolog.Logger, opts ...AppointmentChatOption) *AppointmentChat {
	logger = logger.With().Str("component", "appointment-chat").Logger()
	c := &AppointmentChat{
		registry: NewRegistry(logger),
		locks:    newKeyedMutex(),
		store:    store,
		notifier: notifier,
		log:      logger,
		now:      time.Now,
		sessions: make(map[string]*apptSession),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Registry exposes the router's connection registry.
func (c *AppointmentChat) Registry() *Registry { return c.registry }

// Connect binds ep as the caller's canonical connection for the appointment.
// A previous connection for the same role is closed without announcing a
// departure.  The connecting client gets a confirmation and, if the session
// has already ended, the terminal notice; it never gets a message backlog.
func (c *AppointmentChat) Connect(ctx context.Context, appointmentID string, caller Caller, ep Endpoint) (*pkg.Appointment, error) {
	if !caller.Role.Valid() {
		return nil, reject(ReasonNotPermitted, "invalid role %q", caller.Role)
	}
	unlock := c.locks.Lock(appointmentID)
	defer unlock()

	appt, err := c.store.GetAppointment(ctx, appointmentID)
	if err != nil {
		return nil, errors.Wrapf(err, "load appointment %s", appointmentID)
	}
	if appt == nil {
		return nil, reject(ReasonUnknownSession, "appointment %s", appointmentID)
	}

	c.mu.Lock()
	sess := c.sessions[appointmentID]
	if sess == nil {
		sess = &apptSession{userName: appt.UserName, status: appt.Status}
		c.sessions[appointmentID] = sess
	} else {
		sess.status = Merge(sess.status, appt.Status)
	}
	status := sess.status
	c.mu.Unlock()
	appt.Status = status

	prior := c.registry.Bind(appointmentID, caller.Role, ep)
	log := c.log.With().Str("session_id", appointmentID).Str("role", string(caller.Role)).Logger()
	log.Info().Bool("superseded", prior != nil).Msg("connection bound")

	_ = ep.Deliver(c.systemFrame(fmt.Sprintf("Connected as %s", caller.Role)))
	if status == pkg.StatusCompleted {
		_ = ep.Deliver(c.sessionEndedFrame())
		return appt, nil
	}
	if prior != nil {
		return appt, nil
	}
	c.emit(appointmentID, c.systemFrame(fmt.Sprintf("%s joined the session", caller.Role)), caller.Role)
	if caller.IsTherapist() {
		c.publish(ctx, pkg.RoleUser, appt.UserName, "Therapist Joined", "Your therapist has joined the session")
	}
	return appt, nil
}

// Disconnect releases ep.  If ep was still canonical the remaining party is
// told that the role left.  Calling it for a superseded endpoint is a no-op.
func (c *AppointmentChat) Disconnect(appointmentID string, role pkg.Role, ep Endpoint) {
	unlock := c.locks.Lock(appointmentID)
	defer unlock()

	if !c.registry.Release(appointmentID, role, ep) {
		return
	}
	c.log.Info().Str("session_id", appointmentID).Str("role", string(role)).Msg("connection released")
	if c.registry.Bound(appointmentID) {
		c.emit(appointmentID, c.systemFrame(fmt.Sprintf("%s left the session", role)), role)
		return
	}
	c.mu.Lock()
	delete(c.sessions, appointmentID)
	c.mu.Unlock()
}

// Activate relays the scheduled -> active transition.  The record is
// advanced through the store; an appointment that is already active or
// completed is left alone.
func (c *AppointmentChat) Activate(ctx context.Context, appointmentID string) (pkg.AppointmentStatus, error) {
	unlock := c.locks.Lock(appointmentID)
	defer unlock()

	status, err := c.statusLocked(ctx, appointmentID)
	if err != nil {
		return "", err
	}
	if !CanAdvance(status, pkg.StatusActive) {
		return status, nil
	}
	stored, err := c.store.AdvanceStatus(ctx, appointmentID, pkg.StatusActive)
	if err != nil {
		return status, errors.Wrapf(err, "activate appointment %s", appointmentID)
	}
	status = c.observeLocked(appointmentID, stored)
	if status == pkg.StatusActive {
		c.emit(appointmentID, c.systemFrame(SessionActiveNotice))
	}
	return status, nil
}

// Send validates and routes one participant message to the other bound
// role.  The sender's own connection is not echoed to.
func (c *AppointmentChat) Send(ctx context.Context, appointmentID string, role pkg.Role, content string) (Delivery, error) {
	unlock := c.locks.Lock(appointmentID)
	defer unlock()

	status, err := c.statusLocked(ctx, appointmentID)
	if err != nil {
		return Delivery{}, err
	}
	if !AcceptsMessages(status) {
		return Delivery{}, reject(ReasonSessionClosed, "appointment %s is %s", appointmentID, status)
	}
	if strings.TrimSpace(content) == "" {
		return Delivery{}, ErrEmptyMessage
	}

	frame := pkg.Frame{
		Type:      pkg.FrameMessage,
		Sender:    role,
		Content:   content,
		Timestamp: c.now().UTC(),
	}
	n := c.emit(appointmentID, frame, role)

	if c.transcript != nil {
		msg := &pkg.Message{
			ID:            uuid.NewString(),
			AppointmentID: appointmentID,
			Sender:        role,
			Content:       content,
			Timestamp:     frame.Timestamp,
		}
		if err := c.transcript.AppendMessage(ctx, msg); err != nil {
			c.log.Error().Err(err).Str("session_id", appointmentID).Msg("transcript append failed")
		}
	}
	return Delivery{Frame: frame, Recipients: n}, nil
}

// EndSession completes the appointment and broadcasts SESSION_ENDED to every
// bound connection.  Only a therapist may end a session.  Ending an already
// completed session only repeats the broadcast.
func (c *AppointmentChat) EndSession(ctx context.Context, appointmentID string, caller Caller) error {
	if !caller.IsTherapist() {
		return reject(ReasonNotPermitted, "only a therapist can end a session")
	}
	unlock := c.locks.Lock(appointmentID)
	defer unlock()

	status, err := c.statusLocked(ctx, appointmentID)
	if err != nil {
		return err
	}
	if status != pkg.StatusCompleted {
		stored, err := c.store.AdvanceStatus(ctx, appointmentID, pkg.StatusCompleted)
		if err != nil {
			return errors.Wrapf(err, "end appointment %s", appointmentID)
		}
		c.observeLocked(appointmentID, stored)
		c.log.Info().Str("session_id", appointmentID).Str("therapist", caller.Name).Msg("session ended")

		if userName := c.userNameLocked(ctx, appointmentID); userName != "" {
			c.publish(ctx, pkg.RoleUser, userName, "Session Ended", "Your therapist has ended the session.")
		}
	}
	c.emit(appointmentID, c.sessionEndedFrame())
	return nil
}

// Status returns the router's view of the session status, loading it from
// the store when no connection is bound.
func (c *AppointmentChat) Status(ctx context.Context, appointmentID string) (pkg.AppointmentStatus, error) {
	unlock := c.locks.Lock(appointmentID)
	defer unlock()
	return c.statusLocked(ctx, appointmentID)
}

// statusLocked must be called with the session lock held.
func (c *AppointmentChat) statusLocked(ctx context.Context, appointmentID string) (pkg.AppointmentStatus, error) {
	c.mu.Lock()
	sess := c.sessions[appointmentID]
	c.mu.Unlock()
	if sess != nil {
		return sess.status, nil
	}
	appt, err := c.store.GetAppointment(ctx, appointmentID)
	if err != nil {
		return "", errors.Wrapf(err, "load appointment %s", appointmentID)
	}
	if appt == nil {
		return "", reject(ReasonUnknownSession, "appointment %s", appointmentID)
	}
	return appt.Status, nil
}

func (c *AppointmentChat) observeLocked(appointmentID string, observed pkg.AppointmentStatus) pkg.AppointmentStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess := c.sessions[appointmentID]
	if sess == nil {
		return observed
	}
	sess.status = Merge(sess.status, observed)
	return sess.status
}

func (c *AppointmentChat) userNameLocked(ctx context.Context, appointmentID string) string {
	c.mu.Lock()
	sess := c.sessions[appointmentID]
	c.mu.Unlock()
	if sess != nil {
		return sess.userName
	}
	appt, err := c.store.GetAppointment(ctx, appointmentID)
	if err != nil || appt == nil {
		return ""
	}
	return appt.UserName
}

// emit is the single broadcast primitive for chat, presence and lifecycle
// frames.
func (c *AppointmentChat) emit(appointmentID string, frame pkg.Frame, except ...pkg.Role) int {
	return c.registry.Broadcast(appointmentID, frame, except...)
}

func (c *AppointmentChat) publish(ctx context.Context, role pkg.Role, name, title, message string) {
	if c.notifier == nil {
		return
	}
	if _, err := c.notifier.Publish(ctx, role, name, title, message); err != nil {
		c.log.Error().Err(err).Str("title", title).Msg("failed to publish notification")
	}
}

func (c *AppointmentChat) systemFrame(content string) pkg.Frame {
	return pkg.Frame{Type: pkg.FrameSystem, Content: content, Timestamp: c.now().UTC()}
}

func (c *AppointmentChat) sessionEndedFrame() pkg.Frame {
	return pkg.Frame{Type: pkg.FrameSessionEnded, Message: SessionEndedMessage, Timestamp: c.now().UTC()}
}

// RejectionFrame converts a rejection into the error frame sent back on the
// originating connection.  Empty messages are dropped silently and anything
// that is not a Rejection is not reported in band.
func RejectionFrame(err error, now time.Time) (pkg.Frame, bool) {
	var r *Rejection
	if !errors.As(err, &r) {
		return pkg.Frame{}, false
	}
	frame := pkg.Frame{Type: pkg.FrameError, Reason: string(r.Reason), Timestamp: now.UTC()}
	switch r.Reason {
	case ReasonSessionClosed:
		frame.Message = SessionClosedNotice
	case ReasonNotPermitted, ReasonUnknownSession:
		frame.Message = r.Error()
	default:
		return pkg.Frame{}, false
	}
	return frame, true
}
