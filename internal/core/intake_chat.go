package core

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"therapy-booking/internal/llm"
	"therapy-booking/pkg"
)

// intakeState is the ephemeral state of one intake conversation.
type intakeState int

const (
	intakeIdle intakeState = iota
	intakeBooked
)

type intakeSession struct {
	state         intakeState
	appointmentID string
	history       []llm.Message
}

// IntakeChat routes a single user's messages to the automated responder.  It
// has its own registry and lock table and never touches appointment chat
// connections, even when identifiers collide.
type IntakeChat struct {
	registry     *Registry
	locks        *keyedMutex
	responder    Responder
	scheduler    *Scheduler
	historyLimit int
	log          zerolog.Logger
	now          func() time.Time

	mu       sync.Mutex
	sessions map[string]*intakeSession
}

// IntakeChatOption configures an IntakeChat.
type IntakeChatOption func(*IntakeChat)

// WithHistoryLimit bounds the number of turns handed to the responder.
func WithHistoryLimit(n int) IntakeChatOption {
	return func(c *IntakeChat) {
		if n > 0 {
			c.historyLimit = n
		}
	}
}

// WithIntakeClock overrides time.Now, for tests.
func WithIntakeClock(now func() time.Time) IntakeChatOption {
	return func(c *IntakeChat) { c.now = now }
}

// NewIntakeChat constructs the automated intake router.
func NewIntakeChat(responder Responder, scheduler *Scheduler, logger zerolog.Logger, opts ...IntakeChatOption) *IntakeChat {
	logger = logger.With().Str("component", "intake-chat").Logger()
	c := &IntakeChat{
		registry:     NewRegistry(logger),
		locks:        newKeyedMutex(),
		responder:    responder,
		scheduler:    scheduler,
		historyLimit: 20,
		log:          logger,
		now:          time.Now,
		sessions:     make(map[string]*intakeSession),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Registry exposes the router's connection registry.
func (c *IntakeChat) Registry() *Registry { return c.registry }

// Connect binds ep for sessionID and sends the welcome message.  Presence is
// never announced on this channel.  A superseding connection keeps the
// conversation state, so a booked session stays booked.
func (c *IntakeChat) Connect(sessionID string, ep Endpoint) error {
	if strings.TrimSpace(sessionID) == "" {
		return reject(ReasonUnknownSession, "empty intake session id")
	}
	unlock := c.locks.Lock(sessionID)
	defer unlock()

	prior := c.registry.Bind(sessionID, pkg.RoleUser, ep)
	c.mu.Lock()
	if c.sessions[sessionID] == nil {
		c.sessions[sessionID] = &intakeSession{state: intakeIdle}
	}
	c.mu.Unlock()

	c.log.Info().Str("session_id", sessionID).Bool("superseded", prior != nil).Msg("intake connection bound")
	_ = ep.Deliver(c.frame(pkg.FrameAIMessage, WelcomeMessage))
	return nil
}

// Disconnect releases ep; when it was canonical the conversation state is
// discarded.
func (c *IntakeChat) Disconnect(sessionID string, ep Endpoint) {
	unlock := c.locks.Lock(sessionID)
	defer unlock()

	if !c.registry.Release(sessionID, pkg.RoleUser, ep) {
		return
	}
	c.mu.Lock()
	delete(c.sessions, sessionID)
	c.mu.Unlock()
	c.log.Info().Str("session_id", sessionID).Msg("intake connection released")
}

// Send accepts one user message: it is echoed as user_message to the bound
// connection, then answered by the responder or turned into a booking.
func (c *IntakeChat) Send(ctx context.Context, sessionID, userName, content string) error {
	unlock := c.locks.Lock(sessionID)
	defer unlock()

	c.mu.Lock()
	sess := c.sessions[sessionID]
	c.mu.Unlock()
	if sess == nil {
		return reject(ReasonUnknownSession, "intake session %s", sessionID)
	}
	if strings.TrimSpace(content) == "" {
		return ErrEmptyMessage
	}
	userName = strings.TrimSpace(userName)
	if userName == "" {
		userName = "Anonymous"
	}

	c.emit(sessionID, c.frame(pkg.FrameUserMessage, content))

	if sess.state == intakeBooked {
		c.emit(sessionID, c.frame(pkg.FrameAIMessage, AlreadyBookedMessage))
		return nil
	}

	reply, err := c.responder.Respond(ctx, IntakeTurn{
		SessionID: sessionID,
		UserName:  userName,
		Content:   content,
		History:   append([]llm.Message(nil), sess.history...),
	})
	if err != nil {
		c.log.Warn().Err(err).Str("session_id", sessionID).Msg("responder failed, using fallback")
		if reply.Content == "" {
			reply.Content = FallbackReply
		}
	}

	if reply.Book {
		appt, err := c.scheduler.Book(ctx, userName, nil, pkg.CreatedAutomated)
		if err != nil {
			c.log.Error().Err(err).Str("session_id", sessionID).Msg("intake booking failed")
			c.emit(sessionID, c.frame(pkg.FrameAIMessage, BookingFailedMessage))
			return nil
		}
		sess.state = intakeBooked
		sess.appointmentID = appt.ID
		c.remember(sess, content, BookedMessage)

		booked := c.frame(pkg.FrameAppointmentBooked, BookedMessage)
		booked.AppointmentID = appt.ID
		c.emit(sessionID, booked)
		return nil
	}

	c.remember(sess, content, reply.Content)
	c.emit(sessionID, c.frame(pkg.FrameAIMessage, reply.Content))
	return nil
}

// BookedAppointment returns the appointment created in sessionID, if any.
func (c *IntakeChat) BookedAppointment(sessionID string) (string, bool) {
	unlock := c.locks.Lock(sessionID)
	defer unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	sess := c.sessions[sessionID]
	if sess == nil || sess.state != intakeBooked {
		return "", false
	}
	return sess.appointmentID, true
}

// remember appends one exchange to the history handed to the responder.
// Called with the session lock held.
func (c *IntakeChat) remember(sess *intakeSession, user, assistant string) {
	sess.history = append(sess.history,
		llm.Message{Role: llm.RoleUser, Content: user},
		llm.Message{Role: llm.RoleAssistant, Content: assistant},
	)
	if over := len(sess.history) - c.historyLimit; over > 0 {
		sess.history = append([]llm.Message(nil), sess.history[over:]...)
	}
}

func (c *IntakeChat) emit(sessionID string, frame pkg.Frame) int {
	return c.registry.Broadcast(sessionID, frame)
}

func (c *IntakeChat) frame(t pkg.FrameType, content string) pkg.Frame {
	return pkg.Frame{Type: t, Content: content, Timestamp: c.now().UTC()}
}
