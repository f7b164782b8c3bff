// Package http exposes the chat core over websockets, the notification log
// over REST and server-sent events, and the supporting appointment and notes
// endpoints.
package http

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"therapy-booking/internal/core"
	"therapy-booking/internal/db"
	"therapy-booking/internal/notify"
	"therapy-booking/pkg"
)

// Options holds the transport settings of a Server.
type Options struct {
	AllowedOrigins []string
	PollInterval   time.Duration
	OutboundQueue  int
	EnqueueTimeout time.Duration
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	SSEHeartbeat   time.Duration
}

func (o *Options) applyDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 10 * time.Second
	}
	if o.OutboundQueue <= 0 {
		o.OutboundQueue = 32
	}
	if o.EnqueueTimeout <= 0 {
		o.EnqueueTimeout = 5 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.SSEHeartbeat <= 0 {
		o.SSEHeartbeat = 25 * time.Second
	}
}

// Dependencies are the services a Server routes to.  Drafter may be nil,
// in which case note drafting answers 503.
type Dependencies struct {
	Repo          *db.Repository
	Chat          *core.AppointmentChat
	Intake        *core.IntakeChat
	Scheduler     *core.Scheduler
	Drafter       *core.NoteDrafter
	Notifications *notify.Service
}

// Server bundles together the dependencies required by HTTP handlers.  It
// implements http.Handler so it can be passed to http.Server.
type Server struct {
	Dependencies
	opts     Options
	origins  map[string]bool
	upgrader websocket.Upgrader
	log      zerolog.Logger

	draining  chan struct{}
	drainOnce sync.Once
}

// NewServer constructs a Server.
func NewServer(deps Dependencies, opts Options, logger zerolog.Logger) *Server {
	opts.applyDefaults()
	s := &Server{
		Dependencies: deps,
		opts:         opts,
		origins:      make(map[string]bool, len(opts.AllowedOrigins)),
		log:          logger.With().Str("component", "http").Logger(),
		draining:     make(chan struct{}),
	}
	for _, o := range opts.AllowedOrigins {
		s.origins[strings.TrimRight(o, "/")] = true
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Drain ends every open notification stream and closes every bound
// websocket.  http.Server.Shutdown does not cancel hijacked or long-lived
// requests, so register it with RegisterOnShutdown.
func (s *Server) Drain() {
	s.drainOnce.Do(func() {
		s.log.Info().Msg("draining streams and websockets")
		close(s.draining)
	})
}

// ServeHTTP dispatches incoming requests based on the URL path.  Routing is
// done by hand on the path segments to keep dependencies light.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.handleCORS(w, r) {
		return
	}
	segs := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	method := r.Method

	switch {
	case len(segs) == 1 && segs[0] == "healthz":
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	case len(segs) == 2 && segs[0] == "config" && segs[1] == "client" && method == http.MethodGet:
		s.handleClientConfig(w, r)

	// Websockets: /ws/appointment-chat/{id}, /ws/ai-chat/{session_id}
	case len(segs) == 3 && segs[0] == "ws" && segs[1] == "appointment-chat" && segs[2] != "":
		s.handleAppointmentWS(w, r, segs[2])
	case len(segs) == 3 && segs[0] == "ws" && segs[1] == "ai-chat" && segs[2] != "":
		s.handleIntakeWS(w, r, segs[2])

	// Appointments
	case len(segs) == 1 && segs[0] == "appointments" && method == http.MethodPost:
		s.handleCreateAppointment(w, r)
	case len(segs) == 1 && segs[0] == "appointments" && method == http.MethodGet:
		s.handleListAppointments(w, r)
	case len(segs) == 2 && segs[0] == "appointments" && method == http.MethodGet:
		s.handleGetAppointment(w, r, segs[1])
	case len(segs) == 3 && segs[0] == "appointments" && segs[2] == "messages" && method == http.MethodGet:
		s.handleTranscript(w, r, segs[1])
	case len(segs) == 3 && segs[0] == "appointments" && segs[2] == "end-session" && method == http.MethodPost:
		s.handleEndSession(w, r, segs[1])
	case len(segs) == 3 && segs[0] == "appointments" && segs[2] == "notes":
		s.handleNotes(w, r, segs[1])
	case len(segs) == 4 && segs[0] == "appointments" && segs[2] == "notes" && segs[3] == "draft" && method == http.MethodPost:
		s.handleDraftNotes(w, r, segs[1])

	// Notifications
	case len(segs) == 1 && segs[0] == "notifications" && method == http.MethodGet:
		s.handleListNotifications(w, r)
	case len(segs) == 2 && segs[0] == "notifications" && segs[1] == "stream" && method == http.MethodGet:
		s.handleNotificationStream(w, r)
	case len(segs) == 3 && segs[0] == "notifications" && segs[2] == "read" && (method == http.MethodPost || method == http.MethodPut):
		s.handleAcknowledge(w, r, segs[1])

	default:
		writeJSONError(w, http.StatusNotFound, "not found")
	}
}

// callerFrom reads the acting party from the X-Role / X-User-Name headers,
// falling back to the role / name query parameters that browsers can set on
// a websocket URL.
func callerFrom(r *http.Request) core.Caller {
	role := r.Header.Get("X-Role")
	if role == "" {
		role = r.URL.Query().Get("role")
	}
	name := r.Header.Get("X-User-Name")
	if name == "" {
		name = r.URL.Query().Get("name")
	}
	return core.Caller{Role: pkg.Role(strings.ToLower(strings.TrimSpace(role))), Name: strings.TrimSpace(name)}
}

func (s *Server) handleClientConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"notification_poll_interval_ms": s.opts.PollInterval.Milliseconds(),
		"notification_stream":           "/notifications/stream",
	})
}

// handleCreateAppointment books an appointment by hand.
func (s *Server) handleCreateAppointment(w http.ResponseWriter, r *http.Request) {
	var body pkg.AppointmentCreate
	if err := decodeJSON(r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(body.UserName) == "" {
		writeJSONError(w, http.StatusBadRequest, "user_name is required")
		return
	}
	appt, err := s.Scheduler.Book(r.Context(), body.UserName, body.TherapistName, pkg.CreatedFrom(body.CreatedFrom))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, appt)
}

func (s *Server) handleListAppointments(w http.ResponseWriter, r *http.Request) {
	appts, err := s.Repo.ListAppointments(r.Context(), r.URL.Query().Get("user_name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, appts)
}

func (s *Server) handleGetAppointment(w http.ResponseWriter, r *http.Request, id string) {
	appt, ok := s.loadAppointment(w, r, id)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, appt)
}

// handleTranscript returns the stored messages of an appointment.  Clients
// use it to rebuild their view after reconnecting.
func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request, id string) {
	if _, ok := s.loadAppointment(w, r, id); !ok {
		return
	}
	msgs, err := s.Repo.GetTranscript(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.Chat.EndSession(r.Context(), id, callerFrom(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Session ended successfully",
		"status":  string(pkg.StatusCompleted),
	})
}

// handleNotes serves GET / POST / PUT on an appointment's session notes.
// Only therapists may read or write notes.
func (s *Server) handleNotes(w http.ResponseWriter, r *http.Request, id string) {
	caller := callerFrom(r)
	if !caller.IsTherapist() {
		s.writeError(w, r, core.ErrNotPermitted)
		return
	}
	if _, ok := s.loadAppointment(w, r, id); !ok {
		return
	}
	ctx := r.Context()

	switch r.Method {
	case http.MethodGet:
		note, err := s.Repo.GetSessionNote(ctx, id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if note == nil {
			writeJSONError(w, http.StatusNotFound, "no notes for this appointment")
			return
		}
		writeJSON(w, http.StatusOK, note)

	case http.MethodPost, http.MethodPut:
		var body pkg.SessionNoteWrite
		if err := decodeJSON(r, &body); err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		if body.TherapistName == "" {
			body.TherapistName = caller.Name
		}
		if body.TherapistName == "" {
			writeJSONError(w, http.StatusBadRequest, "therapist_name is required")
			return
		}
		var (
			note *pkg.SessionNote
			err  error
		)
		if r.Method == http.MethodPost {
			note, err = s.Repo.SaveSessionNote(ctx, id, body)
		} else {
			note, err = s.Repo.UpdateSessionNote(ctx, id, body)
		}
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, note)

	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleDraftNotes returns a model-written draft of the session notes; it
// does not store anything.
func (s *Server) handleDraftNotes(w http.ResponseWriter, r *http.Request, id string) {
	if !callerFrom(r).IsTherapist() {
		s.writeError(w, r, core.ErrNotPermitted)
		return
	}
	if s.Drafter == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "note drafting is not configured")
		return
	}
	if _, ok := s.loadAppointment(w, r, id); !ok {
		return
	}
	transcript, err := s.Repo.GetTranscript(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	draft, err := s.Drafter.Draft(r.Context(), transcript)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"appointment_id": id, "draft": draft})
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	caller, ok := recipientFrom(w, r)
	if !ok {
		return
	}
	list, err := s.Notifications.List(r.Context(), caller.Role, caller.Name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.Notifications.Acknowledge(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Notification marked as read"})
}

// handleNotificationStream pushes newly published notifications for one
// recipient as server-sent events.  Delivery is best effort; clients keep
// polling /notifications as the source of truth.
func (s *Server) handleNotificationStream(w http.ResponseWriter, r *http.Request) {
	caller, ok := recipientFrom(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	ch, cancel := s.Notifications.Hub().Subscribe(caller.Role, caller.Name)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if _, err := io.WriteString(w, "event: ready\ndata: {}\n\n"); err != nil {
		return
	}
	flusher.Flush()

	heartbeat := time.NewTicker(s.opts.SSEHeartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.draining:
			return
		case n, ok := <-ch:
			if !ok {
				return
			}
			if err := writeEvent(w, "notification", n); err != nil {
				s.log.Debug().Err(err).Msg("notification stream write failed")
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeEvent writes one SSE event with v serialised as JSON after the
// "data:" prefix.
func writeEvent(w io.Writer, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

// recipientFrom requires a valid role and a name.
func recipientFrom(w http.ResponseWriter, r *http.Request) (core.Caller, bool) {
	c := callerFrom(r)
	if !c.Role.Valid() {
		writeJSONError(w, http.StatusBadRequest, "role must be user or therapist")
		return c, false
	}
	if c.Name == "" {
		writeJSONError(w, http.StatusBadRequest, "name is required")
		return c, false
	}
	return c, true
}

func (s *Server) loadAppointment(w http.ResponseWriter, r *http.Request, id string) (*pkg.Appointment, bool) {
	appt, err := s.Repo.GetAppointment(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return nil, false
	}
	if appt == nil {
		writeJSONError(w, http.StatusNotFound, "appointment not found")
		return nil, false
	}
	return appt, true
}

// writeError maps domain errors onto HTTP statuses.  Unexpected errors are
// logged and reported without detail.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var rej *core.Rejection
	switch {
	case errors.As(err, &rej):
		status := http.StatusBadRequest
		switch rej.Reason {
		case core.ReasonUnknownSession:
			status = http.StatusNotFound
		case core.ReasonNotPermitted:
			status = http.StatusForbidden
		case core.ReasonSessionClosed:
			status = http.StatusConflict
		}
		writeJSONError(w, status, rej.Error())
	case errors.Is(err, notify.ErrNotFound), errors.Is(err, db.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, core.ErrNoTranscript):
		writeJSONError(w, http.StatusConflict, err.Error())
	default:
		s.log.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
		writeJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(err, "invalid request body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"detail": msg})
}
