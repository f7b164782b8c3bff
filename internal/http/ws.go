package http

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"therapy-booking/internal/core"
	"therapy-booking/pkg"
)

const maxInboundFrame = 64 << 10

var (
	errEndpointClosed = errors.New("connection closed")
	errSlowConsumer   = errors.New("outbound queue full")
)

// wsEndpoint adapts a websocket to core.Endpoint.  Frames are queued on a
// bounded channel and written by a single goroutine; Deliver waits up to
// enqueueTimeout for room before giving up on the client.
type wsEndpoint struct {
	conn *websocket.Conn
	out  chan pkg.Frame
	done chan struct{}

	closeOnce      sync.Once
	writerDone     chan struct{}
	enqueueTimeout time.Duration
	writeTimeout   time.Duration
	pingInterval   time.Duration
	log            zerolog.Logger
}

func (s *Server) newEndpoint(conn *websocket.Conn, log zerolog.Logger) *wsEndpoint {
	e := &wsEndpoint{
		conn:           conn,
		out:            make(chan pkg.Frame, s.opts.OutboundQueue),
		done:           make(chan struct{}),
		writerDone:     make(chan struct{}),
		enqueueTimeout: s.opts.EnqueueTimeout,
		writeTimeout:   s.opts.WriteTimeout,
		pingInterval:   s.opts.PingInterval,
		log:            log,
	}
	conn.SetReadLimit(maxInboundFrame)
	_ = conn.SetReadDeadline(time.Now().Add(e.pongWait()))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(e.pongWait()))
	})
	go e.writeLoop()
	go func() {
		select {
		case <-s.draining:
			_ = e.Close()
		case <-e.done:
		}
	}()
	return e
}

func (e *wsEndpoint) pongWait() time.Duration {
	return e.pingInterval * 2
}

// Deliver implements core.Endpoint.
func (e *wsEndpoint) Deliver(f pkg.Frame) error {
	select {
	case <-e.done:
		return errEndpointClosed
	default:
	}
	select {
	case e.out <- f:
		return nil
	default:
	}
	t := time.NewTimer(e.enqueueTimeout)
	defer t.Stop()
	select {
	case e.out <- f:
		return nil
	case <-e.done:
		return errEndpointClosed
	case <-t.C:
		return errSlowConsumer
	}
}

// Close implements core.Endpoint.  Queued frames are flushed before the
// close frame is written.
func (e *wsEndpoint) Close() error {
	e.closeOnce.Do(func() { close(e.done) })
	return nil
}

// wait blocks until the writer has shut the socket down.
func (e *wsEndpoint) wait() {
	<-e.writerDone
}

func (e *wsEndpoint) writeLoop() {
	ticker := time.NewTicker(e.pingInterval)
	defer func() {
		ticker.Stop()
		_ = e.conn.Close()
		close(e.writerDone)
	}()
	for {
		select {
		case f := <-e.out:
			if err := e.write(f); err != nil {
				e.log.Debug().Err(err).Msg("websocket write failed")
				_ = e.Close()
				return
			}
		case <-ticker.C:
			if err := e.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(e.writeTimeout)); err != nil {
				e.log.Debug().Err(err).Msg("websocket ping failed")
				_ = e.Close()
				return
			}
		case <-e.done:
			e.flush()
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = e.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(e.writeTimeout))
			return
		}
	}
}

func (e *wsEndpoint) flush() {
	for {
		select {
		case f := <-e.out:
			if err := e.write(f); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (e *wsEndpoint) write(f pkg.Frame) error {
	_ = e.conn.SetWriteDeadline(time.Now().Add(e.writeTimeout))
	return e.conn.WriteJSON(f)
}

// readFrames decodes inbound JSON frames and hands each to handle until the
// socket fails.  Malformed frames are skipped.
func readFrames[T any](conn *websocket.Conn, log zerolog.Logger, handle func(T)) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Debug().Err(err).Msg("websocket closed unexpectedly")
			}
			return
		}
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			log.Debug().Err(err).Msg("ignoring malformed frame")
			continue
		}
		handle(v)
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || s.originAllowed(origin)
}

// handleAppointmentWS serves /ws/appointment-chat/{id}.  The role and the
// appointment are checked before the upgrade so that a refused client gets a
// plain HTTP status.
func (s *Server) handleAppointmentWS(w http.ResponseWriter, r *http.Request, appointmentID string) {
	ctx := r.Context()
	caller := callerFrom(r)
	if !caller.Role.Valid() {
		writeJSONError(w, http.StatusBadRequest, "role must be user or therapist")
		return
	}
	appt, err := s.Repo.GetAppointment(ctx, appointmentID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if appt == nil {
		writeJSONError(w, http.StatusNotFound, "appointment not found")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	log := s.log.With().Str("session_id", appointmentID).Str("role", string(caller.Role)).Logger()
	ep := s.newEndpoint(conn, log)
	defer ep.wait()
	defer ep.Close()

	if _, err := s.Chat.Connect(ctx, appointmentID, caller, ep); err != nil {
		s.reportInBand(ep, log, err)
		return
	}
	defer s.Chat.Disconnect(appointmentID, caller.Role, ep)

	if caller.IsTherapist() {
		if _, err := s.Chat.Activate(ctx, appointmentID); err != nil {
			log.Error().Err(err).Msg("activate session failed")
		}
	}

	readFrames(conn, log, func(in pkg.AppointmentInbound) {
		var err error
		if strings.EqualFold(in.Type, "END_SESSION") {
			err = s.Chat.EndSession(ctx, appointmentID, caller)
		} else {
			_, err = s.Chat.Send(ctx, appointmentID, caller.Role, in.Content)
		}
		if err != nil {
			s.reportInBand(ep, log, err)
		}
	})
}

// handleIntakeWS serves /ws/ai-chat/{session_id}.
func (s *Server) handleIntakeWS(w http.ResponseWriter, r *http.Request, sessionID string) {
	ctx := r.Context()
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	log := s.log.With().Str("intake_session", sessionID).Logger()
	ep := s.newEndpoint(conn, log)
	defer ep.wait()
	defer ep.Close()

	if err := s.Intake.Connect(sessionID, ep); err != nil {
		s.reportInBand(ep, log, err)
		return
	}
	defer s.Intake.Disconnect(sessionID, ep)

	readFrames(conn, log, func(in pkg.IntakeInbound) {
		if err := s.Intake.Send(ctx, sessionID, in.UserName, in.Content); err != nil {
			s.reportInBand(ep, log, err)
		}
	})
}

// reportInBand sends a rejection back on the originating connection only.
func (s *Server) reportInBand(ep *wsEndpoint, log zerolog.Logger, err error) {
	if f, ok := core.RejectionFrame(err, time.Now()); ok {
		_ = ep.Deliver(f)
		return
	}
	if errors.Is(err, core.ErrEmptyMessage) {
		return
	}
	log.Error().Err(err).Msg("chat operation failed")
}
