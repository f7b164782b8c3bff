package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"therapy-booking/pkg"
)

// fakeEndpoint records delivered frames.
type fakeEndpoint struct {
	mu      sync.Mutex
	frames  []pkg.Frame
	closed  bool
	failing bool
}

func (e *fakeEndpoint) Deliver(f pkg.Frame) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.New("endpoint closed")
	}
	if e.failing {
		return errors.New("broken pipe")
	}
	e.frames = append(e.frames, f)
	return nil
}

func (e *fakeEndpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func (e *fakeEndpoint) Frames() []pkg.Frame {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]pkg.Frame(nil), e.frames...)
}

func (e *fakeEndpoint) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *fakeEndpoint) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.frames = nil
}

func (e *fakeEndpoint) OfType(t pkg.FrameType) []pkg.Frame {
	var out []pkg.Frame
	for _, f := range e.Frames() {
		if f.Type == t {
			out = append(out, f)
		}
	}
	return out
}

// memAppointments is an in-memory AppointmentStore.
type memAppointments struct {
	mu         sync.Mutex
	items      map[string]*pkg.Appointment
	advances   int
	failGet    error
	failCreate error
}

func newMemAppointments() *memAppointments {
	return &memAppointments{items: make(map[string]*pkg.Appointment)}
}

func (s *memAppointments) add(id, user string, status pkg.AppointmentStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[id] = &pkg.Appointment{ID: id, UserName: user, Status: status, CreatedFrom: pkg.CreatedManual, CreatedAt: time.Now()}
}

func (s *memAppointments) GetAppointment(_ context.Context, id string) (*pkg.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failGet != nil {
		return nil, s.failGet
	}
	a, ok := s.items[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (s *memAppointments) CreateAppointment(_ context.Context, a *pkg.Appointment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCreate != nil {
		return s.failCreate
	}
	cp := *a
	s.items[a.ID] = &cp
	return nil
}

func (s *memAppointments) AdvanceStatus(_ context.Context, id string, to pkg.AppointmentStatus) (pkg.AppointmentStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.items[id]
	if !ok {
		return "", errors.New("not found")
	}
	if CanAdvance(a.Status, to) {
		a.Status = to
		s.advances++
	}
	return a.Status, nil
}

func (s *memAppointments) status(id string) pkg.AppointmentStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items[id].Status
}

func (s *memAppointments) byUser(user string) []pkg.Appointment {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []pkg.Appointment
	for _, a := range s.items {
		if a.UserName == user {
			out = append(out, *a)
		}
	}
	return out
}

// recordingPublisher captures published notifications.
type recordingPublisher struct {
	mu    sync.Mutex
	items []pkg.Notification
}

func (p *recordingPublisher) Publish(_ context.Context, role pkg.Role, name, title, message string) (*pkg.Notification, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := pkg.Notification{ID: title + "-" + name, RecipientRole: role, RecipientName: name, Title: title, Message: message}
	p.items = append(p.items, n)
	return &n, nil
}

func (p *recordingPublisher) titles(role pkg.Role, name string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, n := range p.items {
		if n.RecipientRole == role && n.RecipientName == name {
			out = append(out, n.Title)
		}
	}
	return out
}

func requireRejection(t *testing.T, err error, reason Reason) {
	t.Helper()
	require.Error(t, err)
	var r *Rejection
	require.True(t, errors.As(err, &r), "expected *Rejection, got %T: %v", err, err)
	require.Equal(t, reason, r.Reason)
}
