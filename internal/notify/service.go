package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"therapy-booking/pkg"
)

// Signaler tells other server instances that a notification was published.
// The Postgres notifier implements it with NOTIFY.
type Signaler interface {
	Notify(ctx context.Context, id string) error
}

// Service is the notification fanout.  Publish appends to the store and
// pushes to local stream subscribers; List and Acknowledge serve the
// polling clients.
type Service struct {
	store    Store
	hub      *Hub
	signaler Signaler
	log      zerolog.Logger
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithSignaler makes Publish announce ids through s instead of pushing to the
// local hub directly.  Every instance (this one included) then delivers to
// its hub from Relay.
func WithSignaler(s Signaler) Option {
	return func(svc *Service) { svc.signaler = s }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(svc *Service) { svc.now = now }
}

// NewService wires a Service around store.
func NewService(store Store, hub *Hub, logger zerolog.Logger, opts ...Option) *Service {
	if hub == nil {
		hub = NewHub(0)
	}
	s := &Service{
		store: store,
		hub:   hub,
		log:   logger.With().Str("component", "notify").Logger(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Hub returns the subscriber hub backing the push stream.
func (s *Service) Hub() *Hub { return s.hub }

// Publish creates a notification for (role, name).  Once stored it is never
// retracted; a failed signal only costs the push, not the notification.
func (s *Service) Publish(ctx context.Context, role pkg.Role, name, title, message string) (*pkg.Notification, error) {
	n := &pkg.Notification{
		ID:            uuid.NewString(),
		RecipientRole: role,
		RecipientName: name,
		Title:         title,
		Message:       message,
		CreatedAt:     s.now().UTC(),
	}
	if err := s.store.Insert(ctx, n); err != nil {
		return nil, errors.Wrapf(err, "publish notification %q to %s/%s", title, role, name)
	}
	s.log.Debug().Str("notification_id", n.ID).Str("role", string(role)).Str("name", name).Str("title", title).Msg("notification published")

	if s.signaler != nil {
		if err := s.signaler.Notify(ctx, n.ID); err != nil {
			s.log.Warn().Err(err).Str("notification_id", n.ID).Msg("notification signal failed")
		}
		return n, nil
	}
	s.hub.Publish(*n)
	return n, nil
}

// List returns the notifications for (role, name), most recent first.
func (s *Service) List(ctx context.Context, role pkg.Role, name string) ([]pkg.Notification, error) {
	out, err := s.store.ListFor(ctx, role, name)
	if err != nil {
		return nil, errors.Wrapf(err, "list notifications for %s/%s", role, name)
	}
	if out == nil {
		out = []pkg.Notification{}
	}
	return out, nil
}

// Acknowledge marks a notification read.  Acknowledging twice is not an
// error; an unknown id returns ErrNotFound.
func (s *Service) Acknowledge(ctx context.Context, id string) error {
	if err := s.store.MarkRead(ctx, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return errors.Wrapf(err, "acknowledge notification %s", id)
	}
	return nil
}

// Relay loads each signalled id and pushes it to the local hub until ids is
// closed or ctx is done.
func (s *Service) Relay(ctx context.Context, ids <-chan string) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case id, ok := <-ids:
			if !ok {
				return nil
			}
			n, err := s.store.Get(ctx, id)
			if err != nil {
				s.log.Warn().Err(err).Str("notification_id", id).Msg("relay: load notification failed")
				continue
			}
			s.hub.Publish(*n)
		}
	}
}
