package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Notifier wraps the LISTEN/NOTIFY mechanism in PostgreSQL.  Publishing a
// notification sends its id on the channel; every server instance listens
// and pushes the notification to its own stream subscribers.
type Notifier struct {
	DB      *sql.DB
	Channel string
	log     zerolog.Logger
}

// NewNotifier constructs a new Notifier.  The channel should match the
// POSTGRES_NOTIFY_CHANNEL environment variable.
func NewNotifier(db *sql.DB, channel string, logger zerolog.Logger) *Notifier {
	return &Notifier{
		DB:      db,
		Channel: channel,
		log:     logger.With().Str("component", "pg-notifier").Str("channel", channel).Logger(),
	}
}

// Notify sends id on the channel.  pg_notify is used instead of NOTIFY so
// the payload can be passed as a parameter.
func (n *Notifier) Notify(ctx context.Context, id string) error {
	_, err := n.DB.ExecContext(ctx, `SELECT pg_notify($1, $2)`, n.Channel, id)
	return errors.Wrap(err, "pg_notify")
}

// Listen opens a dedicated listener connection on dsn and yields payloads
// until ctx is cancelled, after which the returned channel is closed.  The
// listener reconnects on its own; a reconnect may drop payloads, which only
// costs a push since clients also poll.
func (n *Notifier) Listen(ctx context.Context, dsn string) (<-chan string, error) {
	listener := pq.NewListener(dsn, time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnectionAttemptFailed, pq.ListenerEventDisconnected:
			n.log.Warn().Err(err).Msg("listener connection lost")
		case pq.ListenerEventReconnected:
			n.log.Info().Msg("listener reconnected")
		}
	})
	if err := listener.Listen(n.Channel); err != nil {
		_ = listener.Close()
		return nil, errors.Wrapf(err, "listen on %s", n.Channel)
	}

	ch := make(chan string)
	go func() {
		defer func() {
			_ = listener.Close()
			close(ch)
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-listener.Notify:
				// A nil event follows a reconnect.
				if ev == nil {
					continue
				}
				select {
				case ch <- ev.Extra:
				case <-ctx.Done():
					return
				}
			case <-time.After(90 * time.Second):
				if err := listener.Ping(); err != nil {
					n.log.Warn().Err(err).Msg("listener ping failed")
				}
			}
		}
	}()
	return ch, nil
}
