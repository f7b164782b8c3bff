// Package notify implements the poll-delivered notification log: parties that
// are not connected to a chat learn about lifecycle changes by listing their
// notifications and acknowledging them.
package notify

import (
	"context"

	"github.com/pkg/errors"

	"therapy-booking/pkg"
)

// Common errors for notification store operations.
var (
	ErrNotFound         = errors.New("notification not found")
	ErrInvalidStoreType = errors.New("invalid notification store type")
	ErrInvalidConfig    = errors.New("invalid notification store configuration")
)

// Store is the durable side of the fanout.  Implementations must be safe for
// concurrent publishers and readers.
type Store interface {
	// Insert appends a new notification.  The caller fills in every field.
	Insert(ctx context.Context, n *pkg.Notification) error

	// Get returns a notification by id, or ErrNotFound.
	Get(ctx context.Context, id string) (*pkg.Notification, error)

	// ListFor returns the notifications addressed to (role, name), most
	// recent first.
	ListFor(ctx context.Context, role pkg.Role, name string) ([]pkg.Notification, error)

	// MarkRead sets is_read.  Marking an already-read notification succeeds;
	// an unknown id returns ErrNotFound.
	MarkRead(ctx context.Context, id string) error
}
