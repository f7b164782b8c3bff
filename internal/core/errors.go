package core

import "fmt"

// Reason names why the router refused an operation.
type Reason string

const (
	ReasonUnknownSession Reason = "UnknownSession"
	ReasonSessionClosed  Reason = "SessionClosed"
	ReasonEmptyMessage   Reason = "EmptyMessage"
	ReasonNotPermitted   Reason = "NotPermitted"
)

// Rejection is the typed error returned to the originating connection when
// validation fails.  It never affects other connections or sessions.
type Rejection struct {
	Reason Reason
	Detail string
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return string(r.Reason)
	}
	return fmt.Sprintf("%s: %s", r.Reason, r.Detail)
}

// Is matches any Rejection with the same Reason, so errors.Is works against
// the sentinels below regardless of Detail.
func (r *Rejection) Is(target error) bool {
	t, ok := target.(*Rejection)
	return ok && t.Reason == r.Reason
}

// Sentinels for errors.Is.
var (
	ErrUnknownSession = &Rejection{Reason: ReasonUnknownSession}
	ErrSessionClosed  = &Rejection{Reason: ReasonSessionClosed}
	ErrEmptyMessage   = &Rejection{Reason: ReasonEmptyMessage}
	ErrNotPermitted   = &Rejection{Reason: ReasonNotPermitted}
)

func reject(reason Reason, format string, args ...any) *Rejection {
	return &Rejection{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}
