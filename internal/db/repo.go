package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"therapy-booking/internal/core"
	"therapy-booking/pkg"
)

// Repository wraps database operations for appointments, their transcripts
// and session notes.  It implements core.AppointmentStore and
// core.TranscriptSink.
type Repository struct {
	DB  *sql.DB
	now func() time.Time
}

// NewRepository constructs a new Repository from an existing sql.DB.
// The caller is responsible for managing the DB connection lifecycle.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{DB: db, now: time.Now}
}

const appointmentColumns = `id, user_name, therapist_name, status, created_from, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAppointment(row rowScanner) (*pkg.Appointment, error) {
	var (
		a         pkg.Appointment
		therapist sql.NullString
	)
	if err := row.Scan(&a.ID, &a.UserName, &therapist, &a.Status, &a.CreatedFrom, &a.CreatedAt); err != nil {
		return nil, err
	}
	if therapist.Valid {
		a.TherapistName = &therapist.String
	}
	a.CreatedAt = a.CreatedAt.UTC()
	return &a, nil
}

// CreateAppointment inserts a. Missing id, status and timestamps are filled
// in.
func (r *Repository) CreateAppointment(ctx context.Context, a *pkg.Appointment) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = pkg.StatusScheduled
	}
	if a.CreatedFrom == "" {
		a.CreatedFrom = pkg.CreatedManual
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = r.now().UTC()
	}
	var therapist sql.NullString
	if a.TherapistName != nil {
		therapist = sql.NullString{String: *a.TherapistName, Valid: true}
	}
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO appointments (id, user_name, therapist_name, status, created_from, created_at)
         VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.UserName, therapist, string(a.Status), string(a.CreatedFrom), a.CreatedAt.UTC(),
	)
	return errors.Wrap(err, "insert appointment")
}

// GetAppointment returns the appointment with id, or nil when there is none.
func (r *Repository) GetAppointment(ctx context.Context, id string) (*pkg.Appointment, error) {
	a, err := scanAppointment(r.DB.QueryRowContext(ctx,
		`SELECT `+appointmentColumns+` FROM appointments WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get appointment %s", id)
	}
	return a, nil
}

// ListAppointments returns appointments newest first, optionally only those
// of userName.
func (r *Repository) ListAppointments(ctx context.Context, userName string) ([]pkg.Appointment, error) {
	query := `SELECT ` + appointmentColumns + ` FROM appointments`
	var args []any
	if userName != "" {
		query += ` WHERE user_name = $1`
		args = append(args, userName)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list appointments")
	}
	defer rows.Close()
	out := []pkg.Appointment{}
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan appointment")
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// AdvanceStatus moves the appointment forward to `to` when its stored status
// precedes it, and returns whatever status is stored afterwards.  The guard
// lives in the WHERE clause so concurrent writers cannot move a record
// backward.
func (r *Repository) AdvanceStatus(ctx context.Context, id string, to pkg.AppointmentStatus) (pkg.AppointmentStatus, error) {
	var from []any
	for _, s := range []pkg.AppointmentStatus{pkg.StatusScheduled, pkg.StatusActive, pkg.StatusCompleted} {
		if core.CanAdvance(s, to) {
			from = append(from, string(s))
		}
	}
	if len(from) > 0 {
		args := append([]any{string(to), id}, from...)
		_, err := r.DB.ExecContext(ctx,
			`UPDATE appointments SET status = $1 WHERE id = $2 AND status IN (`+placeholders(3, len(from))+`)`,
			args...,
		)
		if err != nil {
			return "", errors.Wrapf(err, "advance appointment %s to %s", id, to)
		}
	}
	var stored pkg.AppointmentStatus
	err := r.DB.QueryRowContext(ctx, `SELECT status FROM appointments WHERE id = $1`, id).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", errors.Wrapf(err, "read status of appointment %s", id)
	}
	return stored, nil
}

// AppendMessage stores one accepted chat message.
func (r *Repository) AppendMessage(ctx context.Context, m *pkg.Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO messages (id, appointment_id, sender, content, created_at)
         VALUES ($1, $2, $3, $4, $5)`,
		m.ID, m.AppointmentID, string(m.Sender), m.Content, m.Timestamp.UTC(),
	)
	return errors.Wrap(err, "insert message")
}

// GetTranscript returns the messages of an appointment in chronological order.
func (r *Repository) GetTranscript(ctx context.Context, appointmentID string) ([]pkg.Message, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id, appointment_id, sender, content, created_at
         FROM messages
         WHERE appointment_id = $1
         ORDER BY created_at ASC`, appointmentID)
	if err != nil {
		return nil, errors.Wrap(err, "query transcript")
	}
	defer rows.Close()
	transcript := []pkg.Message{}
	for rows.Next() {
		var m pkg.Message
		if err := rows.Scan(&m.ID, &m.AppointmentID, &m.Sender, &m.Content, &m.Timestamp); err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		m.Timestamp = m.Timestamp.UTC()
		transcript = append(transcript, m)
	}
	return transcript, rows.Err()
}

// GetSessionNote returns the note of an appointment, or nil when none was
// written.
func (r *Repository) GetSessionNote(ctx context.Context, appointmentID string) (*pkg.SessionNote, error) {
	var n pkg.SessionNote
	err := r.DB.QueryRowContext(ctx,
		`SELECT id, appointment_id, therapist_name, notes, created_at, updated_at
         FROM session_notes WHERE appointment_id = $1`, appointmentID,
	).Scan(&n.ID, &n.AppointmentID, &n.TherapistName, &n.Notes, &n.CreatedAt, &n.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get session note for %s", appointmentID)
	}
	n.CreatedAt = n.CreatedAt.UTC()
	n.UpdatedAt = n.UpdatedAt.UTC()
	return &n, nil
}

// SaveSessionNote creates the appointment's note or, if one exists, replaces
// its text and author.
func (r *Repository) SaveSessionNote(ctx context.Context, appointmentID string, w pkg.SessionNoteWrite) (*pkg.SessionNote, error) {
	now := r.now().UTC()
	n, err := r.UpdateSessionNote(ctx, appointmentID, w)
	if err == nil {
		return n, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	n = &pkg.SessionNote{
		ID:            uuid.NewString(),
		AppointmentID: appointmentID,
		TherapistName: w.TherapistName,
		Notes:         w.Notes,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	_, err = r.DB.ExecContext(ctx,
		`INSERT INTO session_notes (id, appointment_id, therapist_name, notes, created_at, updated_at)
         VALUES ($1, $2, $3, $4, $5, $6)`,
		n.ID, n.AppointmentID, n.TherapistName, n.Notes, n.CreatedAt, n.UpdatedAt,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "insert session note for %s", appointmentID)
	}
	return n, nil
}

// UpdateSessionNote replaces the text of an existing note; it returns
// ErrNotFound when the appointment has none.
func (r *Repository) UpdateSessionNote(ctx context.Context, appointmentID string, w pkg.SessionNoteWrite) (*pkg.SessionNote, error) {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE session_notes SET therapist_name = $1, notes = $2, updated_at = $3
         WHERE appointment_id = $4`,
		w.TherapistName, w.Notes, r.now().UTC(), appointmentID,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "update session note for %s", appointmentID)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, errors.Wrap(err, "update session note")
	}
	if affected == 0 {
		return nil, ErrNotFound
	}
	return r.GetSessionNote(ctx, appointmentID)
}
