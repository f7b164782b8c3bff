package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"therapy-booking/internal/llm"
	"therapy-booking/pkg"
)

// ErrNoTranscript is returned when there is nothing to draft notes from.
var ErrNoTranscript = errors.New("transcript is empty")

// NoteDrafter turns an appointment transcript into a draft of the
// therapist's session notes.  The therapist edits and saves the draft
// through the notes API; nothing is stored here.
type NoteDrafter struct {
	LLM llm.Client
}

// NewNoteDrafter constructs a drafter.
func NewNoteDrafter(client llm.Client) *NoteDrafter {
	return &NoteDrafter{LLM: client}
}

// Draft summarises transcript, which should be in chronological order.
func (d *NoteDrafter) Draft(ctx context.Context, transcript []pkg.Message) (string, error) {
	if len(transcript) == 0 {
		return "", ErrNoTranscript
	}
	resp, err := d.LLM.Summarize(ctx, NoteDraftInstruction, FormatTranscript(transcript))
	if err != nil {
		return "", errors.Wrap(err, "draft session notes")
	}
	return strings.TrimSpace(resp), nil
}

// FormatTranscript renders messages one per line as "[15:04] role: text".
func FormatTranscript(transcript []pkg.Message) string {
	var b strings.Builder
	for _, m := range transcript {
		fmt.Fprintf(&b, "[%s] %s: %s\n", m.Timestamp.UTC().Format("15:04"), m.Sender, m.Content)
	}
	return b.String()
}
