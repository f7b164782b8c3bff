package core

import (
	"context"
	"strings"
	"unicode"

	"therapy-booking/internal/llm"
)

// IntakeTurn is what the intake router hands to the automated responder.
type IntakeTurn struct {
	SessionID string
	UserName  string
	Content   string
	History   []llm.Message
}

// IntakeReply is the responder's answer.  Book asks the router to create an
// appointment for the user instead of sending Content.
type IntakeReply struct {
	Content string
	Book    bool
}

// Responder is the opaque automated party of the intake chat.
type Responder interface {
	Respond(ctx context.Context, turn IntakeTurn) (IntakeReply, error)
}

var bookingPhrases = []string{
	"book appointment",
	"schedule appointment",
	"need a therapist",
	"see a therapist",
	"talk to therapist",
	"book session",
	"schedule session",
	"need therapist",
	"want therapist",
	"talk to someone",
	"need someone to talk",
	"book a session",
	"make appointment",
}

// DetectBookingRequest reports whether message explicitly asks for an
// appointment with a therapist.
func DetectBookingRequest(message string) bool {
	lower := strings.ToLower(message)
	for _, phrase := range bookingPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// RuleResponder answers with canned replies keyed on simple keywords.
type RuleResponder struct{}

// Respond implements Responder.
func (RuleResponder) Respond(_ context.Context, turn IntakeTurn) (IntakeReply, error) {
	if DetectBookingRequest(turn.Content) {
		return IntakeReply{Book: true}, nil
	}
	lower := strings.ToLower(turn.Content)
	words := wordSet(lower)
	switch {
	case words["hello"] || words["hi"]:
		return IntakeReply{Content: "Hello! I'm here to help you with mental health support. How can I assist you today?"}, nil
	case strings.Contains(lower, "how are you"):
		return IntakeReply{Content: "I'm doing well, thank you for asking! How are you feeling today?"}, nil
	case words["sad"] || words["depressed"]:
		return IntakeReply{Content: "I'm sorry to hear you're feeling this way. Would you like to book an appointment with one of our therapists?"}, nil
	case words["anxious"] || words["anxiety"]:
		return IntakeReply{Content: "Anxiety can be challenging. Our therapists can help you develop coping strategies. Would you like to schedule a session?"}, nil
	case words["help"]:
		return IntakeReply{Content: "I can help you book an appointment with a therapist, answer general questions about mental health, or just listen. What would you like to do?"}, nil
	default:
		return IntakeReply{Content: FallbackReply}, nil
	}
}

func wordSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.FieldsFunc(s, func(r rune) bool { return !unicode.IsLetter(r) && r != '\'' }) {
		out[w] = true
	}
	return out
}
