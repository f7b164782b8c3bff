package core

import (
	"context"

	"therapy-booking/internal/llm"
)

// LLMResponder answers intake messages with a language model.  Booking
// requests are still recognised by keyword so that the booking decision
// never depends on model output.
type LLMResponder struct {
	LLM llm.Client
}

// NewLLMResponder constructs an LLMResponder with the given client.
func NewLLMResponder(client llm.Client) *LLMResponder {
	return &LLMResponder{LLM: client}
}

// Respond implements Responder.  On error the generic fallback reply is
// returned together with the error so the caller can log it.
func (r *LLMResponder) Respond(ctx context.Context, turn IntakeTurn) (IntakeReply, error) {
	if DetectBookingRequest(turn.Content) {
		return IntakeReply{Book: true}, nil
	}
	messages := make([]llm.Message, 0, len(turn.History)+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: IntakeSystemPrompt})
	messages = append(messages, turn.History...)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: turn.Content})

	resp, err := r.LLM.Chat(ctx, messages)
	if err != nil {
		return IntakeReply{Content: FallbackReply}, err
	}
	if resp == "" {
		resp = FallbackReply
	}
	return IntakeReply{Content: resp}, nil
}
