package core

// prompts.go defines the texts used by the intake assistant and the note
// drafter.  Keeping them together makes them easy to tweak without touching
// the routing code.

const (
	// IntakeSystemPrompt instructs the language model behind the intake chat.
	// It keeps the assistant supportive and non-diagnostic and steers towards
	// booking a session with a human therapist.
	IntakeSystemPrompt = "You are a supportive mental health intake assistant. " +
		"Listen, reflect feelings back briefly and ask at most one short follow-up question at a time. " +
		"Never diagnose or prescribe. If the person asks for help from a professional, tell them you can book an appointment with a therapist. " +
		"If they mention self-harm or danger, urge them to contact local emergency services immediately."

	// WelcomeMessage is sent when an intake connection is bound.
	WelcomeMessage = "Hello! I'm your AI mental health support assistant. How can I help you today?"

	// BookedMessage accompanies the APPOINTMENT_BOOKED frame.
	BookedMessage = "Perfect! I've scheduled an appointment for you. A therapist will be available soon."

	// AlreadyBookedMessage answers every message after a booking.
	AlreadyBookedMessage = "Your appointment has already been scheduled. You can close this chat and go to your appointments to connect with a therapist."

	// BookingFailedMessage is sent when the appointment store refuses the booking.
	BookingFailedMessage = "I'm sorry, I couldn't book the appointment right now. Please try again in a moment."

	// FallbackReply is used when the responder fails.
	FallbackReply = "I understand. If you'd like to speak with a professional therapist, just let me know and I can book an appointment for you."

	// NoteDraftInstruction asks the model for a draft of the therapist's
	// session notes from the appointment transcript.
	NoteDraftInstruction = "Draft concise session notes for the therapist from the following chat transcript. " +
		"Use three short sections: Presenting concerns, Discussion, Follow-up. " +
		"Do not invent details that are not in the transcript."
)
