package llm

import (
	"context"
	"errors"

	openai "github.com/sashabaranov/go-openai"
)

// Message is a minimal chat message used by the intake responder.
// Role must be one of: "system", "user", or "assistant".
type Message struct {
	Role    string
	Content string
}

// Roles accepted in Message.Role.
const (
	RoleSystem    = openai.ChatMessageRoleSystem
	RoleUser      = openai.ChatMessageRoleUser
	RoleAssistant = openai.ChatMessageRoleAssistant
)

// Client defines the methods required by the intake responder and the note
// drafter.  Chat accepts the full message history (system + prior turns +
// latest user message).
type Client interface {
	Chat(ctx context.Context, messages []Message) (string, error)
	Summarize(ctx context.Context, instruction, text string) (string, error)
}

// Options configures an OpenAIClient.
type Options struct {
	APIKey       string
	ChatModel    string
	SummaryModel string
	Temperature  float32
}

// OpenAIClient calls the OpenAI chat completion API.
type OpenAIClient struct {
	client *openai.Client
	opts   Options
}

// NewOpenAIClient constructs an OpenAI-backed client.  Empty model names fall
// back to a small chat model; the summary model defaults to the chat model.
func NewOpenAIClient(opts Options) *OpenAIClient {
	if opts.ChatModel == "" {
		opts.ChatModel = "gpt-4o-mini"
	}
	if opts.SummaryModel == "" {
		opts.SummaryModel = opts.ChatModel
	}
	if opts.Temperature == 0 {
		opts.Temperature = 0.2
	}
	var c *openai.Client
	if opts.APIKey != "" {
		c = openai.NewClient(opts.APIKey)
	}
	return &OpenAIClient{client: c, opts: opts}
}

// Chat sends the message history and returns the assistant's response.
func (c *OpenAIClient) Chat(ctx context.Context, messages []Message) (string, error) {
	return c.complete(ctx, c.opts.ChatModel, toOpenAI(messages))
}

// Summarize applies instruction to text using the summary model.
func (c *OpenAIClient) Summarize(ctx context.Context, instruction, text string) (string, error) {
	return c.complete(ctx, c.opts.SummaryModel, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: instruction},
		{Role: openai.ChatMessageRoleUser, Content: text},
	})
}

func (c *OpenAIClient) complete(ctx context.Context, model string, msgs []openai.ChatCompletionMessage) (string, error) {
	if c.client == nil {
		return "", errors.New("openai client not initialized")
	}
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    msgs,
		Temperature: c.opts.Temperature,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

// toOpenAI converts history, coercing unknown roles to user.
func toOpenAI(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		role := m.Role
		if role != RoleSystem && role != RoleUser && role != RoleAssistant {
			role = RoleUser
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return out
}
