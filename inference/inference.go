// Package inference defines the narrow capability the checkpoint engine
// consumes from a model backend, plus the Message/ChatModel types the
// concrete provider adapters (anthropic, openai, google) implement.
package inference

import "context"

// Usage records token consumption for one generation call.
type Usage struct {
	PromptTokens     uint64
	CompletionTokens uint64
}

// Total returns PromptTokens + CompletionTokens.
func (u Usage) Total() uint64 { return u.PromptTokens + u.CompletionTokens }

// Generator is the capability the checkpoint engine depends on: generate(model,
// prompt) -> (text, usage). Every HTTP-backed provider adapter is an
// interchangeable instance; tests substitute a recording or mock instance.
// The stub backend is not a Generator: the engine answers the stub model id
// itself. This intentionally excludes tool-calling and multi-turn
// chat history — the engine's steps are single-shot prompt/response pairs.
type Generator interface {
	Generate(ctx context.Context, model, prompt string) (text string, usage Usage, err error)
}

// ChatModel is the richer, message-based interface the provider SDK
// adapters implement internally before being wrapped down to Generator.
// Kept distinct from Generator because the provider SDKs are naturally
// conversational, and a single-message conversation is the adapter's own
// concern, not the engine's.
type ChatModel interface {
	Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error)
}

// Role constants for ChatModel conversations.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn in a ChatModel conversation.
type Message struct {
	Role    string
	Content string
}

// ToolSpec describes a tool a ChatModel may call. Unused by the checkpoint
// engine itself but retained on the richer interface for adapters that
// wrap SDKs with native tool-calling support.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]interface{}
}

// ChatOut is a ChatModel response.
type ChatOut struct {
	Text      string
	ToolCalls []ToolCall
	Usage     Usage
}

// ToolCall is a single tool invocation requested by a ChatModel response.
type ToolCall struct {
	Name  string
	Input map[string]interface{}
}

// FromChatModel adapts a ChatModel to the narrower Generator interface by
// wrapping each call in a single-user-message conversation.
func FromChatModel(cm ChatModel) Generator {
	return chatModelGenerator{cm: cm}
}

type chatModelGenerator struct {
	cm ChatModel
}

func (g chatModelGenerator) Generate(ctx context.Context, model, prompt string) (string, Usage, error) {
	out, err := g.cm.Chat(ctx, []Message{{Role: RoleUser, Content: prompt}}, nil)
	if err != nil {
		return "", Usage{}, err
	}
	return out.Text, out.Usage, nil
}
