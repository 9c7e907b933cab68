// ABOUTME: Model adapter contract: ordered dialogue plus instructions in, assistant text out
// ABOUTME: Errors are classified as ModelUnavailable, ModelRejected or ContextTooLarge

package model

import "context"

// Roles of dialogue entries sent to the model
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of the dialogue context
type Message struct {
	Role    string
	Content string
}

// Completer produces the next assistant utterance for a dialogue.
// Implementations never truncate or reorder messages.
type Completer interface {
	Complete(ctx context.Context, messages []Message, instructions string) (string, error)
}

// ModelSelector is implemented by completers that can target another model identifier,
// used when an agent overrides the configured default.
type ModelSelector interface {
	WithModel(identifier string) Completer
}

// ForAgent returns c bound to identifier when it is set and c supports selection.
func ForAgent(c Completer, identifier string) Completer {
	if identifier == "" {
		return c
	}
	if sel, ok := c.(ModelSelector); ok {
		return sel.WithModel(identifier)
	}
	return c
}
