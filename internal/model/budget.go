// ABOUTME: Token counting pre-flight using tiktoken-go/tokenizer
// ABOUTME: Rejects a context that cannot fit the model window before calling the provider

package model

import (
	"fmt"

	"github.com/tiktoken-go/tokenizer"

	"github.com/2389/parley-gateway/internal/cycle"
)

// Per-message framing overhead of the chat format
const (
	tokensPerMessage = 4
	tokensPerReply   = 3
)

// TokenBudget counts dialogue tokens against a maximum.
type TokenBudget struct {
	codec tokenizer.Codec
	max   int
}

// NewTokenBudget creates a budget using the cl100k_base encoding.
// A non-positive max disables the check.
func NewTokenBudget(max int) (*TokenBudget, error) {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, fmt.Errorf("loading tokenizer: %w", err)
	}
	return &TokenBudget{codec: codec, max: max}, nil
}

// Max returns the configured limit
func (b *TokenBudget) Max() int {
	return b.max
}

// Count returns the estimated prompt tokens of instructions plus messages.
func (b *TokenBudget) Count(messages []Message, instructions string) (int, error) {
	total := tokensPerReply
	if instructions != "" {
		n, err := b.encode(instructions)
		if err != nil {
			return 0, err
		}
		total += n + tokensPerMessage
	}
	for _, m := range messages {
		n, err := b.encode(m.Content)
		if err != nil {
			return 0, err
		}
		total += n + tokensPerMessage
	}
	return total, nil
}

func (b *TokenBudget) encode(s string) (int, error) {
	ids, _, err := b.codec.Encode(s)
	if err != nil {
		return 0, fmt.Errorf("encoding text: %w", err)
	}
	return len(ids), nil
}

// Check returns a ContextTooLarge error when the dialogue exceeds the budget.
func (b *TokenBudget) Check(messages []Message, instructions string) error {
	if b == nil || b.max <= 0 {
		return nil
	}
	n, err := b.Count(messages, instructions)
	if err != nil {
		return cycle.Wrap(cycle.KindInternal, cycle.StageCompleting, err)
	}
	if n > b.max {
		return cycle.Errorf(cycle.KindContextTooLarge, cycle.StageCompleting,
			"context of %d tokens exceeds limit of %d", n, b.max)
	}
	return nil
}
