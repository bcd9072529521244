// Package llm streams text completions for agent conversations.
package llm

import (
	"context"
	"iter"
	"strings"
)

// Roles of prompt messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string
	Content string
}

type Request struct {
	Messages    []Message
	MaxTokens   int
	Stop        []string
	Temperature *float32
}

// Completer streams the completion of a prompt. The sequence is finite and
// can be ranged over once; a failure is yielded as the last element.
type Completer interface {
	Complete(ctx context.Context, req Request) iter.Seq2[string, error]
}

// Collect drains a completion into one string.
func Collect(ctx context.Context, c Completer, req Request) (string, error) {
	var sb strings.Builder
	for chunk, err := range c.Complete(ctx, req) {
		if err != nil {
			return sb.String(), err
		}
		sb.WriteString(chunk)
	}
	return sb.String(), nil
}

// TrimAtStop cuts text at the first stop sequence. Providers that stream
// past a stop sequence are filtered through it.
func TrimAtStop(text string, stop []string) (string, bool) {
	cut := -1
	for _, s := range stop {
		if s == "" {
			continue
		}
		if i := strings.Index(text, s); i >= 0 && (cut < 0 || i < cut) {
			cut = i
		}
	}
	if cut < 0 {
		return text, false
	}
	return text[:cut], true
}
