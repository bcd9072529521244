package llm

import (
	"context"
	"iter"
	"strings"
	"sync"
)

// Scripted replays canned replies in order, split into word chunks. It backs
// tests and offline runs without an API key.
type Scripted struct {
	mu      sync.Mutex
	replies []string
	next    int

	// Requests records every request seen.
	Requests []Request
}

func NewScripted(replies ...string) *Scripted {
	return &Scripted{replies: replies}
}

func (s *Scripted) Complete(ctx context.Context, req Request) iter.Seq2[string, error] {
	s.mu.Lock()
	s.Requests = append(s.Requests, req)
	reply := "..."
	if len(s.replies) > 0 {
		reply = s.replies[s.next%len(s.replies)]
		s.next++
	}
	s.mu.Unlock()

	reply, _ = TrimAtStop(reply, req.Stop)
	return func(yield func(string, error) bool) {
		for i, w := range strings.SplitAfter(reply, " ") {
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}
			if req.MaxTokens > 0 && i >= req.MaxTokens {
				return
			}
			if w == "" {
				continue
			}
			if !yield(w, nil) {
				return
			}
		}
	}
}
