package arbiter

import (
	"context"
	"sync"
)

// ScriptedClient replays canned replies in order and answers "continue"
// once the script runs out. It backs dry runs and tests.
type ScriptedClient struct {
	Replies []string

	mu    sync.Mutex
	calls int
}

func (s *ScriptedClient) Judge(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	_ = prompt
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i < len(s.Replies) {
		return s.Replies[i], nil
	}
	return `{"outcome": "continue", "reason": "script exhausted"}`, nil
}

// Calls returns how many judgments have been requested so far.
func (s *ScriptedClient) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
