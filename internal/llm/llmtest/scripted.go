// Package llmtest provides a deterministic llm.Client for tests.
package llmtest

import (
	"context"
	"strings"
	"sync"
)

// Reply is one canned answer. A non-nil Err is returned instead of Text.
type Reply struct {
	Text string
	Err  error
}

type rule struct {
	match   string
	replies []Reply
}

// Scripted answers prompts from queues keyed by a substring of the prompt.
// The first rule whose substring occurs in the prompt wins; its queue is
// consumed in order and the last reply repeats once the queue is exhausted.
type Scripted struct {
	mu       sync.Mutex
	rules    []*rule
	fallback string
	chunk    int
	prompts  []string
}

// New returns a Scripted client that answers unmatched prompts with "{}".
func New() *Scripted {
	return &Scripted{fallback: "{}", chunk: 4}
}

// On registers replies for prompts containing match.
func (s *Scripted) On(match string, replies ...string) *Scripted {
	rs := make([]Reply, len(replies))
	for i, r := range replies {
		rs[i] = Reply{Text: r}
	}
	return s.OnReplies(match, rs...)
}

// OnReplies registers replies, including failures, for prompts containing match.
func (s *Scripted) OnReplies(match string, replies ...Reply) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rules {
		if r.match == match {
			r.replies = append(r.replies, replies...)
			return s
		}
	}
	s.rules = append(s.rules, &rule{match: match, replies: replies})
	return s
}

// ChunkSize sets how many runes each streamed token carries.
func (s *Scripted) ChunkSize(n int) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > 0 {
		s.chunk = n
	}
	return s
}

// Prompts returns every prompt received so far.
func (s *Scripted) Prompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.prompts))
	copy(out, s.prompts)
	return out
}

// Calls counts prompts that contained match.
func (s *Scripted) Calls(match string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.prompts {
		if strings.Contains(p, match) {
			n++
		}
	}
	return n
}

func (s *Scripted) next(prompt string) Reply {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, prompt)
	for _, r := range s.rules {
		if !strings.Contains(prompt, r.match) || len(r.replies) == 0 {
			continue
		}
		reply := r.replies[0]
		if len(r.replies) > 1 {
			r.replies = r.replies[1:]
		}
		return reply
	}
	return Reply{Text: s.fallback}
}

// CompleteText implements llm.Client.
func (s *Scripted) CompleteText(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	r := s.next(prompt)
	return r.Text, r.Err
}

// StreamText implements llm.Client, emitting the reply in fixed-size chunks.
func (s *Scripted) StreamText(ctx context.Context, prompt string, onToken func(string) error) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	r := s.next(prompt)
	if r.Err != nil {
		return "", r.Err
	}

	s.mu.Lock()
	size := s.chunk
	s.mu.Unlock()

	runes := []rune(r.Text)
	for start := 0; start < len(runes); start += size {
		end := min(start+size, len(runes))
		if onToken != nil {
			if err := onToken(string(runes[start:end])); err != nil {
				return string(runes[:end]), err
			}
		}
	}
	return r.Text, nil
}
