package mock

import (
	"context"
	"sync"

	"github.com/kestrelvoice/kestrel/pkg/llm"
)

// LLM is a scripted language-model adapter. Replies pop in order; when
// the script is exhausted the last reply repeats. CompleteFn and Err
// allow timeout and failure paths to be exercised.
type LLM struct {
	mu         sync.Mutex
	Replies    []llm.Reply
	Err        error
	CompleteFn func(ctx context.Context, req llm.Request) (llm.Reply, error)
	requests   []llm.Request
}

func NewLLM(replies ...llm.Reply) *LLM {
	if len(replies) == 0 {
		replies = []llm.Reply{{Text: "Okay.", Action: llm.ActionNone}}
	}
	return &LLM{Replies: replies}
}

func (m *LLM) Name() string { return "mock-llm" }

func (m *LLM) Complete(ctx context.Context, req llm.Request) (llm.Reply, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	custom := m.CompleteFn
	err := m.Err
	var reply llm.Reply
	if len(m.Replies) > 0 {
		reply = m.Replies[0]
		if len(m.Replies) > 1 {
			m.Replies = m.Replies[1:]
		}
	}
	m.mu.Unlock()

	if custom != nil {
		return custom(ctx, req)
	}
	if err != nil {
		return llm.Reply{}, err
	}
	if ctx.Err() != nil {
		return llm.Reply{}, ctx.Err()
	}
	return reply, nil
}

// Requests returns every request seen, for prompt and history
// assertions.
func (m *LLM) Requests() []llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]llm.Request, len(m.requests))
	copy(out, m.requests)
	return out
}
