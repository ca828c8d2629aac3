package llm

import "context"

// Exchange is one completed caller/assistant turn included as history.
type Exchange struct {
	User      string
	Assistant string
}

// Request carries everything the reasoning leg needs for one turn. The
// call is request/response by contract; vendors may stream internally.
type Request struct {
	Transcript   string
	History      []Exchange
	SystemPrompt string
	Facts        []string
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Reply is the structured outcome of reasoning over a turn. Action and
// Args pass through to downstream handlers opaquely.
type Reply struct {
	Text   string
	Action Action
	Args   map[string]any
	Usage  Usage
}

// Adapter is the capability contract any LLM vendor satisfies.
type Adapter interface {
	Name() string
	Complete(ctx context.Context, req Request) (Reply, error)
}
