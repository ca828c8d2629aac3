package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kestrelvoice/kestrel/pkg/llm"
	"github.com/kestrelvoice/kestrel/pkg/resilience"
)

// Adapter talks to the chat completions API and parses the structured
// action JSON the system prompt demands.
type Adapter struct {
	APIKey  string
	Model   string
	BaseURL string
	Client  *http.Client

	breaker *resilience.CircuitBreaker
}

func NewAdapter(apiKey, model string) *Adapter {
	return &Adapter{
		APIKey:  apiKey,
		Model:   model,
		BaseURL: "https://api.openai.com/v1",
		Client:  &http.Client{Timeout: 30 * time.Second},
		breaker: resilience.NewCircuitBreaker(5, 30*time.Second),
	}
}

func (a *Adapter) Name() string { return "openai" }

func (a *Adapter) Complete(ctx context.Context, input llm.Request) (llm.Reply, error) {
	if a.breaker != nil && !a.breaker.Allow() {
		return llm.Reply{}, errors.New("llm circuit open")
	}
	reply, err := a.complete(ctx, input)
	if a.breaker != nil {
		if err != nil {
			a.breaker.OnError(err)
		} else {
			a.breaker.OnSuccess()
		}
	}
	return reply, err
}

func (a *Adapter) complete(ctx context.Context, input llm.Request) (llm.Reply, error) {
	body, err := a.buildRequest(input)
	if err != nil {
		return llm.Reply{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+"/chat/completions", body)
	if err != nil {
		return llm.Reply{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.APIKey)

	resp, err := a.client().Do(req)
	if err != nil {
		return llm.Reply{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		raw, _ := io.ReadAll(resp.Body)
		return llm.Reply{}, resilience.RateLimitError{Provider: "openai", Message: string(raw)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return llm.Reply{}, errors.New(string(raw))
	}

	var payload struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return llm.Reply{}, err
	}
	if len(payload.Choices) == 0 {
		return llm.Reply{}, errors.New("no choices in response")
	}

	reply := ParseReply(payload.Choices[0].Message.Content)
	reply.Usage = llm.Usage{
		PromptTokens:     payload.Usage.PromptTokens,
		CompletionTokens: payload.Usage.CompletionTokens,
		TotalTokens:      payload.Usage.TotalTokens,
	}
	return reply, nil
}

func (a *Adapter) buildRequest(input llm.Request) (*bytes.Buffer, error) {
	system := input.SystemPrompt
	if len(input.Facts) > 0 {
		system += "\n\nKnown facts:\n" + strings.Join(input.Facts, "\n\n")
	}
	system += "\n\n" + llm.ActionSchemaPrompt

	messages := make([]map[string]string, 0, 2+2*len(input.History))
	messages = append(messages, map[string]string{"role": "system", "content": system})
	for _, ex := range input.History {
		messages = append(messages,
			map[string]string{"role": "user", "content": ex.User},
			map[string]string{"role": "assistant", "content": ex.Assistant})
	}
	messages = append(messages, map[string]string{"role": "user", "content": input.Transcript})

	req := map[string]any{
		"model":           a.Model,
		"messages":        messages,
		"temperature":     0.3,
		"response_format": map[string]string{"type": "json_object"},
	}
	b, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return bytes.NewBuffer(b), nil
}

func (a *Adapter) client() *http.Client {
	if a.Client != nil {
		return a.Client
	}
	return http.DefaultClient
}

// ParseReply decodes the model's action JSON. Models occasionally wrap
// the object in markdown fences or emit bare prose; both degrade
// gracefully instead of failing the turn.
func ParseReply(content string) llm.Reply {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var parsed struct {
		Action string         `json:"action"`
		Reply  string         `json:"reply"`
		Args   map[string]any `json:"args"`
	}
	if err := json.Unmarshal([]byte(content), &parsed); err != nil || parsed.Reply == "" {
		// Bare prose: say it as-is, no action taken.
		return llm.Reply{Text: content, Action: llm.ActionNone}
	}
	return llm.Reply{
		Text:   parsed.Reply,
		Action: llm.ParseAction(parsed.Action),
		Args:   parsed.Args,
	}
}

var _ llm.Adapter = (*Adapter)(nil)
