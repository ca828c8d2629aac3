package convo

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

// FAQEntry is one question/answer pair from the knowledge file.
type FAQEntry struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// FAQ is a read-only knowledge base loaded once at startup and shared
// across calls.
type FAQ struct {
	entries map[string]FAQEntry
}

// LoadFAQ reads a JSON file of category → {question, answer}. A missing
// file yields an empty knowledge base, not an error: the receptionist
// still answers, just without canned facts.
func LoadFAQ(path string) (*FAQ, error) {
	f := &FAQ{entries: make(map[string]FAQEntry)}
	if path == "" {
		return f, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return nil, fmt.Errorf("read faq: %w", err)
	}
	if err := json.Unmarshal(raw, &f.entries); err != nil {
		return nil, fmt.Errorf("parse faq: %w", err)
	}
	return f, nil
}

func (f *FAQ) Len() int { return len(f.entries) }

// Facts formats all entries for inclusion in the LLM request context.
func (f *FAQ) Facts() []string {
	if len(f.entries) == 0 {
		return nil
	}
	keys := make([]string, 0, len(f.entries))
	for k := range f.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		e := f.entries[k]
		out = append(out, fmt.Sprintf("Q: %s\nA: %s", e.Question, e.Answer))
	}
	return out
}

// Search returns the answer whose question shares the most keywords with
// the query, or "" when nothing matches.
func (f *FAQ) Search(query string) string {
	queryLower := strings.ToLower(query)
	best := ""
	bestScore := 0
	keys := make([]string, 0, len(f.entries))
	for k := range f.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		e := f.entries[k]
		score := 0
		for _, word := range strings.Fields(strings.ToLower(e.Question)) {
			if strings.Contains(queryLower, word) {
				score++
			}
		}
		if score > bestScore {
			bestScore = score
			best = e.Answer
		}
	}
	return best
}
