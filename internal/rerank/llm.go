package rerank

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"knowledge-agent/internal/domain"
	"knowledge-agent/internal/integrations/openai"
)

const maxExcerptChars = 600

var scoresSchema = openai.Schema{
	Name: "relevance_scores",
	Definition: json.RawMessage(`{
		"type":"object",
		"additionalProperties":false,
		"properties":{
			"scores":{"type":"array","items":{"type":"number"}}
		},
		"required":["scores"]
	}`),
}

// structuredChat is satisfied by *openai.Client.
type structuredChat interface {
	ChatStructured(ctx context.Context, model string, messages []domain.ChatMessage, schema openai.Schema) (string, error)
}

// LLMScorer asks a chat model to grade each passage against the question.
type LLMScorer struct {
	llm   structuredChat
	model string
}

func NewLLMScorer(llm structuredChat, model string) (*LLMScorer, error) {
	if llm == nil {
		return nil, errors.New("rerank: llm is required")
	}
	if model == "" {
		return nil, errors.New("rerank: model is required")
	}
	return &LLMScorer{llm: llm, model: model}, nil
}

func (s *LLMScorer) Score(ctx context.Context, question string, cands []domain.Evidence) ([]float64, error) {
	raw, err := s.llm.ChatStructured(ctx, s.model, scoringMessages(question, cands), scoresSchema)
	if err != nil {
		return nil, err
	}
	var out struct {
		Scores []float64 `json:"scores"`
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode scores: %w", err)
	}
	return out.Scores, nil
}

func scoringMessages(question string, cands []domain.Evidence) []domain.ChatMessage {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\nPassages:\n", question)
	for i, c := range cands {
		excerpt := c.Excerpt
		if utf8.RuneCountInString(excerpt) > maxExcerptChars {
			excerpt = string([]rune(excerpt)[:maxExcerptChars])
		}
		fmt.Fprintf(&b, "[%d] %s\n%s\n\n", i+1, c.Title, excerpt)
	}
	fmt.Fprintf(&b, "Return exactly %d scores in passage order.", len(cands))

	return []domain.ChatMessage{
		{
			Role: "system",
			Content: "You grade how directly each passage answers the question. " +
				"Score each passage from 0 (irrelevant) to 1 (answers it fully). " +
				"Judge only the passage text.",
		},
		{Role: "user", Content: b.String()},
	}
}
