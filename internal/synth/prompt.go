package synth

import (
	"fmt"
	"strings"

	"knowledge-agent/internal/domain"
)

// Request is everything one answer is generated from.
type Request struct {
	Question string
	Evidence []domain.Evidence
	History  []domain.Turn
	Topic    string
}

func buildPromptMessages(preamble string, req Request) []domain.ChatMessage {
	messages := []domain.ChatMessage{
		{Role: "system", Content: buildPolicyPrompt()},
	}
	if p := strings.TrimSpace(preamble); p != "" {
		messages = append(messages, domain.ChatMessage{Role: "system", Content: p})
	}
	messages = append(messages, domain.ChatMessage{Role: "system", Content: buildEvidencePrompt(req.Evidence)})

	for _, t := range req.History {
		messages = append(messages, historyToPromptMessages(t)...)
	}

	messages = append(messages, domain.ChatMessage{
		Role:    "user",
		Content: strings.TrimSpace(req.Question),
	})
	return messages
}

func buildPolicyPrompt() string {
	return strings.Join([]string{
		"Role:",
		"You are a help-desk assistant answering questions from the organization's knowledge base.",
		"",
		"Task:",
		"Answer the current question using only the numbered evidence passages.",
		"",
		"Approved Sources:",
		"- Evidence passages provided in this request",
		"- Completed prior conversation turns in this request",
		"",
		"Behavior Rules:",
		behaviorRules(),
		"",
		"Output Contract:",
		outputContract(),
	}, "\n")
}

func behaviorRules() string {
	return strings.Join([]string{
		"1) Answer only the current user question in this request.",
		"2) Cite every passage you rely on with its marker, for example [1].",
		"3) Prefer the lowest-numbered passage when passages disagree.",
		"4) Keep answers short and actionable; use steps for procedures.",
		"5) Never invent links, deadlines, names or contact details.",
		"6) If the passages do not contain the answer, respond exactly: \"I don't have that information.\"",
	}, "\n")
}

func outputContract() string {
	return "Return plain text only. Place citation markers right after the sentence they support."
}

func buildEvidencePrompt(evidence []domain.Evidence) string {
	if len(evidence) == 0 {
		return "Evidence:\n(none)"
	}
	var b strings.Builder
	b.WriteString("Evidence:")
	for i, e := range evidence {
		title := normalizePromptInput(e.Title)
		if title == "" {
			title = e.SourceID
		}
		fmt.Fprintf(&b, "\n\n[%d] %s\n%s", i+1, title, normalizePromptInput(e.Excerpt))
	}
	return b.String()
}

func historyToPromptMessages(t domain.Turn) []domain.ChatMessage {
	if t.Kind == domain.TurnClarification {
		return nil
	}
	question := strings.TrimSpace(t.ResolvedQuestion)
	if question == "" {
		question = strings.TrimSpace(t.Question)
	}
	answer := strings.TrimSpace(t.Answer)
	if question == "" || answer == "" {
		return nil
	}
	return []domain.ChatMessage{
		{Role: "user", Content: question},
		{Role: "assistant", Content: answer},
	}
}

func normalizePromptInput(s string) string {
	return strings.Join(strings.Fields(strings.TrimSpace(s)), " ")
}
