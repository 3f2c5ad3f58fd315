// Package resolver classifies follow-up questions against session history and
// either rewrites them with the referenced topic or asks for clarification.
package resolver

import (
	"fmt"
	"strings"

	"knowledge-agent/internal/domain"
)

// Input is a question plus the last K turns of its session, oldest first.
type Input struct {
	Question string
	History  []domain.Turn
}

// Clarification asks the caller to pick the candidate topic or escape to a
// fresh topic. Options holds exactly those two next inputs.
type Clarification struct {
	Message        string   `json:"message"`
	CandidateTopic string   `json:"candidateTopic"`
	Options        []string `json:"options"`
}

// Result is either a resolved question or a clarification request.
type Result struct {
	Resolved      string
	WasReframed   bool
	Assessment    Assessment
	Clarification *Clarification
}

// Resolver resolves a question. Implementations are deterministic.
type Resolver interface {
	Resolve(in Input) Result
}

// New selects the policy for rules.Mode.
func New(rules Rules) Resolver {
	rules = rules.withDefaults()
	if rules.Mode == ModeClarify {
		return clarifying{rules: rules}
	}
	return autoReframe{rules: rules}
}

type autoReframe struct {
	rules Rules
}

func (p autoReframe) Resolve(in Input) Result {
	if res, ok := answerClarification(p.rules, in); ok {
		return res
	}
	c := classify(p.rules, in.Question, in.History)
	return rewrite(in.Question, c)
}

type clarifying struct {
	rules Rules
}

func (p clarifying) Resolve(in Input) Result {
	if res, ok := answerClarification(p.rules, in); ok {
		return res
	}
	c := classify(p.rules, in.Question, in.History)
	if c.Class != MediumConfidenceFollowUp {
		return rewrite(in.Question, c)
	}
	return Result{
		Resolved:   strings.TrimSpace(in.Question),
		Assessment: c.Assessment,
		Clarification: &Clarification{
			Message:        fmt.Sprintf("Are you asking about %s?", c.Topic),
			CandidateTopic: c.Topic,
			Options:        []string{c.Topic, p.rules.EscapeOption},
		},
	}
}

func rewrite(question string, c classification) Result {
	if c.reframed == "" {
		return Result{Resolved: strings.TrimSpace(question), Assessment: c.Assessment}
	}
	return Result{Resolved: strings.TrimSpace(c.reframed), WasReframed: true, Assessment: c.Assessment}
}

// answerClarification handles a reply to a clarification turn: naming the
// candidate topic (or agreeing) reframes the pending question, the escape
// option answers it as a fresh topic.
func answerClarification(rules Rules, in Input) (Result, bool) {
	if len(in.History) == 0 {
		return Result{}, false
	}
	last := in.History[len(in.History)-1]
	if last.Kind != domain.TurnClarification || strings.TrimSpace(last.Topic) == "" {
		return Result{}, false
	}
	reply := strings.Join(lowerAll(tokens(in.Question)), " ")
	topic := strings.TrimSpace(last.Topic)
	pending := strings.TrimSpace(last.Question)

	switch {
	case reply == strings.Join(lowerAll(tokens(topic)), " ") || affirmatives[reply]:
		connector := "about"
		if p, ok := matchPattern(rules, lowerAll(tokens(pending))); ok {
			connector = p.Connector
		}
		return Result{
			Resolved:    appendTopic(pending, connector, topic),
			WasReframed: true,
			Assessment:  Assessment{Class: MediumConfidenceFollowUp, Tier: domain.ConfidenceMedium, Topic: topic, Rationale: "clarification_confirmed"},
		}, true
	case reply == strings.Join(lowerAll(tokens(rules.EscapeOption)), " ") || declines[reply]:
		return Result{
			Resolved:   pending,
			Assessment: Assessment{Class: NewTopic, Tier: domain.ConfidenceHigh, Topic: extractTopic(rules, pending), Rationale: "clarification_declined"},
		}, true
	}
	return Result{}, false
}
