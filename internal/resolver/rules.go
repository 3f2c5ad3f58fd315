package resolver

import "strings"

// Mode selects how medium-confidence follow-ups are handled.
type Mode string

const (
	// ModeAutoReframe substitutes the last topic into generic follow-ups.
	ModeAutoReframe Mode = "auto"
	// ModeClarify asks the user to confirm the candidate topic instead.
	ModeClarify Mode = "clarify"
)

// Pattern is a generic question prefix. Connector joins the topic when the
// question is reframed ("how do i log in" + "to" + topic).
type Pattern struct {
	Prefix    string `yaml:"prefix"`
	Connector string `yaml:"connector"`
}

// Rules are the tunable inputs of classification.
type Rules struct {
	Mode              Mode
	LongQuestionWords int
	Patterns          []Pattern
	// KnownTopics maps an alias (e.g. "GC") to its canonical topic name.
	KnownTopics  map[string]string
	EscapeOption string
}

const (
	defaultLongQuestionWords = 12
	defaultEscapeOption      = "Something else"
)

// DefaultPatterns is the generic action/question prefix list.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{Prefix: "how do i", Connector: "to"},
		{Prefix: "how can i", Connector: "to"},
		{Prefix: "how to", Connector: "to"},
		{Prefix: "where do i", Connector: "for"},
		{Prefix: "where can i", Connector: "for"},
		{Prefix: "where is", Connector: "for"},
		{Prefix: "what is the deadline", Connector: "for"},
		{Prefix: "when is", Connector: "for"},
		{Prefix: "who do i", Connector: "about"},
		{Prefix: "who can i", Connector: "about"},
		{Prefix: "is there a", Connector: "for"},
		{Prefix: "what are the requirements", Connector: "for"},
	}
}

// DefaultRules returns auto-reframe rules with the default pattern list.
func DefaultRules() Rules {
	return Rules{
		Mode:              ModeAutoReframe,
		LongQuestionWords: defaultLongQuestionWords,
		Patterns:          DefaultPatterns(),
		EscapeOption:      defaultEscapeOption,
	}
}

func (r Rules) withDefaults() Rules {
	if r.LongQuestionWords <= 0 {
		r.LongQuestionWords = defaultLongQuestionWords
	}
	if len(r.Patterns) == 0 {
		r.Patterns = DefaultPatterns()
	}
	if strings.TrimSpace(r.EscapeOption) == "" {
		r.EscapeOption = defaultEscapeOption
	}
	return r
}

var pronouns = map[string]bool{
	"it": true, "its": true, "this": true, "that": true, "they": true, "them": true,
}

// leadingWords are capitalized at the start of a question without naming anything.
var leadingWords = map[string]bool{
	"what": true, "whats": true, "how": true, "where": true, "when": true, "who": true,
	"why": true, "which": true, "is": true, "are": true, "can": true, "could": true,
	"do": true, "does": true, "did": true, "tell": true, "should": true, "would": true,
	"will": true, "please": true, "the": true, "a": true, "an": true, "i": true,
	"explain": true, "describe": true, "show": true, "give": true, "list": true,
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "was": true, "were": true,
	"what": true, "how": true, "where": true, "when": true, "who": true, "why": true,
	"which": true, "can": true, "could": true, "should": true, "would": true, "will": true,
	"does": true, "did": true, "have": true, "has": true, "had": true, "with": true,
	"about": true, "from": true, "into": true, "this": true, "that": true, "these": true,
	"those": true, "there": true, "their": true, "them": true, "they": true, "you": true,
	"your": true, "our": true, "its": true, "not": true, "but": true, "any": true,
	"all": true, "get": true, "tell": true, "more": true, "some": true, "than": true,
	"then": true, "also": true, "just": true, "like": true, "want": true, "need": true,
	"know": true, "please": true, "my": true, "me": true,
}

var affirmatives = map[string]bool{
	"yes": true, "y": true, "yep": true, "yeah": true, "sure": true, "correct": true,
	"right": true, "yes please": true, "that one": true,
}

var declines = map[string]bool{
	"no": true, "nope": true, "something else": true, "new topic": true, "neither": true,
	"none": true, "other": true,
}
