package resolver

import (
	"regexp"
	"sort"
	"strings"
	"unicode"

	"knowledge-agent/internal/domain"
)

// Class is the ambiguity classification of a question against session history.
type Class string

const (
	NewTopic                 Class = "NEW_TOPIC"
	HighConfidenceFollowUp   Class = "HIGH_CONFIDENCE_FOLLOW_UP"
	MediumConfidenceFollowUp Class = "MEDIUM_CONFIDENCE_FOLLOW_UP"
	LowConfidenceNew         Class = "LOW_CONFIDENCE_NEW"
)

// Assessment is computed per incoming question and never persisted.
type Assessment struct {
	Class     Class
	Tier      domain.ConfidenceTier
	Topic     string
	Rationale string
}

// The contraction comes first so "it's" is never split into "it" and "'s".
var pronounRE = regexp.MustCompile(`(?i)\b(it['’]s|its|it|this|that|they|them)\b`)

// classification carries the assessment plus the rewrite it implies, if any.
type classification struct {
	Assessment
	reframed string
	pattern  Pattern
}

func classify(rules Rules, question string, history []domain.Turn) classification {
	toks := tokens(question)
	words := lowerAll(toks)
	prior := topicFromHistory(rules, history)

	if topic, rewritten, ok := matchKnownTopic(rules, question, words); ok {
		if rewritten == "" {
			return classification{Assessment: Assessment{Class: NewTopic, Tier: domain.ConfidenceHigh, Topic: topic, Rationale: "explicit_known_topic"}}
		}
		return classification{
			Assessment: Assessment{Class: HighConfidenceFollowUp, Tier: domain.ConfidenceHigh, Topic: topic, Rationale: "known_topic_alias"},
			reframed:   rewritten,
		}
	}

	if len(history) > 0 && len(words) >= rules.LongQuestionWords && !overlaps(words, history) {
		return classification{Assessment: Assessment{
			Class: LowConfidenceNew, Tier: domain.ConfidenceLow, Topic: extractTopic(rules, question), Rationale: "long_without_overlap",
		}}
	}

	if hasPronoun(words) {
		if prior == "" {
			return classification{Assessment: Assessment{Class: NewTopic, Tier: domain.ConfidenceHigh, Rationale: "pronoun_without_topic"}}
		}
		return classification{
			Assessment: Assessment{Class: HighConfidenceFollowUp, Tier: domain.ConfidenceHigh, Topic: prior, Rationale: "pronoun_reference"},
			reframed:   substitutePronoun(question, prior),
		}
	}

	if p, ok := matchPattern(rules, words); ok && !hasNamedEntity(toks) {
		if prior == "" {
			return classification{Assessment: Assessment{Class: NewTopic, Tier: domain.ConfidenceHigh, Rationale: "no_prior_topic"}}
		}
		return classification{
			Assessment: Assessment{Class: MediumConfidenceFollowUp, Tier: domain.ConfidenceMedium, Topic: prior, Rationale: "generic_action_without_entity"},
			reframed:   appendTopic(question, p.Connector, prior),
			pattern:    p,
		}
	}

	return classification{Assessment: Assessment{
		Class: NewTopic, Tier: domain.ConfidenceHigh, Topic: extractTopic(rules, question), Rationale: "no_reference",
	}}
}

// topicFromHistory returns the topic of the most recent answered turn.
func topicFromHistory(rules Rules, history []domain.Turn) string {
	for i := len(history) - 1; i >= 0; i-- {
		t := history[i]
		if t.Kind == domain.TurnClarification {
			continue
		}
		if strings.TrimSpace(t.Topic) != "" {
			return strings.TrimSpace(t.Topic)
		}
		q := t.ResolvedQuestion
		if strings.TrimSpace(q) == "" {
			q = t.Question
		}
		return extractTopic(rules, q)
	}
	return ""
}

// extractTopic finds the main subject of a question: a known topic, else the
// longest run of capitalized words, else the tail of a "what is" question.
func extractTopic(rules Rules, question string) string {
	toks := tokens(question)
	words := lowerAll(toks)
	if topic, _, ok := matchKnownTopic(rules, question, words); ok {
		return topic
	}

	best, start := []string(nil), -1
	for i := 0; i <= len(toks); i++ {
		if i < len(toks) && isNameToken(toks, i) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			if run := toks[start:i]; len(run) > len(best) {
				best = run
			}
			start = -1
		}
	}
	if len(best) > 0 {
		return strings.Join(best, " ")
	}

	for _, prefix := range [][]string{{"what", "is"}, {"what", "are"}, {"whats"}, {"tell", "me", "about"}, {"what", "about"}, {"explain"}, {"describe"}} {
		if !hasPrefix(words, prefix) {
			continue
		}
		rest := toks[len(prefix):]
		for len(rest) > 0 && (strings.EqualFold(rest[0], "the") || strings.EqualFold(rest[0], "a") || strings.EqualFold(rest[0], "an")) {
			rest = rest[1:]
		}
		if len(rest) > 4 {
			rest = rest[:4]
		}
		return strings.Join(rest, " ")
	}
	return ""
}

// matchKnownTopic reports a known topic named in the question. rewritten is
// non-empty when an alias was found and replaced by the canonical name.
func matchKnownTopic(rules Rules, question string, words []string) (topic, rewritten string, ok bool) {
	if len(rules.KnownTopics) == 0 {
		return "", "", false
	}
	aliases := make([]string, 0, len(rules.KnownTopics))
	for alias := range rules.KnownTopics {
		aliases = append(aliases, alias)
	}
	sort.Slice(aliases, func(i, j int) bool {
		if len(aliases[i]) != len(aliases[j]) {
			return len(aliases[i]) > len(aliases[j])
		}
		return aliases[i] < aliases[j]
	})

	for _, alias := range aliases {
		canonical := rules.KnownTopics[alias]
		if indexOf(words, lowerAll(tokens(canonical))) >= 0 {
			return canonical, "", true
		}
	}
	for _, alias := range aliases {
		if indexOf(words, lowerAll(tokens(alias))) < 0 {
			continue
		}
		canonical := rules.KnownTopics[alias]
		re := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(alias) + `\b`)
		loc := re.FindStringIndex(question)
		if loc == nil {
			return canonical, "", true
		}
		return canonical, question[:loc[0]] + canonical + question[loc[1]:], true
	}
	return "", "", false
}

func matchPattern(rules Rules, words []string) (Pattern, bool) {
	for _, p := range rules.Patterns {
		if hasPrefix(words, lowerAll(tokens(p.Prefix))) {
			return p, true
		}
	}
	return Pattern{}, false
}

func hasPronoun(words []string) bool {
	for _, w := range words {
		if pronouns[w] {
			return true
		}
	}
	return false
}

func substitutePronoun(question, topic string) string {
	loc := pronounRE.FindStringSubmatchIndex(question)
	if loc == nil {
		return question
	}
	replacement := topic
	switch word := strings.ToLower(question[loc[2]:loc[3]]); {
	case word == "its":
		replacement = topic + "'s"
	case strings.HasPrefix(word, "it") && word != "it":
		replacement = topic + " is"
	}
	return question[:loc[0]] + replacement + question[loc[1]:]
}

// appendTopic turns "How do I log in?" into "How do I log in to Georgia Counts?".
func appendTopic(question, connector, topic string) string {
	trimmed := strings.TrimRightFunc(question, func(r rune) bool {
		return unicode.IsSpace(r) || r == '?' || r == '.' || r == '!'
	})
	asked := strings.Contains(question[len(trimmed):], "?")

	toks := tokens(trimmed)
	connector = strings.TrimSpace(connector)
	var b strings.Builder
	b.WriteString(trimmed)
	if connector != "" && (len(toks) == 0 || !strings.EqualFold(toks[len(toks)-1], connector)) {
		b.WriteString(" " + connector)
	}
	b.WriteString(" " + topic)
	if asked {
		b.WriteString("?")
	}
	return b.String()
}

func hasNamedEntity(toks []string) bool {
	for i := range toks {
		if isNameToken(toks, i) {
			return true
		}
		if isAcronym(toks[i]) {
			return true
		}
	}
	return false
}

func isNameToken(toks []string, i int) bool {
	tok := toks[i]
	if tok == "I" || tok == "" {
		return false
	}
	first := []rune(tok)[0]
	if !unicode.IsUpper(first) {
		return false
	}
	if i == 0 && leadingWords[lowerAll([]string{tok})[0]] {
		return false
	}
	return true
}

func isAcronym(tok string) bool {
	if len(tok) < 2 {
		return false
	}
	for _, r := range tok {
		if !unicode.IsUpper(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func overlaps(words []string, history []domain.Turn) bool {
	seen := make(map[string]bool)
	for _, t := range history {
		for _, text := range []string{t.Question, t.ResolvedQuestion, t.Topic} {
			for _, w := range contentWords(lowerAll(tokens(text))) {
				seen[w] = true
			}
		}
	}
	for _, w := range contentWords(words) {
		if seen[w] {
			return true
		}
	}
	return false
}

func contentWords(words []string) []string {
	out := make([]string, 0, len(words))
	for _, w := range words {
		if len(w) >= 3 && !stopwords[w] {
			out = append(out, w)
		}
	}
	return out
}

// tokens splits text into words, keeping original case and dropping punctuation.
func tokens(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\'' && r != '’'
	})
}

func lowerAll(toks []string) []string {
	out := make([]string, len(toks))
	for i, t := range toks {
		t = strings.ToLower(t)
		t = strings.NewReplacer("'", "", "’", "").Replace(t)
		out[i] = t
	}
	return out
}

func hasPrefix(words, prefix []string) bool {
	if len(prefix) == 0 || len(words) < len(prefix) {
		return false
	}
	for i := range prefix {
		if words[i] != prefix[i] {
			return false
		}
	}
	return true
}

func indexOf(words, phrase []string) int {
	if len(phrase) == 0 {
		return -1
	}
	for i := 0; i+len(phrase) <= len(words); i++ {
		match := true
		for j := range phrase {
			if words[i+j] != phrase[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
