package synth

import "strings"

const topicPlaceholder = "{topic}"

// Fallbacks are the canned answers served when no evidence can be used.
// Topic variants may contain {topic}.
type Fallbacks struct {
	Generic         string `yaml:"generic"`
	Topic           string `yaml:"topic"`
	NoEvidence      string `yaml:"no_evidence"`
	NoEvidenceTopic string `yaml:"no_evidence_topic"`
}

func DefaultFallbacks() Fallbacks {
	return Fallbacks{
		Generic:         "I can't reach the knowledge base right now. Please try again in a moment.",
		Topic:           "I can't reach the knowledge base for {topic} right now. Please try again in a moment or check the {topic} help pages.",
		NoEvidence:      "I don't have that information.",
		NoEvidenceTopic: "I don't have that information about {topic}.",
	}
}

// Fallback builds the answer used when retrieval timed out or was unavailable.
func Fallback(f Fallbacks, topic string) string {
	return render(f.Topic, f.Generic, DefaultFallbacks().Generic, topic)
}

// NoEvidence builds the answer used when retrieval found nothing above the floor.
func NoEvidence(f Fallbacks, topic string) string {
	return render(f.NoEvidenceTopic, f.NoEvidence, DefaultFallbacks().NoEvidence, topic)
}

func render(topicTmpl, generic, last, topic string) string {
	topic = strings.TrimSpace(topic)
	if topic != "" && strings.TrimSpace(topicTmpl) != "" {
		return strings.ReplaceAll(topicTmpl, topicPlaceholder, topic)
	}
	if strings.TrimSpace(generic) != "" {
		return generic
	}
	return last
}
