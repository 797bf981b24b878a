package autoreply

import "strings"

// Classifier is a keyword rule classifier for messages that arrive without a
// verdict from an upstream model.
type Classifier struct {
	UrgentKeywords     []string
	HighKeywords       []string
	NewsletterMarkers  []string
	SchedulingKeywords []string
}

// DefaultClassifier returns the built-in keyword sets.
func DefaultClassifier() Classifier {
	return Classifier{
		UrgentKeywords:     []string{"urgent", "asap", "outage", "emergency", "immediately", "is down"},
		HighKeywords:       []string{"important", "deadline", "blocker", "today", "eod"},
		NewsletterMarkers:  []string{"unsubscribe", "newsletter", "no-reply", "noreply", "digest"},
		SchedulingKeywords: []string{"meeting", "schedule", "calendar", "reschedule", "availability"},
	}
}

// Classify assigns priority, type, action and confidence.
func (c Classifier) Classify(m InboundMessage) ClassifiedMessage {
	text := strings.ToLower(m.Subject + "\n" + m.Body)
	sender := strings.ToLower(m.Sender)
	out := ClassifiedMessage{Message: m, Priority: PriorityNormal, Confidence: 0.6}

	switch {
	case containsAny(text, c.UrgentKeywords):
		out.Priority = PriorityUrgent
	case containsAny(text, c.HighKeywords):
		out.Priority = PriorityHigh
	}

	switch {
	case containsAny(text, c.NewsletterMarkers) || containsAny(sender, c.NewsletterMarkers):
		out.Priority = PriorityLow
		out.MessageType = "newsletter"
		out.SuggestedAction = ActionAddToDigest
		out.Confidence = 0.9
	case out.Priority == PriorityUrgent:
		out.MessageType = "incident"
		out.SuggestedAction = ActionEscalate
		out.Confidence = 0.85
	case containsAny(text, c.SchedulingKeywords):
		out.MessageType = "scheduling"
		out.SuggestedAction = ActionDraftReply
		out.Confidence = 0.8
	case strings.Contains(text, "?"):
		out.MessageType = "question"
		out.SuggestedAction = ActionAutoReply
		out.Confidence = 0.75
	case strings.Contains(text, "thank"):
		out.MessageType = "acknowledgement"
		out.SuggestedAction = ActionIgnore
		out.Confidence = 0.8
	default:
		out.MessageType = "general"
		out.SuggestedAction = ActionDraftReply
	}
	return out
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if n != "" && strings.Contains(s, n) {
			return true
		}
	}
	return false
}
