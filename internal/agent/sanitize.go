package agent

import (
	"regexp"
	"strings"

	"github.com/openpaw/openpaw/internal/llm"
)

// NoReplyMarker lets the model decline to send anything to the channel.
const NoReplyMarker = "NO_REPLY"

var thinkingPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?s)<think>.*?</think>`),
	regexp.MustCompile(`(?s)<thinking>.*?</thinking>`),
	regexp.MustCompile(`(?s)<reasoning>.*?</reasoning>`),
	// Unclosed tag: strip to end of message.
	regexp.MustCompile(`(?s)<think(ing)?>.*$`),
}

// StripThinkingTags removes reasoning blocks from model output.
func StripThinkingTags(content string) string {
	for _, pat := range thinkingPatterns {
		content = pat.ReplaceAllString(content, "")
	}
	return strings.TrimSpace(content)
}

// IsSilentReply reports whether the reply is the NO_REPLY marker (alone or
// as the whole trimmed content).
func IsSilentReply(content string) bool {
	trimmed := strings.TrimSpace(StripThinkingTags(content))
	return trimmed == NoReplyMarker
}

// sanitizeHistory strips thinking blocks from historical assistant messages
// so stale reasoning never poisons a replay.
func sanitizeHistory(history []llm.Message) []llm.Message {
	out := make([]llm.Message, len(history))
	for i, m := range history {
		if m.Role == llm.RoleAssistant && m.Content != "" {
			m.Content = StripThinkingTags(m.Content)
		}
		out[i] = m
	}
	return out
}
