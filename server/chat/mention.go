package chat

import (
	"strings"
)

// Mode selects how a prompt is built.
type Mode string

const (
	// ModeDirect uses the instruction text as the whole prompt.
	ModeDirect Mode = "direct"
	// ModeContinuation renders channel history as a transcript followed by the instruction.
	ModeContinuation Mode = "continuation"
)

// MentionMarkers returns the markers a platform uses to mention userID,
// in both the plain and the nickname form.
func MentionMarkers(userID string) []string {
	if userID == "" {
		return nil
	}
	return []string{"<@" + userID + ">", "<@!" + userID + ">"}
}

// StripMentions removes every marker from text and trims the result.
func StripMentions(text string, markers []string) string {
	for _, m := range markers {
		if m == "" {
			continue
		}
		text = strings.ReplaceAll(text, m, "")
	}
	return strings.TrimSpace(text)
}

// ParseCommand selects the mode for an already stripped message. Text
// starting with prefix selects continuation mode and the trimmed remainder
// is the suffix instruction; anything else is a direct instruction.
func ParseCommand(text, prefix string) (Mode, string) {
	if prefix != "" && strings.HasPrefix(text, prefix) {
		return ModeContinuation, strings.TrimSpace(text[len(prefix):])
	}
	return ModeDirect, text
}
