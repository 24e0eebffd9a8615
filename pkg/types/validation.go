package types

import (
	"regexp"
)

// Compiled once at package initialization; ID validation runs on every
// inbound event.
var (
	userIDRegex         = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	conversationIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	emojiRegex          = regexp.MustCompile(`^[^\s<>&"']{1,16}$`)
)

// IsValidUserID checks if a user ID meets format requirements:
// 1-50 characters, alphanumeric plus underscore/hyphen.
func IsValidUserID(userID string) bool {
	if len(userID) < 1 || len(userID) > 50 {
		return false
	}
	return userIDRegex.MatchString(userID)
}

// IsValidConversationID checks a conversation identifier. Same charset as
// user IDs but allows the longer document-store key length.
func IsValidConversationID(conversationID string) bool {
	if len(conversationID) < 1 || len(conversationID) > 64 {
		return false
	}
	return conversationIDRegex.MatchString(conversationID)
}

// IsValidEmoji accepts short reaction tokens: unicode emoji or shortcodes,
// no whitespace or markup-significant characters.
func IsValidEmoji(emoji string) bool {
	return emojiRegex.MatchString(emoji)
}
