package events

import (
	"fmt"
	"regexp"

	"lexrelay/pkg/types"
)

// Payload limits.
const (
	MaxContentLength   = 10000
	MaxTempIDLength    = 64
	MaxAttachments     = 10
	MaxFormattingSpans = 100
)

var (
	idPattern     = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)
	tempIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_.:-]{1,64}$`)
)

var formatKinds = []string{"bold", "italic", "code", "link"}

// catalog maps every recognized inbound event to its payload schema.
// Built once at package initialization; the server resolves handlers
// against the same closed set.
var catalog = map[string]*Schema{
	types.EventSendMessage: {
		Fields: map[string]FieldSpec{
			"conversation_id": {Required: true, Kind: KindString, Pattern: idPattern},
			"temp_id":         {Required: true, Kind: KindString, Pattern: tempIDPattern},
			"content":         {Kind: KindString, MaxLen: MaxContentLength, Sanitize: true},
			"reply_to_id":     {Kind: KindString, Pattern: idPattern},
			"priority":        {Kind: KindString, Enum: []string{types.PriorityNormal, types.PriorityHigh, types.PriorityUrgent}},
			"attachments":     {Kind: KindArray, Check: checkAttachments},
			"formatting":      {Kind: KindArray, Check: checkFormatting},
		},
		AnyOf: [][]string{{"content", "attachments"}},
	},
	types.EventMarkDelivered: {
		Fields: map[string]FieldSpec{
			"message_id": {Required: true, Kind: KindString, Pattern: idPattern},
		},
	},
	types.EventMarkRead: {
		Fields: map[string]FieldSpec{
			"message_id":      {Kind: KindString, Pattern: idPattern},
			"conversation_id": {Kind: KindString, Pattern: idPattern},
		},
		// A read receipt targets a single message or a whole conversation.
		AnyOf: [][]string{{"message_id", "conversation_id"}},
	},
	types.EventTypingStart: {
		Fields: map[string]FieldSpec{
			"conversation_id": {Required: true, Kind: KindString, Pattern: idPattern},
		},
	},
	types.EventTypingStop: {
		Fields: map[string]FieldSpec{
			"conversation_id": {Required: true, Kind: KindString, Pattern: idPattern},
		},
	},
	types.EventJoinConversation: {
		Fields: map[string]FieldSpec{
			"conversation_id": {Required: true, Kind: KindString, Pattern: idPattern},
		},
	},
	types.EventLeaveConversation: {
		Fields: map[string]FieldSpec{
			"conversation_id": {Required: true, Kind: KindString, Pattern: idPattern},
		},
	},
	types.EventAddReaction: {
		Fields: map[string]FieldSpec{
			"message_id": {Required: true, Kind: KindString, Pattern: idPattern},
			"emoji":      {Required: true, Kind: KindString, Check: checkEmoji},
		},
	},
	types.EventRemoveReaction: {
		Fields: map[string]FieldSpec{
			"message_id": {Required: true, Kind: KindString, Pattern: idPattern},
			"emoji":      {Required: true, Kind: KindString, Check: checkEmoji},
		},
	},
	types.EventGetOnlineUsers: {
		Fields: map[string]FieldSpec{
			"conversation_id": {Kind: KindString, Pattern: idPattern},
		},
	},
}

// SchemaFor returns the schema for a recognized event name.
func SchemaFor(event string) (*Schema, bool) {
	schema, ok := catalog[event]
	return schema, ok
}

// Validate checks and normalizes an event payload in place. An unrecognized
// event name is itself a violation.
func Validate(event string, data map[string]interface{}) []string {
	schema, ok := catalog[event]
	if !ok {
		return []string{fmt.Sprintf("unrecognized event: %s", event)}
	}
	return schema.Validate(data)
}

// checkEmoji defers to the shared reaction token rule.
func checkEmoji(field string, value interface{}, data map[string]interface{}) []string {
	if !types.IsValidEmoji(value.(string)) {
		return []string{fmt.Sprintf("%s is not a valid reaction", field)}
	}
	return nil
}

// checkAttachments validates each attachment's metadata: required fields,
// MIME allow-list, size ceiling, safe filename, http(s) URL.
func checkAttachments(field string, value interface{}, data map[string]interface{}) []string {
	items := value.([]interface{})
	if len(items) == 0 {
		return []string{fmt.Sprintf("%s must not be empty", field)}
	}
	if len(items) > MaxAttachments {
		return []string{fmt.Sprintf("%s exceeds %d attachments", field, MaxAttachments)}
	}

	var violations []string
	for i, item := range items {
		obj, ok := item.(map[string]interface{})
		if !ok {
			violations = append(violations, fmt.Sprintf("%s[%d] must be an object", field, i))
			continue
		}

		fileName, _ := obj["file_name"].(string)
		mimeType, _ := obj["mime_type"].(string)
		rawURL, _ := obj["url"].(string)
		size, sizeOK := obj["size"].(float64)

		if fileName == "" || mimeType == "" || rawURL == "" || !sizeOK {
			violations = append(violations, fmt.Sprintf("%s[%d] missing required metadata (file_name, mime_type, size, url)", field, i))
			continue
		}
		if !IsSafeFileName(fileName) {
			violations = append(violations, fmt.Sprintf("%s[%d] has unsafe file name", field, i))
		}
		if !IsAllowedMimeType(mimeType) {
			violations = append(violations, fmt.Sprintf("%s[%d] MIME type %s is not allowed", field, i, mimeType))
		}
		if size <= 0 || size > MaxAttachmentSize {
			violations = append(violations, fmt.Sprintf("%s[%d] size must be between 1 byte and 50 MB", field, i))
		}
		if !IsValidAttachmentURL(rawURL) {
			violations = append(violations, fmt.Sprintf("%s[%d] URL must be absolute http or https", field, i))
		}
	}
	return violations
}

// checkFormatting validates formatting spans against the sanitized content.
// Runs after content sanitization because field iteration re-reads the
// payload map; spans are checked against what will actually be stored.
func checkFormatting(field string, value interface{}, data map[string]interface{}) []string {
	items := value.([]interface{})
	if len(items) > MaxFormattingSpans {
		return []string{fmt.Sprintf("%s exceeds %d spans", field, MaxFormattingSpans)}
	}

	content, _ := data["content"].(string)
	textLength := len(SanitizeText(content))

	var violations []string
	for i, item := range items {
		obj, ok := item.(map[string]interface{})
		if !ok {
			violations = append(violations, fmt.Sprintf("%s[%d] must be an object", field, i))
			continue
		}

		kind, _ := obj["kind"].(string)
		start, startOK := obj["start"].(float64)
		end, endOK := obj["end"].(float64)

		if !inEnum(kind, formatKinds) {
			violations = append(violations, fmt.Sprintf("%s[%d] kind must be one of %v", field, i, formatKinds))
		}
		if !startOK || !endOK {
			violations = append(violations, fmt.Sprintf("%s[%d] requires numeric start and end", field, i))
			continue
		}
		if start < 0 || int(end) > textLength || start >= end {
			violations = append(violations, fmt.Sprintf("%s[%d] range [%d,%d) is outside the text", field, i, int(start), int(end)))
		}
		if kind == "link" {
			linkURL, _ := obj["url"].(string)
			if !IsValidAttachmentURL(linkURL) {
				violations = append(violations, fmt.Sprintf("%s[%d] link spans require a valid URL", field, i))
			}
		}
	}
	return violations
}
