package events

import (
	"net/url"
	"regexp"
	"strings"
)

// Compiled once at package initialization; sanitization runs on every
// message send.
var (
	markupRegex       = regexp.MustCompile(`<[^>]*>`)
	excessNewlines    = regexp.MustCompile(`\n{3,}`)
	safeFileNameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9 ._()\-]{0,254}$`)
)

// MaxAttachmentSize is the upload ceiling enforced at event validation;
// object storage enforces the same limit on its side.
const MaxAttachmentSize = 50 * 1024 * 1024

// allowedMimeTypes is the attachment allow-list. Anything not listed is
// rejected regardless of what the upload layer accepted.
var allowedMimeTypes = map[string]bool{
	"image/jpeg":         true,
	"image/png":          true,
	"image/gif":          true,
	"image/webp":         true,
	"application/pdf":    true,
	"application/msword": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
	"application/vnd.ms-excel": true,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": true,
	"text/plain": true,
	"text/csv":   true,
	"audio/mpeg": true,
	"audio/ogg":  true,
	"video/mp4":  true,
}

// SanitizeText strips all markup from user-supplied text: no tags or
// attributes survive. Control characters are removed, runs of three or
// more newlines collapse to two, and surrounding whitespace is trimmed.
func SanitizeText(s string) string {
	s = markupRegex.ReplaceAllString(s, "")
	s = stripControlChars(s)
	s = excessNewlines.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

func stripControlChars(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\n' || r == '\t' {
			b.WriteRune(r)
			continue
		}
		if r < 0x20 || r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// IsAllowedMimeType reports whether the MIME type is on the allow-list.
func IsAllowedMimeType(mimeType string) bool {
	return allowedMimeTypes[strings.ToLower(strings.TrimSpace(mimeType))]
}

// IsSafeFileName rejects names with path separators, traversal sequences
// or characters outside the safe charset.
func IsSafeFileName(name string) bool {
	if strings.Contains(name, "..") {
		return false
	}
	return safeFileNameRegex.MatchString(name)
}

// IsValidAttachmentURL accepts absolute http/https URLs only.
func IsValidAttachmentURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return u.Host != ""
}
