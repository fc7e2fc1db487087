package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Injection patterns — fragments that should never appear in a user prompt
// headed for downstream storage or templating.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(DROP|DELETE|INSERT|UPDATE|ALTER|EXEC|UNION)\b.*\b(TABLE|FROM|INTO|SELECT|SET)\b`),
	regexp.MustCompile(`(?i)(--|;)\s*(DROP|DELETE|SELECT)`),
	regexp.MustCompile(`(?i)\$\{.*\}`),
	regexp.MustCompile(`(?i)\{\s*"\$[a-z]+"\s*:`),
}

const minPromptLength = 1

// nonWord matches any run of characters that are not letters, digits, or
// underscore — used to sanitize identity fragments into hash components.
var nonWord = regexp.MustCompile(`\W+`)

// TicketHash derives the deterministic identity of a ticket resource:
// `{source_type}_{sanitized_id}` with non-word runs replaced by `_` and the
// whole string lower-cased. Resources from the other source types are
// addressed by ContentHash instead.
func TicketHash(sourceType, ticketID string) string {
	sanitized := nonWord.ReplaceAllString(ticketID, "_")
	sanitized = strings.Trim(sanitized, "_")
	return strings.ToLower(sourceType + "_" + sanitized)
}

// ContentHash derives the content-address for web/local/git/sso resources:
// the sha256 of the source type and raw bytes, so identical content
// re-collected from the same kind of source round-trips to the same hash
// and a changed page produces a new one.
func ContentHash(sourceType SourceType, content []byte) string {
	h := sha256.New()
	h.Write([]byte(sourceType))
	h.Write([]byte{0})
	h.Write(content)
	return hex.EncodeToString(h.Sum(nil))
}

// ValidateResource checks a Resource's required fields before it is handed
// to the catalog.
func ValidateResource(r Resource) error {
	if r.Hash == "" {
		return NewValidationError("hash", r.Hash, ErrInvalidResource)
	}
	if !ValidSourceTypes[r.SourceType] {
		return NewValidationError("source_type", string(r.SourceType), ErrUnsupportedSource)
	}
	return nil
}

// ValidatePrompt validates a user chat prompt before it enters the
// pipeline executor.
func ValidatePrompt(text string) error {
	trimmed := strings.TrimSpace(text)

	if utf8.RuneCountInString(trimmed) < minPromptLength {
		return NewValidationError("prompt", trimmed, ErrPromptTooShort)
	}

	for _, pat := range injectionPatterns {
		if pat.MatchString(trimmed) {
			return NewValidationError("prompt", trimmed, ErrPromptInjection)
		}
	}

	return nil
}
