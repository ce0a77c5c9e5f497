package apps

import (
	"strings"
	"unicode"
)

// provider suffixes some upstream exports append to model directory names.
var providerSuffixes = []string{"_openai", "_anthropic", "_google", "_meta", "_mistral", "_deepseek"}

// Slug canonicalises a model name for use as a directory and database key:
// lowercase, punctuation runs collapse to a single underscore, and a known
// provider suffix is stripped. "Claude-3.5-Sonnet_anthropic" and
// "claude_3_5_sonnet" map to the same slug.
func Slug(model string) string {
	var b strings.Builder
	underscore := false
	for _, c := range strings.ToLower(model) {
		if unicode.IsLetter(c) || unicode.IsDigit(c) {
			b.WriteRune(c)
			underscore = false
			continue
		}
		if !underscore && b.Len() > 0 {
			b.WriteByte('_')
			underscore = true
		}
	}
	slug := strings.TrimSuffix(b.String(), "_")
	for _, suffix := range providerSuffixes {
		if trimmed := strings.TrimSuffix(slug, suffix); trimmed != slug && trimmed != "" {
			return trimmed
		}
	}
	return slug
}

// Provider extracts the provider name when the model carries a known suffix.
func Provider(model string) string {
	slug := strings.ToLower(model)
	slug = strings.Map(func(c rune) rune {
		if unicode.IsLetter(c) || unicode.IsDigit(c) {
			return c
		}
		return '_'
	}, slug)
	for _, suffix := range providerSuffixes {
		if strings.HasSuffix(slug, suffix) {
			return strings.TrimPrefix(suffix, "_")
		}
	}
	return ""
}
