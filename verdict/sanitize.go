package verdict

import (
	"regexp"
	"strings"
	"unicode"
)

// MaxPromptFieldLength bounds user text placed into a vision prompt.
const MaxPromptFieldLength = 5000

var (
	excessNewlines = regexp.MustCompile(`\n{3,}`)
	inlineSpace    = regexp.MustCompile(`[ \t]+`)
)

// sanitizePromptText prepares free text (expected results, step
// descriptions) for a prompt. Control and non-printable characters are
// dropped, whitespace is normalized and paragraph breaks are kept.
func sanitizePromptText(s string) string {
	s = strings.TrimSpace(s)
	s = removeControlCharacters(s, true)
	s = removeNonPrintable(s)

	// Replace 3+ newlines with 2 newlines
	s = excessNewlines.ReplaceAllString(s, "\n\n")

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(inlineSpace.ReplaceAllString(line, " "))
	}
	s = strings.TrimSpace(strings.Join(lines, "\n"))

	return truncateRunes(s, MaxPromptFieldLength)
}

// removeControlCharacters removes control characters from a string.
// If preserveFormatting is true, newlines and tabs are kept.
func removeControlCharacters(s string, preserveFormatting bool) string {
	var result strings.Builder
	for _, r := range s {
		if unicode.IsControl(r) {
			if preserveFormatting && (r == '\n' || r == '\t') {
				result.WriteRune(r)
			}
			continue
		}
		result.WriteRune(r)
	}
	return result.String()
}

func removeNonPrintable(s string) string {
	var result strings.Builder
	for _, r := range s {
		if unicode.IsPrint(r) || r == '\n' || r == '\t' {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// truncateRunes cuts s to at most n bytes without splitting a rune.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := 0
	for i := range s {
		if i > n {
			break
		}
		cut = i
	}
	return s[:cut]
}
