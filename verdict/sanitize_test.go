package verdict

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestSanitizePromptText(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "plain text unchanged",
			input:    "The dashboard shows the user's name",
			expected: "The dashboard shows the user's name",
		},
		{
			name:     "control characters removed",
			input:    "Home\x00 page\x1b[31m loads",
			expected: "Home page[31m loads",
		},
		{
			name:     "paragraph breaks kept",
			input:    "First\n\n\n\n\nSecond",
			expected: "First\n\nSecond",
		},
		{
			name:     "inline whitespace collapsed",
			input:    "  a \t\t b   c  \n   d  ",
			expected: "a b c\nd",
		},
		{
			name:     "empty",
			input:    "   ",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, sanitizePromptText(tt.input))
		})
	}
}

func TestSanitizePromptText_Truncates(t *testing.T) {
	long := strings.Repeat("é", MaxPromptFieldLength)
	got := sanitizePromptText(long)
	assert.LessOrEqual(t, len(got), MaxPromptFieldLength)
	assert.True(t, utf8.ValidString(got))
}

func TestBuildPrompt_SanitizesInput(t *testing.T) {
	prompt := buildPrompt("Welcome\x07 banner", "click\x00 login", "")
	assert.Contains(t, prompt, "Expected result: Welcome banner")
	assert.Contains(t, prompt, "Step description: click login")
	assert.NotContains(t, prompt, "Step results:")
}

func TestBuildPrompt_OmitsEmptyStepDescription(t *testing.T) {
	prompt := buildPrompt("the dashboard", "  ", "- 1. [success] open page")
	assert.NotContains(t, prompt, "Step description:")
	assert.Contains(t, prompt, "Step results:\n- 1. [success] open page\nExpected result: the dashboard")
}
