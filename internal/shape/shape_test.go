package shape_test

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/Zbun/wechat-gpt-relay/internal/shape"
)

func TestShape_PrefixStripping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "no prefix",
			input:    "hello there",
			expected: "hello there",
		},
		{
			name:     "AI colon",
			input:    "AI: hello",
			expected: "hello",
		},
		{
			name:     "assistant lowercase",
			input:    "assistant: hello",
			expected: "hello",
		},
		{
			name:     "fullwidth colon",
			input:    "机器人：你好",
			expected: "你好",
		},
		{
			name:     "AI fullwidth colon",
			input:    "AI：你好",
			expected: "你好",
		},
		{
			name:     "prefix mid-text untouched",
			input:    "the AI: label stays",
			expected: "the AI: label stays",
		},
		{
			name:     "leading whitespace before prefix",
			input:    "  Assistant: trimmed",
			expected: "trimmed",
		},
		{
			name:     "only strips one label",
			input:    "AI: Assistant: nested",
			expected: "Assistant: nested",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := shape.Shape(tt.input, 0); got != tt.expected {
				t.Errorf("Shape(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestShape_TruncationAtLimit(t *testing.T) {
	t.Parallel()

	const limit = 20
	input := strings.Repeat("a", limit+5)

	got := shape.Shape(input, limit)
	if utf8.RuneCountInString(got) != limit {
		t.Fatalf("shaped length = %d runes, want %d", utf8.RuneCountInString(got), limit)
	}
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("shaped text %q does not end with ellipsis", got)
	}
}

func TestShape_WithinLimitUnchanged(t *testing.T) {
	t.Parallel()

	input := strings.Repeat("b", 20)
	if got := shape.Shape(input, 20); got != input {
		t.Fatalf("Shape() = %q, want input unchanged", got)
	}
}

func TestShape_MultibyteTruncation(t *testing.T) {
	t.Parallel()

	input := strings.Repeat("汉", 30)
	got := shape.Shape(input, 10)

	if utf8.RuneCountInString(got) != 10 {
		t.Fatalf("shaped length = %d runes, want 10", utf8.RuneCountInString(got))
	}
	if !utf8.ValidString(got) {
		t.Fatalf("shaped text %q is not valid UTF-8", got)
	}
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("shaped text %q does not end with ellipsis", got)
	}
}

func TestShape_TinyLimitOmitsEllipsis(t *testing.T) {
	t.Parallel()

	tests := []struct {
		limit    int
		expected string
	}{
		{limit: 1, expected: "h"},
		{limit: 2, expected: "he"},
		{limit: 3, expected: "hel"},
		{limit: 4, expected: "h..."},
	}

	for _, tt := range tests {
		if got := shape.Shape("hello world", tt.limit); got != tt.expected {
			t.Errorf("Shape(limit=%d) = %q, want %q", tt.limit, got, tt.expected)
		}
	}
}

func TestShape_ZeroLimitDisablesTruncation(t *testing.T) {
	t.Parallel()

	input := strings.Repeat("c", 5000)
	if got := shape.Shape(input, 0); got != input {
		t.Fatal("zero limit must not truncate")
	}
}
