package router

import (
	"strings"
	"unicode/utf8"
)

// MaxMessageRunes is Telegram's limit for one text message.
const MaxMessageRunes = 4096

// splitMessage cuts text into pieces of at most max runes. It prefers to
// cut after a newline and falls back to a hard cut for very long lines.
func splitMessage(text string, max int) []string {
	if max <= 0 || utf8.RuneCountInString(text) <= max {
		return []string{text}
	}
	var out []string
	for text != "" {
		cut := runeOffset(text, max)
		if cut == len(text) {
			out = append(out, text)
			break
		}
		if nl := strings.LastIndexByte(text[:cut], '\n'); nl > 0 {
			cut = nl + 1
		}
		out = append(out, strings.TrimRight(text[:cut], "\n"))
		text = text[cut:]
	}
	return out
}

// runeOffset returns the byte offset just past the n-th rune of s, or
// len(s) when s is shorter.
func runeOffset(s string, n int) int {
	count := 0
	for i := range s {
		if count == n {
			return i
		}
		count++
	}
	return len(s)
}
