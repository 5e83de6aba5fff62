package chunker

import (
	"strings"
	"unicode"
)

// Tokenizer estimates how many model tokens a text costs. Swap it for a
// model-specific tokenizer when the word estimate is too coarse.
type Tokenizer interface {
	Count(text string) int
}

// WordTokenizer counts whitespace-separated words, treating every CJK rune
// as its own token since those scripts do not separate words with spaces.
type WordTokenizer struct{}

func (WordTokenizer) Count(text string) int {
	n := 0
	inWord := false
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			inWord = false
		case isCJK(r):
			n++
			inWord = false
		default:
			if !inWord {
				n++
				inWord = true
			}
		}
	}
	return n
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) || unicode.Is(unicode.Hangul, r)
}

// truncateLines keeps whole lines of text while the token count stays within limit.
func truncateLines(tok Tokenizer, text string, limit int) string {
	if limit <= 0 {
		return ""
	}
	var sb strings.Builder
	used := 0
	for _, line := range strings.SplitAfter(text, "\n") {
		n := tok.Count(line)
		if used+n > limit {
			break
		}
		sb.WriteString(line)
		used += n
	}
	return strings.TrimRight(sb.String(), "\n")
}
