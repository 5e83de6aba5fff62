package answer

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"docqa-go/internal/model"
)

// MaxQuoteRunes bounds the quoted span of a citation.
const MaxQuoteRunes = 280

var (
	citeRe     = regexp.MustCompile(`\[(\d+)\]`)
	sentenceRe = regexp.MustCompile(`[.!?。！？](\s|$)`)
	spaceRe    = regexp.MustCompile(`\s+`)
)

// referenced returns the 0-based context indexes cited as [n] in text, in
// rank order. When nothing valid is cited every index is returned.
func referenced(text string, n int) []int {
	seen := make(map[int]bool)
	for _, m := range citeRe.FindAllStringSubmatch(text, -1) {
		k, err := strconv.Atoi(m[1])
		if err != nil || k < 1 || k > n {
			continue
		}
		seen[k-1] = true
	}
	out := make([]int, 0, n)
	if len(seen) == 0 {
		for i := 0; i < n; i++ {
			out = append(out, i)
		}
		return out
	}
	for i := range seen {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

func citationFor(c model.Chunk) model.Citation {
	return model.Citation{
		ChunkID:    c.ID,
		DocumentID: c.DocumentID,
		Page:       c.Page,
		Quote:      Quote(c),
	}
}

// Quote returns the span shown next to a citation: the table summary for
// table chunks, otherwise the leading sentences that fit MaxQuoteRunes.
func Quote(c model.Chunk) string {
	if c.Kind == model.ChunkTable && c.Summary != "" {
		return truncateRunes(c.Summary, MaxQuoteRunes)
	}
	text := strings.TrimSpace(spaceRe.ReplaceAllString(c.Text, " "))
	if utf8.RuneCountInString(text) <= MaxQuoteRunes {
		return text
	}

	end := 0
	for _, loc := range sentenceRe.FindAllStringIndex(text, -1) {
		// 句末标点之后的位置
		_, size := utf8.DecodeRuneInString(text[loc[0]:])
		stop := loc[0] + size
		if utf8.RuneCountInString(text[:stop]) > MaxQuoteRunes {
			break
		}
		end = stop
	}
	if end > 0 {
		return text[:end]
	}
	return truncateRunes(text, MaxQuoteRunes)
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	cut := string(r[:n-1])
	if i := strings.LastIndexByte(cut, ' '); i > len(cut)/2 {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut) + "…"
}
