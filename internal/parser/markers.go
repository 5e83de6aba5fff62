package parser

import (
	"regexp"
	"strconv"
	"strings"
)

// pageHeading matches the "--- PAGE N ---" lines Docling and LlamaParse emit.
var pageHeading = regexp.MustCompile(`(?im)^[ \t]*---\s*PAGE\s+(\d+)\s*---[ \t]*$`)

type pageText struct {
	page int
	text string
}

// joinPages concatenates non-empty pages with a blank line between them and
// records where each page begins. Blank pages produce no marker.
func joinPages(pages []pageText) (string, []PageMarker) {
	var sb strings.Builder
	markers := make([]PageMarker, 0, len(pages))
	for _, p := range pages {
		text := strings.TrimSpace(p.text)
		if text == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		markers = append(markers, PageMarker{Page: p.page, Offset: sb.Len()})
		sb.WriteString(text)
	}
	return sb.String(), markers
}

// NormalizeHeadingMarkers strips "--- PAGE N ---" lines from markdown and
// returns the cleaned text with one marker per non-empty page. Text before the
// first heading belongs to page 1. The second value is the highest page number seen.
func NormalizeHeadingMarkers(markdown string) (string, []PageMarker, int) {
	locs := pageHeading.FindAllStringSubmatchIndex(markdown, -1)
	if len(locs) == 0 {
		text, markers := joinPages([]pageText{{page: 1, text: markdown}})
		if text == "" {
			return "", nil, 0
		}
		return text, markers, 1
	}

	pages := make([]pageText, 0, len(locs)+1)
	pages = append(pages, pageText{page: 1, text: markdown[:locs[0][0]]})
	maxPage := 1
	for i, loc := range locs {
		n, err := strconv.Atoi(markdown[loc[2]:loc[3]])
		if err != nil || n < 1 {
			n = maxPage
		}
		if n > maxPage {
			maxPage = n
		}
		end := len(markdown)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		pages = append(pages, pageText{page: n, text: markdown[loc[1]:end]})
	}
	text, markers := joinPages(pages)
	return text, markers, maxPage
}

// NormalizeSeparatedPages joins an explicit list of page texts, page i+1 for index i.
func NormalizeSeparatedPages(pages []string) (string, []PageMarker) {
	pts := make([]pageText, len(pages))
	for i, p := range pages {
		pts[i] = pageText{page: i + 1, text: p}
	}
	return joinPages(pts)
}

// NormalizeFormFeeds splits text on form feeds, the page separator used by
// pdftotext-style extractors.
func NormalizeFormFeeds(text string) (string, []PageMarker, int) {
	pages := strings.Split(text, "\f")
	// a trailing form feed does not start a new page
	if len(pages) > 1 && strings.TrimSpace(pages[len(pages)-1]) == "" {
		pages = pages[:len(pages)-1]
	}
	md, markers := NormalizeSeparatedPages(pages)
	return md, markers, len(pages)
}
