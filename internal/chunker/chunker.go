// Package chunker splits normalised markdown into retrievable units. Tables
// are kept whole; prose is split recursively and stitched with a small overlap.
package chunker

import (
	"regexp"
	"sort"
	"strings"

	"docqa-go/internal/model"
	"docqa-go/internal/parser"
)

const (
	DefaultTargetTokens   = 500
	DefaultOverlapTokens  = 50
	DefaultMaxTableTokens = 8000

	truncatedSuffix = " [table truncated for embedding]"
)

// separator levels, coarsest first. When a level has a capture group the
// piece ends where group 1 ends, otherwise at the start of the match.
var levels = []*regexp.Regexp{
	regexp.MustCompile(`\n[ \t]*\n\s*`),
	regexp.MustCompile(`\n\s*`),
	regexp.MustCompile(`([.!?。！？;；]+["')\]]*)(\s+)`),
	regexp.MustCompile(`\s+`),
}

var word = regexp.MustCompile(`\S+`)

// Chunker is safe for concurrent use.
type Chunker struct {
	target    int
	overlap   int
	maxTable  int
	tokenizer Tokenizer
	summarize func(table string) string
}

// Option configures a Chunker.
type Option func(*Chunker)

func WithTargetTokens(n int) Option {
	return func(c *Chunker) {
		if n > 0 {
			c.target = n
		}
	}
}

func WithOverlapTokens(n int) Option {
	return func(c *Chunker) {
		if n >= 0 {
			c.overlap = n
		}
	}
}

// WithMaxTableTokens sets the embedding input limit applied to table chunks.
func WithMaxTableTokens(n int) Option {
	return func(c *Chunker) {
		if n > 0 {
			c.maxTable = n
		}
	}
}

func WithTokenizer(t Tokenizer) Option {
	return func(c *Chunker) {
		if t != nil {
			c.tokenizer = t
		}
	}
}

// WithSummarizer replaces the table summary generator. It must be deterministic.
func WithSummarizer(f func(table string) string) Option {
	return func(c *Chunker) {
		if f != nil {
			c.summarize = f
		}
	}
}

// New creates a Chunker with defaults overridden by opts.
func New(opts ...Option) *Chunker {
	c := &Chunker{
		target:    DefaultTargetTokens,
		overlap:   DefaultOverlapTokens,
		maxTable:  DefaultMaxTableTokens,
		tokenizer: WordTokenizer{},
		summarize: SummarizeTable,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.overlap >= c.target {
		c.overlap = c.target / 10
	}
	return c
}

// unit is a chunk before ordinals are assigned. body is where the chunk's own
// text starts; anything in [start, body) is overlap from the previous chunk.
type unit struct {
	start, body, end int
	kind             model.ChunkKind
}

// Chunk splits markdown into chunks in document order with ordinals 0..n-1.
// The result only depends on the inputs and the Chunker's options. Returned
// chunks have no ID, document or generation set.
func (c *Chunker) Chunk(markdown string, markers []parser.PageMarker) []model.Chunk {
	if strings.TrimSpace(markdown) == "" {
		return nil
	}

	var units []unit
	prev := 0
	for _, t := range findTables(markdown) {
		units = append(units, c.textUnits(markdown, span{prev, t.start})...)
		units = append(units, unit{start: t.start, body: t.start, end: t.end, kind: model.ChunkTable})
		prev = t.end
	}
	units = append(units, c.textUnits(markdown, span{prev, len(markdown)})...)

	chunks := make([]model.Chunk, 0, len(units))
	for _, u := range units {
		text := markdown[u.start:u.end]
		ch := model.Chunk{
			Ordinal:     len(chunks),
			Page:        pageAt(markers, u.start),
			Text:        text,
			Kind:        u.kind,
			StartOffset: u.start,
			EndOffset:   u.end,
		}
		if u.kind == model.ChunkTable {
			c.describeTable(&ch)
		}
		chunks = append(chunks, ch)
	}
	return chunks
}

func (c *Chunker) describeTable(ch *model.Chunk) {
	ch.Summary = c.summarize(ch.Text)
	if c.tokenizer.Count(ch.Summary)+c.tokenizer.Count(ch.Text) <= c.maxTable {
		return
	}
	ch.Summary += truncatedSuffix
	budget := c.maxTable - c.tokenizer.Count(ch.Summary)
	ch.EmbedInput = strings.TrimSpace(ch.Summary + "\n\n" + truncateLines(c.tokenizer, ch.Text, budget))
}

// textUnits splits one prose region and merges the pieces up to the target,
// carrying overlap between consecutive units of the region.
func (c *Chunker) textUnits(md string, region span) []unit {
	pieces := c.split(md, region, 0)
	if len(pieces) == 0 {
		return nil
	}

	var merged []span
	cur := pieces[0]
	curTokens := c.tokenizer.Count(md[cur.start:cur.end])
	for _, p := range pieces[1:] {
		n := c.tokenizer.Count(md[p.start:p.end])
		if curTokens+n > c.target {
			merged = append(merged, cur)
			cur, curTokens = p, n
			continue
		}
		cur.end = p.end
		curTokens += n
	}
	merged = append(merged, cur)

	units := make([]unit, len(merged))
	for i, s := range merged {
		units[i] = unit{start: s.start, body: s.start, end: s.end, kind: model.ChunkText}
		if i > 0 {
			units[i].start = c.overlapStart(md, merged[i-1], s.start)
		}
	}
	return units
}

// split trims s and, while it is over the target, cuts it at the separator
// of the given level, descending to finer levels for pieces still too large.
func (c *Chunker) split(md string, s span, level int) []span {
	s = trimSpan(md, s)
	if s.start >= s.end {
		return nil
	}
	if level >= len(levels) || c.tokenizer.Count(md[s.start:s.end]) <= c.target {
		return []span{s}
	}

	re := levels[level]
	locs := re.FindAllStringSubmatchIndex(md[s.start:s.end], -1)
	if len(locs) == 0 {
		return c.split(md, s, level+1)
	}

	var out []span
	from := s.start
	for _, loc := range locs {
		pieceEnd := s.start + loc[0]
		if len(loc) >= 4 && loc[3] >= 0 {
			pieceEnd = s.start + loc[3]
		}
		out = append(out, c.split(md, span{from, pieceEnd}, level+1)...)
		from = s.start + loc[1]
	}
	out = append(out, c.split(md, span{from, s.end}, level+1)...)
	return out
}

// overlapStart returns where the tail of prev worth c.overlap tokens begins,
// or body when there is nothing to carry. At most half of prev is reused so
// every chunk keeps new content.
func (c *Chunker) overlapStart(md string, prev span, body int) int {
	if c.overlap == 0 {
		return body
	}
	words := word.FindAllStringIndex(md[prev.start:prev.end], -1)
	start := body
	for k := 1; k <= len(words)/2; k++ {
		start = prev.start + words[len(words)-k][0]
		if c.tokenizer.Count(md[start:prev.end]) >= c.overlap {
			break
		}
	}
	return start
}

func trimSpan(md string, s span) span {
	for s.start < s.end && isSpace(md[s.start]) {
		s.start++
	}
	for s.end > s.start && isSpace(md[s.end-1]) {
		s.end--
	}
	return s
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\n' || b == '\t' || b == '\r' || b == '\f' || b == '\v'
}

// pageAt returns the page of the marker at or before off.
func pageAt(markers []parser.PageMarker, off int) int {
	i := sort.Search(len(markers), func(i int) bool { return markers[i].Offset > off })
	if i == 0 {
		return 1
	}
	return markers[i-1].Page
}
