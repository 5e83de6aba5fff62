package chunker

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/net/html"
)

var (
	htmlTable    = regexp.MustCompile(`(?is)<table\b.*?</table\s*>`)
	delimiterRow = regexp.MustCompile(`^\s*:?-{2,}:?\s*$`)
)

type span struct {
	start, end int
}

// findTables returns table regions in document order: HTML <table> blocks
// and runs of two or more pipe-delimited lines.
func findTables(md string) []span {
	var tables []span
	for _, loc := range htmlTable.FindAllStringIndex(md, -1) {
		tables = append(tables, span{loc[0], loc[1]})
	}
	insideHTML := func(off int) bool {
		for _, t := range tables {
			if off >= t.start && off < t.end {
				return true
			}
		}
		return false
	}

	runStart, runEnd, rows := -1, -1, 0
	flush := func() {
		if rows >= 2 {
			tables = append(tables, span{runStart, runEnd})
		}
		runStart, runEnd, rows = -1, -1, 0
	}
	for off := 0; off < len(md); {
		end := strings.IndexByte(md[off:], '\n')
		if end < 0 {
			end = len(md)
		} else {
			end += off
		}
		line := md[off:end]
		if isPipeRow(line) && !insideHTML(off) {
			if runStart < 0 {
				runStart = off + (len(line) - len(strings.TrimLeft(line, " \t")))
			}
			runEnd = off + len(strings.TrimRight(line, " \t\r"))
			rows++
		} else {
			flush()
		}
		off = end + 1
	}
	flush()

	sort.Slice(tables, func(i, j int) bool { return tables[i].start < tables[j].start })
	return tables
}

func isPipeRow(line string) bool {
	t := strings.TrimSpace(line)
	return strings.HasPrefix(t, "|") && strings.Count(t, "|") >= 2
}

// tableRows extracts cell text per row. The first row is treated as the header.
func tableRows(table string) [][]string {
	if htmlTable.MatchString(table) {
		return htmlRows(table)
	}
	var rows [][]string
	for _, line := range strings.Split(table, "\n") {
		t := strings.TrimSpace(line)
		if t == "" {
			continue
		}
		t = strings.TrimSuffix(strings.TrimPrefix(t, "|"), "|")
		cells := strings.Split(t, "|")
		isDelim := true
		for i := range cells {
			cells[i] = strings.TrimSpace(cells[i])
			if !delimiterRow.MatchString(cells[i]) {
				isDelim = false
			}
		}
		if isDelim {
			continue
		}
		rows = append(rows, cells)
	}
	return rows
}

func htmlRows(table string) [][]string {
	doc, err := html.Parse(strings.NewReader(table))
	if err != nil {
		return nil
	}
	var rows [][]string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "tr" {
			var cells []string
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				if c.Type == html.ElementNode && (c.Data == "td" || c.Data == "th") {
					cells = append(cells, strings.Join(strings.Fields(nodeText(c)), " "))
				}
			}
			if len(cells) > 0 {
				rows = append(rows, cells)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return rows
}

func nodeText(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		sb.WriteString(nodeText(c))
		sb.WriteByte(' ')
	}
	return sb.String()
}

// SummarizeTable describes a table in one or two sentences so it can match
// questions phrased in prose. Output depends only on the table text.
func SummarizeTable(table string) string {
	rows := tableRows(table)
	if len(rows) == 0 {
		return "Table."
	}
	header := rows[0]
	data := rows[1:]
	cols := len(header)
	for _, r := range data {
		if len(r) > cols {
			cols = len(r)
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Table with %d rows and %d columns.", len(data), cols)
	if names := nonEmpty(header); len(names) > 0 {
		fmt.Fprintf(&sb, " Columns: %s.", strings.Join(names, ", "))
	}
	if len(data) > 0 {
		pairs := make([]string, 0, len(data[0]))
		for i, v := range data[0] {
			if v == "" {
				continue
			}
			if i < len(header) && header[i] != "" {
				pairs = append(pairs, header[i]+" = "+v)
			} else {
				pairs = append(pairs, v)
			}
		}
		if len(pairs) > 0 {
			fmt.Fprintf(&sb, " First row: %s.", strings.Join(pairs, ", "))
		}
	}
	return sb.String()
}

func nonEmpty(ss []string) []string {
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
