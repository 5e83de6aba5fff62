// Package parser turns raw document bytes into markdown with page markers,
// trying an ordered list of parsing providers until one succeeds.
package parser

import (
	"context"
	"errors"
	"fmt"
)

// PageMarker records that page Page starts at byte Offset of the markdown.
type PageMarker struct {
	Page   int `json:"page"`
	Offset int `json:"offset"`
}

// Result is the normalised output of one provider.
type Result struct {
	Markdown  string
	Markers   []PageMarker
	PageCount int
	Provider  string
}

// Provider is one parsing backend. Implementations convert their own page
// convention into PageMarkers before returning.
type Provider interface {
	Name() string
	Supports(mimeType string) bool
	Parse(ctx context.Context, data []byte, mimeType string) (*Result, error)
}

var errNoMarkers = errors.New("no page markers for non-empty markdown")

// ValidateMarkers checks that markers describe the markdown: offsets strictly
// increase and stay inside the text, pages start at 1 and never go back.
// Empty markdown may carry no markers.
func ValidateMarkers(markdown string, markers []PageMarker) error {
	if markdown == "" {
		return nil
	}
	if len(markers) == 0 {
		return errNoMarkers
	}
	if markers[0].Offset != 0 {
		return fmt.Errorf("first page marker at offset %d, want 0", markers[0].Offset)
	}
	for i, m := range markers {
		if m.Page < 1 {
			return fmt.Errorf("marker %d: page %d < 1", i, m.Page)
		}
		if m.Offset < 0 || m.Offset >= len(markdown) {
			return fmt.Errorf("marker %d: offset %d outside [0,%d)", i, m.Offset, len(markdown))
		}
		if i == 0 {
			continue
		}
		prev := markers[i-1]
		if m.Offset <= prev.Offset {
			return fmt.Errorf("marker %d: offset %d not after %d", i, m.Offset, prev.Offset)
		}
		if m.Page < prev.Page {
			return fmt.Errorf("marker %d: page %d before page %d", i, m.Page, prev.Page)
		}
	}
	return nil
}

// anchor prepends a page-1 marker when the first marker does not start at 0,
// which happens when a provider emits preamble text before its first page tag.
func anchor(r *Result) {
	if r.Markdown == "" || len(r.Markers) == 0 || r.Markers[0].Offset == 0 {
		return
	}
	page := 1
	if r.Markers[0].Page < page {
		page = r.Markers[0].Page
	}
	r.Markers = append([]PageMarker{{Page: page, Offset: 0}}, r.Markers...)
}
