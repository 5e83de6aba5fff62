package parser

import (
	"bytes"
	"context"

	"docqa-go/pkg/tika"
)

// Tika adapts the Tika server client. It accepts any type and relies on
// Tika's own detection.
type Tika struct {
	client *tika.Client
}

// NewTika wraps a Tika client as a provider.
func NewTika(client *tika.Client) *Tika {
	return &Tika{client: client}
}

func (t *Tika) Name() string { return "tika" }

func (t *Tika) Supports(string) bool { return true }

func (t *Tika) Parse(ctx context.Context, data []byte, mimeType string) (*Result, error) {
	pages, err := t.client.ExtractPages(ctx, bytes.NewReader(data), baseMime(mimeType))
	if err != nil {
		return nil, err
	}
	md, markers := NormalizeSeparatedPages(pages)
	return &Result{Markdown: md, Markers: markers, PageCount: len(pages)}, nil
}
