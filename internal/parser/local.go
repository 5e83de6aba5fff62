package parser

import (
	"bytes"
	"context"
	"fmt"

	"code.sajari.com/docconv"
	"github.com/ledongthuc/pdf"

	"docqa-go/pkg/provider"
)

// Local parses in-process: PDFs page by page with ledongthuc/pdf, office and
// text formats with docconv. It is the last resort when every remote
// provider is down, so it trades layout quality for availability.
type Local struct{}

var localTypes = mimeSet(mimePDF, mimeDOCX, mimeDOC, mimeODT, mimePPTX, mimeRTF, mimeHTML, mimeText, mimeMD)

// NewLocal creates the in-process provider.
func NewLocal() *Local { return &Local{} }

func (Local) Name() string { return "local" }

func (Local) Supports(mimeType string) bool {
	_, ok := localTypes[baseMime(mimeType)]
	return ok
}

func (l Local) Parse(ctx context.Context, data []byte, mimeType string) (*Result, error) {
	mt := baseMime(mimeType)
	switch mt {
	case mimePDF:
		return l.parsePDF(ctx, data)
	case mimeText, mimeMD:
		md, markers, pages := NormalizeFormFeeds(string(data))
		return &Result{Markdown: md, Markers: markers, PageCount: pages}, nil
	}

	resp, err := docconv.Convert(bytes.NewReader(data), mt, true)
	if err != nil {
		return nil, provider.Malformed(l.Name(), fmt.Errorf("docconv: %w", err))
	}
	md, markers, pages := NormalizeFormFeeds(resp.Body)
	return &Result{Markdown: md, Markers: markers, PageCount: pages}, nil
}

func (l Local) parsePDF(ctx context.Context, data []byte) (*Result, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, provider.Malformed(l.Name(), fmt.Errorf("open pdf: %w", err))
	}
	n := r.NumPage()
	pages := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, provider.Classify(l.Name(), 0, err)
		}
		p := r.Page(i)
		if p.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			return nil, provider.Malformed(l.Name(), fmt.Errorf("page %d: %w", i, err))
		}
		pages = append(pages, text)
	}
	md, markers := NormalizeSeparatedPages(pages)
	return &Result{Markdown: md, Markers: markers, PageCount: n}, nil
}
