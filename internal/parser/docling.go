package parser

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// Docling talks to a docling-serve style service: POST /parse with a
// multipart file, answered by markdown carrying "--- PAGE N ---" lines.
type Docling struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

var doclingTypes = mimeSet(mimePDF, mimeDOCX, mimeXLSX, mimePPTX, mimePNG, mimeJPEG, mimeTIFF, mimeHTML, mimeMD)

// NewDocling creates a Docling provider.
func NewDocling(baseURL, apiKey string) *Docling {
	return &Docling{baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, client: &http.Client{}}
}

func (d *Docling) Name() string { return "docling" }

func (d *Docling) Supports(mimeType string) bool {
	_, ok := doclingTypes[baseMime(mimeType)]
	return ok
}

type doclingResponse struct {
	Markdown  string `json:"markdown"`
	PageCount int    `json:"page_count"`
}

func (d *Docling) Parse(ctx context.Context, data []byte, mimeType string) (*Result, error) {
	body, contentType, err := multipartFile(data, fileNameFor(mimeType), mimeType)
	if err != nil {
		return nil, fmt.Errorf("build docling request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/parse", body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	if d.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.apiKey)
	}

	var out doclingResponse
	if err := doJSON(ctx, d.client, d.Name(), req, &out); err != nil {
		return nil, err
	}
	md, markers, pages := NormalizeHeadingMarkers(out.Markdown)
	if out.PageCount > pages {
		pages = out.PageCount
	}
	return &Result{Markdown: md, Markers: markers, PageCount: pages}, nil
}
