package parser

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"docqa-go/pkg/provider"
)

const defaultPollInterval = 2 * time.Second

// LlamaParse is the poll-based LlamaCloud parsing API: upload, poll the job
// until it settles, then fetch the per-page JSON result.
type LlamaParse struct {
	baseURL      string
	apiKey       string
	pollInterval time.Duration
	client       *http.Client
}

var llamaTypes = mimeSet(mimePDF, mimeDOCX, mimeDOC, mimeXLSX, mimePPTX, mimePNG, mimeJPEG, mimeTIFF, mimeHTML, mimeRTF)

// NewLlamaParse creates a LlamaParse provider.
func NewLlamaParse(baseURL, apiKey string, pollInterval time.Duration) *LlamaParse {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	if baseURL == "" {
		baseURL = "https://api.cloud.llamaindex.ai"
	}
	return &LlamaParse{
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       apiKey,
		pollInterval: pollInterval,
		client:       &http.Client{},
	}
}

func (l *LlamaParse) Name() string { return "llamaparse" }

func (l *LlamaParse) Supports(mimeType string) bool {
	_, ok := llamaTypes[baseMime(mimeType)]
	return ok
}

type llamaJob struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error_message"`
}

type llamaResult struct {
	Pages []struct {
		Page int    `json:"page"`
		MD   string `json:"md"`
	} `json:"pages"`
}

func (l *LlamaParse) Parse(ctx context.Context, data []byte, mimeType string) (*Result, error) {
	jobID, err := l.upload(ctx, data, mimeType)
	if err != nil {
		return nil, err
	}
	if err := l.wait(ctx, jobID); err != nil {
		return nil, err
	}

	req, err := l.newRequest(ctx, http.MethodGet, "/api/parsing/job/"+jobID+"/result/json")
	if err != nil {
		return nil, err
	}
	var out llamaResult
	if err := doJSON(ctx, l.client, l.Name(), req, &out); err != nil {
		return nil, err
	}

	pages := make([]pageText, 0, len(out.Pages))
	for i, p := range out.Pages {
		n := p.Page
		if n < 1 {
			n = i + 1
		}
		pages = append(pages, pageText{page: n, text: p.MD})
	}
	md, markers := joinPages(pages)
	return &Result{Markdown: md, Markers: markers, PageCount: len(out.Pages)}, nil
}

func (l *LlamaParse) upload(ctx context.Context, data []byte, mimeType string) (string, error) {
	body, contentType, err := multipartFile(data, fileNameFor(mimeType), mimeType)
	if err != nil {
		return "", fmt.Errorf("build llamaparse upload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+"/api/parsing/upload", body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+l.apiKey)

	var job llamaJob
	if err := doJSON(ctx, l.client, l.Name(), req, &job); err != nil {
		return "", err
	}
	if job.ID == "" {
		return "", provider.Malformed(l.Name(), fmt.Errorf("upload returned no job id"))
	}
	return job.ID, nil
}

// wait polls until the job succeeds, fails, or ctx ends.
func (l *LlamaParse) wait(ctx context.Context, jobID string) error {
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()
	for {
		req, err := l.newRequest(ctx, http.MethodGet, "/api/parsing/job/"+jobID)
		if err != nil {
			return err
		}
		var job llamaJob
		if err := doJSON(ctx, l.client, l.Name(), req, &job); err != nil {
			return err
		}
		switch strings.ToUpper(job.Status) {
		case "SUCCESS":
			return nil
		case "ERROR", "CANCELED", "CANCELLED":
			return &provider.Error{Provider: l.Name(), Kind: provider.KindPermanent,
				Err: fmt.Errorf("job %s ended %s: %s", jobID, job.Status, job.Error)}
		}

		select {
		case <-ctx.Done():
			return provider.Classify(l.Name(), 0, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (l *LlamaParse) newRequest(ctx context.Context, method, path string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, l.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+l.apiKey)
	req.Header.Set("Accept", "application/json")
	return req, nil
}
