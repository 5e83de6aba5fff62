package parser

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docqa-go/pkg/provider"
)

type fakeProvider struct {
	name   string
	types  []string
	result *Result
	err    error
	block  bool
	calls  int
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Supports(mimeType string) bool {
	if len(f.types) == 0 {
		return true
	}
	for _, t := range f.types {
		if t == mimeType {
			return true
		}
	}
	return false
}

func (f *fakeProvider) Parse(ctx context.Context, _ []byte, _ string) (*Result, error) {
	f.calls++
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	r := *f.result
	return &r, nil
}

func twoPageResult() *Result {
	md := strings.Repeat("a", 510) + "\n\n" + strings.Repeat("b", 300)
	return &Result{Markdown: md, Markers: []PageMarker{{Page: 1, Offset: 0}, {Page: 2, Offset: 512}}, PageCount: 2}
}

func TestChain_FallsBackAfterTimeout(t *testing.T) {
	slow := &fakeProvider{name: "docling", block: true}
	good := &fakeProvider{name: "llamaparse", result: twoPageResult()}
	chain := NewChain([]Provider{slow, good}, WithProviderTimeout("docling", 20*time.Millisecond))

	res, err := chain.Parse(context.Background(), []byte("%PDF"), mimePDF)
	require.NoError(t, err)
	assert.Equal(t, "llamaparse", res.Provider)
	assert.Equal(t, []PageMarker{{Page: 1, Offset: 0}, {Page: 2, Offset: 512}}, res.Markers)
	assert.NoError(t, ValidateMarkers(res.Markdown, res.Markers))
	assert.Equal(t, 1, slow.calls, "no same-provider retry")
	assert.Equal(t, 1, good.calls)
}

func TestChain_AllProvidersFailed(t *testing.T) {
	a := &fakeProvider{name: "docling", err: provider.Classify("docling", 503, errors.New("busy"))}
	b := &fakeProvider{name: "llamaparse", types: []string{mimePDF}}
	c := &fakeProvider{name: "tika", result: &Result{Markdown: "text", Markers: []PageMarker{{Page: 2, Offset: 3}, {Page: 1, Offset: 1}}}}
	chain := NewChain([]Provider{a, b, c})

	_, err := chain.Parse(context.Background(), []byte("x"), mimeDOCX)
	require.Error(t, err)

	var pe *ParseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, AllProvidersFailed, pe.Kind)
	require.Len(t, pe.Attempts, 3)
	assert.Equal(t, reasonError, pe.Attempts[0].Reason)
	assert.Equal(t, reasonUnsupported, pe.Attempts[1].Reason)
	assert.Equal(t, reasonMalformed, pe.Attempts[2].Reason)
	assert.Contains(t, err.Error(), "docling")
	assert.Contains(t, err.Error(), "llamaparse: unsupported")
	assert.Zero(t, b.calls)
}

func TestChain_AnchorsPreambleToPageOne(t *testing.T) {
	p := &fakeProvider{name: "docling", result: &Result{Markdown: "preface\n\nbody", Markers: []PageMarker{{Page: 2, Offset: 9}}}}
	res, err := NewChain([]Provider{p}).Parse(context.Background(), nil, mimePDF)
	require.NoError(t, err)
	assert.Equal(t, []PageMarker{{Page: 1, Offset: 0}, {Page: 2, Offset: 9}}, res.Markers)
	assert.Equal(t, 2, res.PageCount)
}

func TestChain_EmptyDocumentIsSuccess(t *testing.T) {
	p := &fakeProvider{name: "docling", result: &Result{PageCount: 3}}
	res, err := NewChain([]Provider{p}).Parse(context.Background(), nil, mimePDF)
	require.NoError(t, err)
	assert.Empty(t, res.Markdown)
	assert.Equal(t, 3, res.PageCount)
}

func TestChain_StopsOnCallerCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	first := &fakeProvider{name: "docling", block: true}
	second := &fakeProvider{name: "tika", result: twoPageResult()}
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := NewChain([]Provider{first, second}).Parse(ctx, nil, mimePDF)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, second.calls)
}
