package parser

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docqa-go/pkg/provider"
)

func TestDocling_Parse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/parse", r.URL.Path)
		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		assert.Equal(t, "document.pdf", hdr.Filename)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"markdown":   "--- PAGE 1 ---\n\nHello\n\n--- PAGE 2 ---\n\nWorld",
			"page_count": 2,
		})
	}))
	defer srv.Close()

	res, err := NewDocling(srv.URL, "").Parse(context.Background(), []byte("%PDF"), mimePDF)
	require.NoError(t, err)
	assert.Equal(t, "Hello\n\nWorld", res.Markdown)
	assert.Equal(t, []PageMarker{{Page: 1, Offset: 0}, {Page: 2, Offset: 7}}, res.Markers)
	assert.Equal(t, 2, res.PageCount)
}

func TestDocling_ClientErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unsupported file", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	_, err := NewDocling(srv.URL, "").Parse(context.Background(), []byte("x"), mimePDF)
	require.Error(t, err)
	assert.True(t, provider.IsPermanent(err))
}

func TestDocling_GarbageBodyIsMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>oops"))
	}))
	defer srv.Close()

	_, err := NewDocling(srv.URL, "").Parse(context.Background(), []byte("x"), mimePDF)
	assert.Equal(t, reasonMalformed, reasonFor(err))
}

func TestLlamaParse_PollsUntilSuccess(t *testing.T) {
	var polls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/parsing/upload", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"id":"job-1","status":"PENDING"}`))
	})
	mux.HandleFunc("/api/parsing/job/job-1", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&polls, 1) < 3 {
			_, _ = w.Write([]byte(`{"id":"job-1","status":"PENDING"}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":"job-1","status":"SUCCESS"}`))
	})
	mux.HandleFunc("/api/parsing/job/job-1/result/json", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"pages":[{"page":1,"md":"# Title"},{"page":2,"md":""},{"page":3,"md":"End"}]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	res, err := NewLlamaParse(srv.URL, "key", time.Millisecond).Parse(context.Background(), []byte("%PDF"), mimePDF)
	require.NoError(t, err)
	assert.Equal(t, "# Title\n\nEnd", res.Markdown)
	assert.Equal(t, []PageMarker{{Page: 1, Offset: 0}, {Page: 3, Offset: 9}}, res.Markers)
	assert.Equal(t, 3, res.PageCount)
	assert.EqualValues(t, 3, atomic.LoadInt32(&polls))
}

func TestLlamaParse_JobErrorIsPermanent(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/parsing/upload", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"j"}`))
	})
	mux.HandleFunc("/api/parsing/job/j", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"j","status":"ERROR","error_message":"bad pdf"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	_, err := NewLlamaParse(srv.URL, "k", time.Millisecond).Parse(context.Background(), nil, mimePDF)
	require.Error(t, err)
	assert.True(t, provider.IsPermanent(err))
	assert.Contains(t, err.Error(), "bad pdf")
}

func TestLocal_PlainText(t *testing.T) {
	res, err := NewLocal().Parse(context.Background(), []byte("page one\fpage two"), "text/plain; charset=utf-8")
	require.NoError(t, err)
	assert.Equal(t, "page one\n\npage two", res.Markdown)
	assert.Equal(t, 2, res.PageCount)
	assert.True(t, strings.HasPrefix(res.Markdown[res.Markers[1].Offset:], "page two"))
}

func TestLocal_Supports(t *testing.T) {
	l := NewLocal()
	assert.True(t, l.Supports("application/pdf"))
	assert.True(t, l.Supports(mimeDOCX))
	assert.False(t, l.Supports(mimePNG))
}
