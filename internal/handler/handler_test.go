package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docqa-go/internal/middleware"
	"docqa-go/internal/model"
	"docqa-go/internal/service"
	"docqa-go/pkg/token"
)

const testSecret = "test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeDocService struct {
	service.DocumentService
	uploaded  string
	uploadMT  string
	tenant    string
	retryErr  error
	deleteErr error
}

func (f *fakeDocService) Upload(_ context.Context, tenantID, fileName, mimeType string, r io.Reader, _ int64) (*model.Document, error) {
	b, _ := io.ReadAll(r)
	f.tenant, f.uploaded, f.uploadMT = tenantID, string(b), mimeType
	return &model.Document{ID: "doc-1", TenantID: tenantID, Name: fileName, Status: model.DocumentProcessing}, nil
}

func (f *fakeDocService) Retry(context.Context, string, string) (*model.ProcessingJob, error) {
	return nil, f.retryErr
}

func (f *fakeDocService) Delete(context.Context, string, string) error {
	return f.deleteErr
}

func bearer(t *testing.T, tenantID string) string {
	t.Helper()
	tok, err := token.NewJWTManager(testSecret).GenerateToken(tenantID, "tester", time.Hour)
	require.NoError(t, err)
	return tok
}

func documentRouter(svc service.DocumentService) *gin.Engine {
	r := gin.New()
	h := NewDocumentHandler(svc, 1<<20)
	g := r.Group("/api/v1", middleware.AuthMiddleware(token.NewJWTManager(testSecret)))
	g.POST("/documents", h.Upload)
	g.DELETE("/documents/:id", h.Delete)
	g.POST("/documents/:id/retry", h.Retry)
	return r
}

func TestDocumentHandler_UploadRequiresToken(t *testing.T) {
	r := documentRouter(&fakeDocService{})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/documents", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestDocumentHandler_Upload(t *testing.T) {
	svc := &fakeDocService{}
	r := documentRouter(svc)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "notes.pdf")
	require.NoError(t, err)
	_, _ = part.Write([]byte("# Notes\n\nhello"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+bearer(t, "tenant-a"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, "tenant-a", svc.tenant)
	assert.Equal(t, "# Notes\n\nhello", svc.uploaded)
	assert.Equal(t, "application/pdf", svc.uploadMT)
}

func TestDocumentHandler_ErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		svc    *fakeDocService
		method string
		path   string
		want   int
	}{
		{"not found", &fakeDocService{deleteErr: service.ErrDocumentNotFound}, http.MethodDelete, "/api/v1/documents/x", http.StatusNotFound},
		{"active job", &fakeDocService{deleteErr: service.ErrJobActive}, http.MethodDelete, "/api/v1/documents/x", http.StatusConflict},
		{"not retryable", &fakeDocService{retryErr: service.ErrNotRetryable}, http.MethodPost, "/api/v1/documents/x/retry", http.StatusConflict},
		{"internal", &fakeDocService{deleteErr: assert.AnError}, http.MethodDelete, "/api/v1/documents/x", http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := documentRouter(tc.svc)
			req := httptest.NewRequest(tc.method, tc.path, nil)
			req.Header.Set("Authorization", "Bearer "+bearer(t, "tenant-a"))
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tc.want, w.Code)
			assert.NotContains(t, w.Body.String(), assert.AnError.Error())
		})
	}
}

// streamingChat emits one delta and then waits for cancellation or release.
type streamingChat struct {
	release chan struct{}
	err     error
}

func (s *streamingChat) Ask(ctx context.Context, _, _, question string) (<-chan model.AnswerEvent, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make(chan model.AnswerEvent)
	go func() {
		defer close(out)
		select {
		case out <- model.TextDelta{Text: "echo: " + question}:
		case <-ctx.Done():
			return
		}
		select {
		case <-s.release:
		case <-ctx.Done():
			return
		}
		result := model.AnswerResult{Question: question, Text: "echo: " + question, Confidence: model.ConfidenceNotFound}
		for _, ev := range []model.AnswerEvent{
			model.ConfidenceEvent{Label: model.ConfidenceNotFound},
			model.Done{Result: result},
		} {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

type wireEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func dialChat(t *testing.T, svc service.ChatService, tenantID string) *websocket.Conn {
	t.Helper()
	r := gin.New()
	r.GET("/chat/:token", NewChatHandler(svc, token.NewJWTManager(testSecret)).Handle)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/chat/" + bearer(t, tenantID) + "?documentId=doc-1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) wireEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev wireEvent
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestChatHandler_StreamsEvents(t *testing.T) {
	svc := &streamingChat{release: make(chan struct{})}
	close(svc.release)
	conn := dialChat(t, svc, "tenant-a")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("what is this?")))
	var types []string
	for {
		ev := readEvent(t, conn)
		types = append(types, ev.Type)
		if ev.Type == string(model.EventDone) {
			break
		}
	}
	assert.Equal(t, []string{"text-delta", "confidence", "done"}, types)
}

func TestChatHandler_StopCancelsGeneration(t *testing.T) {
	svc := &streamingChat{release: make(chan struct{})}
	conn := dialChat(t, svc, "tenant-a")

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "question", "question": "long answer please"}))
	first := readEvent(t, conn)
	assert.Equal(t, "text-delta", first.Type)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "stop"}))
	ack := readEvent(t, conn)
	assert.Equal(t, "stop", ack.Type)

	// 连接仍可继续提问
	close(svc.release)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("again")))
	assert.Equal(t, "text-delta", readEvent(t, conn).Type)
}

func TestChatHandler_AskErrorIsReported(t *testing.T) {
	conn := dialChat(t, &streamingChat{err: service.ErrDocumentNotFound}, "tenant-a")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello")))
	ev := readEvent(t, conn)
	assert.Equal(t, "error", ev.Type)
	assert.Contains(t, string(ev.Data), "文档不存在")
}

func TestChatHandler_RejectsBadToken(t *testing.T) {
	r := gin.New()
	r.GET("/chat/:token", NewChatHandler(&streamingChat{}, token.NewJWTManager(testSecret)).Handle)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/chat/not-a-jwt?documentId=doc-1", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
