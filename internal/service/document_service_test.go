package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docqa-go/internal/model"
)

type docFixture struct {
	docs          *memDocs
	jobs          *memJobs
	chunks        *memChunks
	conversations *memConversations
	objects       *memObjects
	index         *memIndex
	notifier      *recordingNotifier
	wakeups       int
	svc           DocumentService
}

func newDocFixture(docs ...*model.Document) *docFixture {
	f := &docFixture{
		docs:          newMemDocs(docs...),
		jobs:          &memJobs{},
		chunks:        &memChunks{},
		conversations: newMemConversations(),
		objects:       newMemObjects(),
		index:         &memIndex{},
		notifier:      &recordingNotifier{},
	}
	f.jobs.docs = f.docs
	f.svc = NewDocumentService(f.docs, f.jobs, f.chunks, f.conversations, f.objects, f.index, f.notifier, func() { f.wakeups++ })
	return f
}

func TestDocumentService_UploadCreatesDocumentAndJob(t *testing.T) {
	f := newDocFixture()
	content := "Quarterly report\n\nRevenue grew."

	doc, err := f.svc.Upload(context.Background(), testTenant, "reports/q3.pdf", "application/pdf", strings.NewReader(content), int64(len(content)))
	require.NoError(t, err)

	assert.Equal(t, model.DocumentProcessing, doc.Status)
	assert.Equal(t, "reports/q3.pdf", doc.Name)
	assert.Equal(t, int64(len(content)), doc.SizeBytes)
	assert.Len(t, doc.ContentHash, 64)
	assert.Equal(t, testTenant+"/"+doc.ID+"/q3.pdf", doc.ObjectKey)

	stored, err := f.objects.Get(context.Background(), doc.ObjectKey)
	require.NoError(t, err)
	assert.Equal(t, content, string(stored))

	job, err := f.jobs.LatestForDocument(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobPending, job.State)
	assert.NotEmpty(t, job.Generation)
	assert.Equal(t, 1, job.Attempts)

	require.Len(t, f.notifier.msgs, 1)
	assert.Equal(t, job.ID, f.notifier.msgs[0].JobID)
	assert.Equal(t, testTenant, f.notifier.msgs[0].TenantID)
	assert.Equal(t, 1, f.wakeups)
}

func TestDocumentService_UploadDeduplicatesByContent(t *testing.T) {
	f := newDocFixture()
	ctx := context.Background()

	first, err := f.svc.Upload(ctx, testTenant, "a.pdf", "application/pdf", strings.NewReader("same bytes"), 0)
	require.NoError(t, err)
	second, err := f.svc.Upload(ctx, testTenant, "b.pdf", "application/pdf", strings.NewReader("same bytes"), 0)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, f.jobs.count())

	// 其他租户上传相同内容得到独立的文档
	other, err := f.svc.Upload(ctx, "tenant-b", "a.pdf", "application/pdf", strings.NewReader("same bytes"), 0)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestDocumentService_UploadRejectsEmptyFile(t *testing.T) {
	f := newDocFixture()
	_, err := f.svc.Upload(context.Background(), testTenant, "empty.pdf", "application/pdf", strings.NewReader(""), 0)
	assert.ErrorIs(t, err, ErrEmptyUpload)
}

func TestDocumentService_UploadRollsBackWhenJobCannotBeCreated(t *testing.T) {
	f := newDocFixture()
	f.jobs.failNew = errors.New("db unavailable")

	_, err := f.svc.Upload(context.Background(), testTenant, "a.pdf", "application/pdf", strings.NewReader("content"), 0)
	require.Error(t, err)

	docs, _ := f.docs.ListByTenant(context.Background(), testTenant)
	assert.Empty(t, docs)
	assert.Empty(t, f.objects.objects)
}

func TestDocumentService_NotificationFailureKeepsJob(t *testing.T) {
	f := newDocFixture()
	f.notifier.err = errors.New("kafka down")

	doc, err := f.svc.Upload(context.Background(), testTenant, "a.pdf", "application/pdf", strings.NewReader("content"), 0)
	require.NoError(t, err)
	_, err = f.jobs.ActiveForDocument(context.Background(), doc.ID)
	assert.NoError(t, err)
	assert.Equal(t, 1, f.wakeups)
}

func TestDocumentService_GetIsTenantScoped(t *testing.T) {
	f := newDocFixture(readyDoc())

	detail, err := f.svc.Get(context.Background(), testTenant, testDoc)
	require.NoError(t, err)
	assert.Equal(t, testDoc, detail.ID)
	assert.Nil(t, detail.LatestJob)

	_, err = f.svc.Get(context.Background(), "tenant-b", testDoc)
	assert.ErrorIs(t, err, ErrDocumentNotFound)
}

func TestDocumentService_ChunksOnlyForActiveGeneration(t *testing.T) {
	f := newDocFixture(readyDoc())
	f.chunks.chunks = []model.Chunk{
		{ID: "old", DocumentID: testDoc, Generation: "gen-0"},
		{ID: "new", DocumentID: testDoc, Generation: "gen-1"},
	}

	chunks, err := f.svc.Chunks(context.Background(), testTenant, testDoc)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "new", chunks[0].ID)
}

func TestDocumentService_DeleteCascades(t *testing.T) {
	doc := readyDoc()
	doc.ObjectKey = testTenant + "/" + testDoc + "/handbook.pdf"
	f := newDocFixture(doc)
	f.objects.objects[doc.ObjectKey] = []byte("pdf")
	require.NoError(t, f.conversations.Append(context.Background(), testTenant, testDoc, model.ChatMessage{Role: "user", Content: "hi"}))

	require.NoError(t, f.svc.Delete(context.Background(), testTenant, testDoc))

	assert.Equal(t, []string{testDoc}, f.index.deleted)
	_, err := f.docs.GetByID(context.Background(), testDoc)
	assert.Error(t, err)
	assert.Empty(t, f.objects.objects)
	assert.Equal(t, []string{testDoc}, f.conversations.cleared)
}

func TestDocumentService_DeleteRefusesWhileProcessing(t *testing.T) {
	f := newDocFixture(readyDoc())
	require.NoError(t, f.jobs.Create(context.Background(), &model.ProcessingJob{ID: "j1", DocumentID: testDoc, State: model.JobEmbedding}))

	err := f.svc.Delete(context.Background(), testTenant, testDoc)
	assert.ErrorIs(t, err, ErrJobActive)
	assert.Empty(t, f.index.deleted)
}

func TestDocumentService_Retry(t *testing.T) {
	doc := readyDoc()
	doc.Status = model.DocumentFailed
	doc.LastError = "We could not read this document."
	doc.ActiveGeneration = ""
	f := newDocFixture(doc)
	require.NoError(t, f.jobs.Create(context.Background(), &model.ProcessingJob{ID: "j1", DocumentID: testDoc, State: model.JobFailed}))

	job, err := f.svc.Retry(context.Background(), testTenant, testDoc)
	require.NoError(t, err)
	assert.Equal(t, model.JobPending, job.State)
	assert.NotEqual(t, "j1", job.ID)

	got, _ := f.docs.GetByID(context.Background(), testDoc)
	assert.Equal(t, model.DocumentProcessing, got.Status)
	assert.Empty(t, got.LastError)

	// 新任务尚未结束时不能再次重试
	_, err = f.svc.Retry(context.Background(), testTenant, testDoc)
	assert.ErrorIs(t, err, ErrNotRetryable)
}

func TestDocumentService_RetryLeavesDocumentFailedWhenJobIsNotCreated(t *testing.T) {
	doc := readyDoc()
	doc.Status = model.DocumentFailed
	doc.LastError = "We could not read this document."
	f := newDocFixture(doc)
	f.jobs.failNew = errors.New("db down")

	_, err := f.svc.Retry(context.Background(), testTenant, testDoc)
	require.Error(t, err)

	got, _ := f.docs.GetByID(context.Background(), testDoc)
	assert.Equal(t, model.DocumentFailed, got.Status)
	assert.Equal(t, "We could not read this document.", got.LastError)
	assert.Equal(t, 0, f.jobs.count())
}

func TestDocumentService_RetryOnlyForFailedDocuments(t *testing.T) {
	f := newDocFixture(readyDoc())
	_, err := f.svc.Retry(context.Background(), testTenant, testDoc)
	assert.ErrorIs(t, err, ErrNotRetryable)
}
