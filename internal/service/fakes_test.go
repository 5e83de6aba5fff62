package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"docqa-go/internal/model"
	"docqa-go/internal/repository"
	"docqa-go/pkg/llm"
	rerankclient "docqa-go/pkg/rerank"
	"docqa-go/pkg/tasks"
)

type memDocs struct {
	mu   sync.Mutex
	docs map[string]*model.Document
}

func newMemDocs(docs ...*model.Document) *memDocs {
	m := &memDocs{docs: map[string]*model.Document{}}
	for _, d := range docs {
		m.docs[d.ID] = d
	}
	return m
}

func (m *memDocs) Create(_ context.Context, doc *model.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc.CreatedAt = time.Now()
	cp := *doc
	m.docs[doc.ID] = &cp
	return nil
}

func (m *memDocs) GetByID(_ context.Context, id string) (*model.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *memDocs) GetForTenant(ctx context.Context, tenantID, id string) (*model.Document, error) {
	d, err := m.GetByID(ctx, id)
	if err != nil || d.TenantID != tenantID {
		return nil, repository.ErrNotFound
	}
	return d, nil
}

func (m *memDocs) ListByTenant(_ context.Context, tenantID string) ([]model.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Document
	for _, d := range m.docs {
		if d.TenantID == tenantID {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memDocs) FindByHash(_ context.Context, tenantID, hash string) (*model.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.docs {
		if d.TenantID == tenantID && d.ContentHash == hash {
			cp := *d
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memDocs) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, id)
	return nil
}

// memJobs implements only what the services call.
type memJobs struct {
	repository.JobRepository
	mu      sync.Mutex
	jobs    []*model.ProcessingJob
	failNew error
	docs    *memDocs
}

func (m *memJobs) Create(_ context.Context, job *model.ProcessingJob) error {
	if m.failNew != nil {
		return m.failNew
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.jobs = append(m.jobs, &cp)
	return nil
}

func (m *memJobs) CreateRetry(ctx context.Context, job *model.ProcessingJob) error {
	if m.failNew != nil {
		return m.failNew
	}
	m.docs.mu.Lock()
	d, ok := m.docs.docs[job.DocumentID]
	if !ok || d.Status != model.DocumentFailed {
		m.docs.mu.Unlock()
		return fmt.Errorf("%w: document %s", model.ErrJobConflict, job.DocumentID)
	}
	d.Status = model.DocumentProcessing
	d.LastError = ""
	m.docs.mu.Unlock()
	return m.Create(ctx, job)
}

func (m *memJobs) LatestForDocument(_ context.Context, documentID string) (*model.ProcessingJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.jobs) - 1; i >= 0; i-- {
		if m.jobs[i].DocumentID == documentID {
			cp := *m.jobs[i]
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memJobs) ActiveForDocument(_ context.Context, documentID string) (*model.ProcessingJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.DocumentID == documentID && !j.State.IsTerminal() {
			cp := *j
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memJobs) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

type memChunks struct {
	repository.ChunkRepository
	chunks []model.Chunk
}

func (m *memChunks) ListByGeneration(_ context.Context, documentID, generation string) ([]model.Chunk, error) {
	var out []model.Chunk
	for _, c := range m.chunks {
		if c.DocumentID == documentID && c.Generation == generation {
			out = append(out, c)
		}
	}
	return out, nil
}

type memConversations struct {
	mu      sync.Mutex
	history map[string][]model.ChatMessage
	cleared []string
}

func newMemConversations() *memConversations {
	return &memConversations{history: map[string][]model.ChatMessage{}}
}

func (m *memConversations) Append(_ context.Context, tenantID, documentID string, messages ...model.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := tenantID + "/" + documentID
	m.history[key] = append(m.history[key], messages...)
	return nil
}

func (m *memConversations) History(_ context.Context, tenantID, documentID string, limit int) ([]model.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.history[tenantID+"/"+documentID]
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	return append([]model.ChatMessage(nil), h...), nil
}

func (m *memConversations) Clear(_ context.Context, tenantID, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.history, tenantID+"/"+documentID)
	m.cleared = append(m.cleared, documentID)
	return nil
}

type memObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
}

func newMemObjects() *memObjects { return &memObjects{objects: map[string][]byte{}} }

func (m *memObjects) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	if m.putErr != nil {
		return m.putErr
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = b
	return nil
}

func (m *memObjects) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[key]
	if !ok {
		return nil, errors.New("no such key")
	}
	return bytes.Clone(b), nil
}

func (m *memObjects) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []tasks.JobEnqueued
	err  error
}

func (n *recordingNotifier) ProduceJobEnqueued(_ context.Context, msg tasks.JobEnqueued) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
	return n.err
}

// memIndex serves fixed hits for every scope and records deletions.
type memIndex struct {
	lexical    []model.SearchHit
	vector     []model.SearchHit
	lexicalErr error
	vectorErr  error
	vectorHits int
	deleted    []string
}

func (m *memIndex) LexicalSearch(_ context.Context, _ model.SearchScope, _ string, _ int) ([]model.SearchHit, error) {
	return m.lexical, m.lexicalErr
}

func (m *memIndex) VectorSearch(_ context.Context, _ model.SearchScope, _ []float32, _ int) ([]model.SearchHit, error) {
	m.vectorHits++
	return m.vector, m.vectorErr
}

func (m *memIndex) IndexChunks(context.Context, []model.Chunk) error          { return nil }
func (m *memIndex) DeleteGeneration(context.Context, model.SearchScope) error { return nil }

func (m *memIndex) DeleteDocument(_ context.Context, _ string, documentID string) error {
	m.deleted = append(m.deleted, documentID)
	return nil
}

type fixedEmbedder struct {
	err error
}

func (f fixedEmbedder) EmbedQuery(context.Context, string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []float32{1, 0, 0}, nil
}

type failingReranker struct{ calls int }

func (f *failingReranker) Rerank(context.Context, string, []string, int) ([]rerankclient.Result, error) {
	f.calls++
	return nil, errors.New("503 service unavailable")
}

// echoLLM answers with a fixed text split on spaces and records the prompt.
type echoLLM struct {
	answer   string
	messages []llm.Message
}

func (e *echoLLM) StreamChat(ctx context.Context, messages []llm.Message, _ *llm.GenerationParams, onDelta func(string) error) error {
	e.messages = messages
	for _, w := range strings.SplitAfter(e.answer, " ") {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := onDelta(w); err != nil {
			return err
		}
	}
	return nil
}
