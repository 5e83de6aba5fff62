package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"docqa-go/internal/model"
	"docqa-go/internal/parser"
)

// memStore is an in-memory JobStore and DocumentStore with the same CAS
// semantics as the gorm repository.
type memStore struct {
	mu    sync.Mutex
	jobs  map[string]*model.ProcessingJob
	order []string
	docs  map[string]*model.Document
}

func newMemStore() *memStore {
	return &memStore{jobs: map[string]*model.ProcessingJob{}, docs: map[string]*model.Document{}}
}

func (s *memStore) addDoc(d model.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[d.ID] = &d
}

func (s *memStore) addJob(j model.ProcessingJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j.Attempts == 0 {
		j.Attempts = 1
	}
	s.jobs[j.ID] = &j
	s.order = append(s.order, j.ID)
}

func (s *memStore) job(id string) model.ProcessingJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.jobs[id]
}

func (s *memStore) doc(id string) model.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.docs[id]
}

func (s *memStore) GetByID(_ context.Context, id string) (*model.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	if !ok {
		return nil, errors.New("not found")
	}
	cp := *d
	return &cp, nil
}

func (s *memStore) ClaimNext(_ context.Context, tenantID string, now time.Time) (*model.ProcessingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var next *model.ProcessingJob
	for _, id := range s.order {
		j := s.jobs[id]
		if j.TenantID != tenantID {
			continue
		}
		if j.State.IsActive() {
			return nil, nil
		}
		if next == nil && j.State == model.JobPending {
			next = j
		}
	}
	if next == nil {
		return nil, nil
	}
	next.State = model.JobParsing
	next.StartedAt = &now
	next.HeartbeatAt = now
	cp := *next
	return &cp, nil
}

func (s *memStore) cas(id string, from model.JobState) (*model.ProcessingJob, error) {
	j, ok := s.jobs[id]
	if !ok || j.State != from {
		return nil, fmt.Errorf("%w: %s", model.ErrJobConflict, id)
	}
	return j, nil
}

func (s *memStore) Advance(_ context.Context, jobID string, from, to model.JobState, now time.Time) error {
	if err := model.ValidateTransition(from, to); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.cas(jobID, from)
	if err != nil {
		return err
	}
	j.State = to
	j.HeartbeatAt = now
	return nil
}

func (s *memStore) Heartbeat(_ context.Context, jobID string, state model.JobState, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.cas(jobID, state)
	if err != nil {
		return err
	}
	j.HeartbeatAt = now
	return nil
}

func (s *memStore) Complete(_ context.Context, job *model.ProcessingJob, pageCount int, now time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.cas(job.ID, model.JobEmbedding)
	if err != nil {
		return "", err
	}
	j.State = model.JobCompleted
	j.HeartbeatAt = now
	d := s.docs[job.DocumentID]
	previous := d.ActiveGeneration
	d.Status = model.DocumentReady
	d.ActiveGeneration = job.Generation
	d.PageCount = &pageCount
	d.LastError = ""
	if previous == job.Generation {
		previous = ""
	}
	return previous, nil
}

func (s *memStore) Fail(_ context.Context, job *model.ProcessingJob, from model.JobState, jobMsg, userMsg string, now time.Time) error {
	if err := model.ValidateTransition(from, model.JobFailed); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.cas(job.ID, from)
	if err != nil {
		return err
	}
	j.State = model.JobFailed
	j.ErrorMessage = jobMsg
	j.HeartbeatAt = now
	d := s.docs[job.DocumentID]
	d.Status = model.DocumentFailed
	d.LastError = userMsg
	return nil
}

func (s *memStore) Requeue(_ context.Context, jobID string, from model.JobState, generation string, now time.Time) error {
	if !from.IsActive() {
		return model.ErrInvalidTransition
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.cas(jobID, from)
	if err != nil {
		return err
	}
	j.State = model.JobPending
	j.Attempts++
	j.Generation = generation
	j.HeartbeatAt = now
	j.StartedAt = nil
	return nil
}

func (s *memStore) ListTenantsWithPending(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for _, id := range s.order {
		j := s.jobs[id]
		if j.State == model.JobPending && !seen[j.TenantID] {
			seen[j.TenantID] = true
			out = append(out, j.TenantID)
		}
	}
	return out, nil
}

func (s *memStore) FindStale(_ context.Context, before time.Time) ([]model.ProcessingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.ProcessingJob
	for _, id := range s.order {
		j := s.jobs[id]
		if j.State.IsActive() && j.HeartbeatAt.Before(before) {
			out = append(out, *j)
		}
	}
	return out, nil
}

type memChunks struct {
	mu   sync.Mutex
	rows map[string][]model.Chunk // key: doc/generation
}

func newMemChunks() *memChunks { return &memChunks{rows: map[string][]model.Chunk{}} }

func (m *memChunks) ReplaceGeneration(_ context.Context, docID, gen string, chunks []model.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[docID+"/"+gen] = append([]model.Chunk(nil), chunks...)
	return nil
}

func (m *memChunks) DeleteGeneration(_ context.Context, docID, gen string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, docID+"/"+gen)
	return nil
}

func (m *memChunks) get(docID, gen string) []model.Chunk {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[docID+"/"+gen]
}

type memIndex struct {
	mu      sync.Mutex
	chunks  []model.Chunk
	deleted []model.SearchScope
	err     error
}

func (m *memIndex) IndexChunks(_ context.Context, chunks []model.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.chunks = append(m.chunks, chunks...)
	return nil
}

func (m *memIndex) DeleteGeneration(_ context.Context, scope model.SearchScope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, scope)
	kept := m.chunks[:0]
	for _, c := range m.chunks {
		if c.DocumentID != scope.DocumentID || c.Generation != scope.Generation {
			kept = append(kept, c)
		}
	}
	m.chunks = kept
	return nil
}

type memObjects map[string][]byte

func (m memObjects) Get(_ context.Context, key string) ([]byte, error) {
	b, ok := m[key]
	if !ok {
		return nil, errors.New("no such object")
	}
	return b, nil
}

type fakeEmbedder struct {
	err   error
	calls int
}

func (f *fakeEmbedder) EmbedAll(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1, float32(i)}
	}
	return out, nil
}

// stubProvider is a parser.Provider returning a fixed result or blocking until cancelled.
type stubProvider struct {
	name   string
	result *parser.Result
	block  bool
}

func (p *stubProvider) Name() string         { return p.name }
func (p *stubProvider) Supports(string) bool { return true }

func (p *stubProvider) Parse(ctx context.Context, _ []byte, _ string) (*parser.Result, error) {
	if p.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	r := *p.result
	return &r, nil
}
