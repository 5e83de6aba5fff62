// Package pipeline 定义了文档入库的状态机：解析、分块、向量化，以及调度这些任务的工作池。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"docqa-go/internal/model"
	"docqa-go/pkg/log"
)

// User-facing failure messages. Technical detail goes to the job row and logs.
const (
	msgReadFailed  = "We could not read this document. Please retry the upload, or try a different file format."
	msgIndexFailed = "We could not index this document. Please retry processing it."
	msgStalled     = "Processing this document stalled. Please retry processing it."
	msgInternal    = "Something went wrong while processing this document. Please retry processing it."
)

// Processor runs one claimed job through parsing, chunking and embedding.
type Processor struct {
	jobs     JobStore
	docs     DocumentStore
	chunks   ChunkStore
	index    ChunkIndex
	objects  ObjectReader
	parser   Parser
	chunker  Chunker
	embedder Embedder

	heartbeatInterval time.Duration
	stageTimeout      time.Duration
	now               func() time.Time
}

// ProcessorDeps groups the collaborators of a Processor.
type ProcessorDeps struct {
	Jobs     JobStore
	Docs     DocumentStore
	Chunks   ChunkStore
	Index    ChunkIndex
	Objects  ObjectReader
	Parser   Parser
	Chunker  Chunker
	Embedder Embedder
}

// NewProcessor 创建一个新的 Processor 实例。
func NewProcessor(deps ProcessorDeps, heartbeatInterval, stageTimeout time.Duration) *Processor {
	if heartbeatInterval <= 0 {
		heartbeatInterval = 10 * time.Second
	}
	if stageTimeout <= 0 {
		stageTimeout = 10 * time.Minute
	}
	return &Processor{
		jobs:              deps.Jobs,
		docs:              deps.Docs,
		chunks:            deps.Chunks,
		index:             deps.Index,
		objects:           deps.Objects,
		parser:            deps.Parser,
		chunker:           deps.Chunker,
		embedder:          deps.Embedder,
		heartbeatInterval: heartbeatInterval,
		stageTimeout:      stageTimeout,
		now:               time.Now,
	}
}

// stageError carries the message shown to the tenant alongside the cause.
type stageError struct {
	stage   model.JobState
	userMsg string
	err     error
}

func (e *stageError) Error() string { return fmt.Sprintf("%s: %v", e.stage, e.err) }
func (e *stageError) Unwrap() error { return e.err }

// run tracks the job's current state for the heartbeat goroutine.
type run struct {
	mu    sync.Mutex
	job   *model.ProcessingJob
	since time.Time
}

func (r *run) current() (model.JobState, time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.job.State, r.since
}

func (r *run) set(state model.JobState, at time.Time) {
	r.mu.Lock()
	r.job.State = state
	r.since = at
	r.mu.Unlock()
}

// Run drives a job claimed in the parsing state to completed or failed.
// It returns nil when the job reached a terminal state it owns, and an error
// when the job was lost to another owner or could not be persisted.
func (p *Processor) Run(ctx context.Context, job *model.ProcessingJob) error {
	if job.State != model.JobParsing {
		return fmt.Errorf("%w: run expects a parsing job, got %s", model.ErrInvalidTransition, job.State)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r := &run{job: job, since: p.now()}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.heartbeat(ctx, cancel, r)
	}()
	defer wg.Wait()
	defer cancel()

	log.Infow("[Processor] 开始处理任务", "job", job.ID, "document", job.DocumentID, "tenant", job.TenantID, "attempt", job.Attempts)
	pageCount, err := p.stages(ctx, r)
	if err == nil {
		previous, cerr := p.jobs.Complete(context.WithoutCancel(ctx), job, pageCount, p.now())
		if cerr != nil {
			p.discardGeneration(ctx, job)
			return fmt.Errorf("complete job %s: %w", job.ID, cerr)
		}
		job.State = model.JobCompleted
		log.Infow("[Processor] 任务完成", "job", job.ID, "document", job.DocumentID, "pages", pageCount)
		if previous != "" {
			p.dropGeneration(ctx, job, previous)
		}
		return nil
	}

	if errors.Is(err, model.ErrJobConflict) || (ctx.Err() != nil && errors.Is(err, context.Canceled)) {
		log.Warnw("[Processor] 任务被中断或已被接管，放弃本次结果", "job", job.ID, "error", err)
		p.discardGeneration(ctx, job)
		return err
	}
	return p.fail(ctx, r, err)
}

func (p *Processor) stages(ctx context.Context, r *run) (int, error) {
	job := r.job
	doc, err := p.docs.GetByID(ctx, job.DocumentID)
	if err != nil {
		return 0, &stageError{stage: model.JobParsing, userMsg: msgInternal, err: fmt.Errorf("load document: %w", err)}
	}

	stageCtx, cancel := context.WithTimeout(ctx, p.stageTimeout)
	data, err := p.objects.Get(stageCtx, doc.ObjectKey)
	if err != nil {
		cancel()
		return 0, &stageError{stage: model.JobParsing, userMsg: msgInternal, err: fmt.Errorf("fetch object: %w", err)}
	}
	parsed, err := p.parser.Parse(stageCtx, data, doc.MimeType)
	cancel()
	if err != nil {
		return 0, &stageError{stage: model.JobParsing, userMsg: msgReadFailed, err: err}
	}

	if err := p.advance(ctx, r, model.JobChunking); err != nil {
		return 0, err
	}
	chunks := p.chunker.Chunk(parsed.Markdown, parsed.Markers)
	log.Infow("[Processor] 分块完成", "job", job.ID, "provider", parsed.Provider, "chunks", len(chunks), "pages", parsed.PageCount)

	if err := p.advance(ctx, r, model.JobEmbedding); err != nil {
		return 0, err
	}
	if len(chunks) == 0 {
		return parsed.PageCount, nil
	}

	stageCtx, cancel = context.WithTimeout(ctx, p.stageTimeout)
	defer cancel()
	texts := make([]string, len(chunks))
	for i := range chunks {
		chunks[i].ID = uuid.NewString()
		chunks[i].DocumentID = job.DocumentID
		chunks[i].TenantID = job.TenantID
		chunks[i].Generation = job.Generation
		texts[i] = chunks[i].EmbeddingText()
	}
	vectors, err := p.embedder.EmbedAll(stageCtx, texts)
	if err != nil {
		return 0, &stageError{stage: model.JobEmbedding, userMsg: msgIndexFailed, err: err}
	}
	if len(vectors) != len(chunks) {
		return 0, &stageError{stage: model.JobEmbedding, userMsg: msgIndexFailed,
			err: fmt.Errorf("got %d vectors for %d chunks", len(vectors), len(chunks))}
	}
	for i := range chunks {
		chunks[i].Embedding = vectors[i]
	}

	if err := p.chunks.ReplaceGeneration(stageCtx, job.DocumentID, job.Generation, chunks); err != nil {
		return 0, &stageError{stage: model.JobEmbedding, userMsg: msgIndexFailed, err: fmt.Errorf("persist chunks: %w", err)}
	}
	if err := p.index.IndexChunks(stageCtx, chunks); err != nil {
		return 0, &stageError{stage: model.JobEmbedding, userMsg: msgIndexFailed, err: fmt.Errorf("index chunks: %w", err)}
	}
	return parsed.PageCount, nil
}

// advance persists the transition before the next stage's work starts.
func (p *Processor) advance(ctx context.Context, r *run, to model.JobState) error {
	from, _ := r.current()
	now := p.now()
	if err := p.jobs.Advance(ctx, r.job.ID, from, to, now); err != nil {
		return err
	}
	r.set(to, now)
	return nil
}

// heartbeat advances heartbeat_at while the current stage is within its time
// budget. A stage that overruns stops heartbeating so the reaper can reclaim
// the job even if the stuck call ignores cancellation.
func (p *Processor) heartbeat(ctx context.Context, cancel context.CancelFunc, r *run) {
	ticker := time.NewTicker(p.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		state, since := r.current()
		now := p.now()
		if now.Sub(since) > p.stageTimeout {
			continue
		}
		err := p.jobs.Heartbeat(ctx, r.job.ID, state, now)
		if errors.Is(err, model.ErrJobConflict) {
			log.Warnw("[Processor] 心跳失败，任务已不属于本执行者", "job", r.job.ID, "state", state)
			cancel()
			return
		}
		if err != nil && ctx.Err() == nil {
			log.Warnw("[Processor] 心跳写入失败", "job", r.job.ID, "error", err)
		}
	}
}

func (p *Processor) fail(ctx context.Context, r *run, cause error) error {
	state, _ := r.current()
	userMsg := msgInternal
	var se *stageError
	if errors.As(cause, &se) {
		userMsg = se.userMsg
	}
	job := r.job
	log.Errorw("[Processor] 任务失败", "job", job.ID, "document", job.DocumentID, "state", state, "error", cause)

	err := p.jobs.Fail(context.WithoutCancel(ctx), job, state, cause.Error(), userMsg, p.now())
	p.discardGeneration(ctx, job)
	if err != nil {
		return fmt.Errorf("mark job %s failed: %w", job.ID, err)
	}
	job.State = model.JobFailed
	job.ErrorMessage = cause.Error()
	return nil
}

// discardGeneration removes rows this run may have written. Best effort.
func (p *Processor) discardGeneration(ctx context.Context, job *model.ProcessingJob) {
	p.dropGeneration(ctx, job, job.Generation)
}

func (p *Processor) dropGeneration(ctx context.Context, job *model.ProcessingJob, generation string) {
	ctx = context.WithoutCancel(ctx)
	scope := model.SearchScope{TenantID: job.TenantID, DocumentID: job.DocumentID, Generation: generation}
	if err := p.index.DeleteGeneration(ctx, scope); err != nil {
		log.Warnw("[Processor] 清理索引中的旧 generation 失败", "document", job.DocumentID, "generation", generation, "error", err)
	}
	if err := p.chunks.DeleteGeneration(ctx, job.DocumentID, generation); err != nil {
		log.Warnw("[Processor] 清理数据库中的旧 generation 失败", "document", job.DocumentID, "generation", generation, "error", err)
	}
}
