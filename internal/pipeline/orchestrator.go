package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"docqa-go/internal/model"
	"docqa-go/pkg/log"
)

const reclaimLockKey = "ingestion:reclaim"

// Runner executes one claimed job.
type Runner interface {
	Run(ctx context.Context, job *model.ProcessingJob) error
}

// Options tunes the Orchestrator.
type Options struct {
	Workers         int
	PollInterval    time.Duration
	ReclaimInterval time.Duration
	StaleTimeout    time.Duration
	MaxAttempts     int
}

func (o *Options) applyDefaults() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.ReclaimInterval <= 0 {
		o.ReclaimInterval = time.Minute
	}
	if o.StaleTimeout <= 0 {
		o.StaleTimeout = 5 * time.Minute
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 2
	}
}

// Orchestrator 是入库任务的工作池：按租户公平调度、限制每个租户同时只运行一个任务，
// 并回收心跳超时的任务。
type Orchestrator struct {
	jobs   JobStore
	runner Runner
	locker Locker
	opts   Options
	now    func() time.Time

	slots chan struct{}
	wake  chan struct{}
	wg    sync.WaitGroup
}

// NewOrchestrator creates an orchestrator. locker may be nil for a single instance.
func NewOrchestrator(jobs JobStore, runner Runner, locker Locker, opts Options) *Orchestrator {
	opts.applyDefaults()
	return &Orchestrator{
		jobs:   jobs,
		runner: runner,
		locker: locker,
		opts:   opts,
		now:    time.Now,
		slots:  make(chan struct{}, opts.Workers),
		wake:   make(chan struct{}, 1),
	}
}

// Notify asks the dispatch loop to look for pending jobs now. It never blocks.
func (o *Orchestrator) Notify() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// Start launches the dispatch and reclaim loops. They stop when ctx is done;
// Wait blocks until running jobs have returned as well.
func (o *Orchestrator) Start(ctx context.Context) {
	log.Infow("[Orchestrator] 启动", "workers", o.opts.Workers, "staleTimeout", o.opts.StaleTimeout, "maxAttempts", o.opts.MaxAttempts)
	o.wg.Add(2)
	go func() {
		defer o.wg.Done()
		o.dispatchLoop(ctx)
	}()
	go func() {
		defer o.wg.Done()
		o.reclaimLoop(ctx)
	}()
}

// Wait blocks until the loops and all running jobs have stopped.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) dispatchLoop(ctx context.Context) {
	ticker := time.NewTicker(o.opts.PollInterval)
	defer ticker.Stop()
	for {
		o.Dispatch(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-o.wake:
		}
	}
}

func (o *Orchestrator) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(o.opts.ReclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, _, err := o.ReclaimStale(ctx); err != nil && ctx.Err() == nil {
			log.Error("[Orchestrator] 回收超时任务失败", err)
		}
	}
}

// Dispatch claims at most one job per tenant with pending work, oldest tenant
// first, while free workers remain. It returns the number of jobs started.
func (o *Orchestrator) Dispatch(ctx context.Context) int {
	tenants, err := o.jobs.ListTenantsWithPending(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Error("[Orchestrator] 查询待处理租户失败", err)
		}
		return 0
	}

	started := 0
	for _, tenant := range tenants {
		select {
		case o.slots <- struct{}{}:
		default:
			return started
		}
		job, err := o.jobs.ClaimNext(ctx, tenant, o.now())
		if err != nil || job == nil {
			<-o.slots
			if err != nil && ctx.Err() == nil {
				log.Warnw("[Orchestrator] 认领任务失败", "tenant", tenant, "error", err)
			}
			continue
		}
		started++
		o.wg.Add(1)
		go o.execute(ctx, job)
	}
	return started
}

func (o *Orchestrator) execute(ctx context.Context, job *model.ProcessingJob) {
	defer o.wg.Done()
	defer func() { <-o.slots }()
	defer func() {
		if rec := recover(); rec != nil {
			log.Errorw("[Orchestrator] 任务执行 panic", "job", job.ID, "panic", rec)
			state := job.State
			if !state.IsActive() {
				state = model.JobParsing
			}
			err := o.jobs.Fail(context.WithoutCancel(ctx), job, state, fmt.Sprintf("panic: %v", rec), msgInternal, o.now())
			if err != nil {
				log.Errorw("[Orchestrator] 标记 panic 任务失败时出错", "job", job.ID, "error", err)
			}
		}
		// the tenant may have more queued work
		o.Notify()
	}()

	if err := o.runner.Run(ctx, job); err != nil {
		log.Warnw("[Orchestrator] 任务未正常结束", "job", job.ID, "error", err)
	}
}

// ReclaimStale requeues active jobs whose heartbeat is older than the stale
// timeout, or fails them once they have used all attempts. With a Locker
// only one instance sweeps at a time.
func (o *Orchestrator) ReclaimStale(ctx context.Context) (requeued, failed int, err error) {
	if o.locker != nil {
		token := uuid.NewString()
		ok, lerr := o.locker.TryLock(ctx, reclaimLockKey, token, o.opts.ReclaimInterval)
		if lerr != nil {
			return 0, 0, fmt.Errorf("acquire reclaim lock: %w", lerr)
		}
		if !ok {
			return 0, 0, nil
		}
		defer func() {
			if uerr := o.locker.Unlock(context.WithoutCancel(ctx), reclaimLockKey, token); uerr != nil {
				log.Warnw("[Orchestrator] 释放回收锁失败", "error", uerr)
			}
		}()
	}

	now := o.now()
	stale, err := o.jobs.FindStale(ctx, now.Add(-o.opts.StaleTimeout))
	if err != nil {
		return 0, 0, fmt.Errorf("find stale jobs: %w", err)
	}

	for i := range stale {
		job := &stale[i]
		if job.Attempts < o.opts.MaxAttempts {
			if err := o.jobs.Requeue(ctx, job.ID, job.State, uuid.NewString(), now); err != nil {
				log.Warnw("[Orchestrator] 重新排队失败", "job", job.ID, "error", err)
				continue
			}
			log.Warnw("[Orchestrator] 任务心跳超时，重新排队", "job", job.ID, "state", job.State, "attempt", job.Attempts+1)
			requeued++
			continue
		}

		msg := fmt.Sprintf("processing stalled in %s: no heartbeat since %s (attempt %d of %d)",
			job.State, job.HeartbeatAt.Format(time.RFC3339), job.Attempts, o.opts.MaxAttempts)
		if err := o.jobs.Fail(ctx, job, job.State, msg, msgStalled, now); err != nil {
			log.Warnw("[Orchestrator] 标记超时任务失败出错", "job", job.ID, "error", err)
			continue
		}
		log.Errorw("[Orchestrator] 任务多次超时，标记为失败", "job", job.ID, "attempts", job.Attempts)
		failed++
	}
	if requeued > 0 {
		o.Notify()
	}
	return requeued, failed, nil
}
