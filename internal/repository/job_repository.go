package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"docqa-go/internal/model"
)

// JobRepository 定义了处理任务的持久化操作。所有状态变更都经过转换表校验，
// 并以 "WHERE state = 旧状态" 的方式做 compare-and-set。
type JobRepository interface {
	Create(ctx context.Context, job *model.ProcessingJob) error
	CreateRetry(ctx context.Context, job *model.ProcessingJob) error
	GetByID(ctx context.Context, id string) (*model.ProcessingJob, error)
	LatestForDocument(ctx context.Context, documentID string) (*model.ProcessingJob, error)
	ActiveForDocument(ctx context.Context, documentID string) (*model.ProcessingJob, error)

	ClaimNext(ctx context.Context, tenantID string, now time.Time) (*model.ProcessingJob, error)
	Advance(ctx context.Context, jobID string, from, to model.JobState, now time.Time) error
	Heartbeat(ctx context.Context, jobID string, state model.JobState, now time.Time) error
	Complete(ctx context.Context, job *model.ProcessingJob, pageCount int, now time.Time) (string, error)
	Fail(ctx context.Context, job *model.ProcessingJob, from model.JobState, jobMsg, userMsg string, now time.Time) error
	Requeue(ctx context.Context, jobID string, from model.JobState, generation string, now time.Time) error

	ListTenantsWithPending(ctx context.Context) ([]string, error)
	FindStale(ctx context.Context, before time.Time) ([]model.ProcessingJob, error)
}

type jobRepository struct {
	db *gorm.DB
}

// NewJobRepository 创建一个新的 JobRepository 实例。
func NewJobRepository(db *gorm.DB) JobRepository {
	return &jobRepository{db: db}
}

var nonTerminal = []model.JobState{model.JobPending, model.JobParsing, model.JobChunking, model.JobEmbedding}

func (r *jobRepository) Create(ctx context.Context, job *model.ProcessingJob) error {
	if !job.State.Valid() {
		job.State = model.JobPending
	}
	return r.db.WithContext(ctx).Create(job).Error
}

// CreateRetry 在同一事务中把失败的文档重新置为处理中并创建新任务。
// 文档已不是 failed 时返回 ErrJobConflict，当前可检索的 generation 保持不变。
func (r *jobRepository) CreateRetry(ctx context.Context, job *model.ProcessingJob) error {
	job.State = model.JobPending
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.Document{}).
			Where("id = ? AND status = ?", job.DocumentID, model.DocumentFailed).
			Updates(map[string]interface{}{"status": model.DocumentProcessing, "last_error": ""})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: document %s is no longer %s", model.ErrJobConflict, job.DocumentID, model.DocumentFailed)
		}
		return tx.Create(job).Error
	})
}

func (r *jobRepository) GetByID(ctx context.Context, id string) (*model.ProcessingJob, error) {
	return r.first(r.db.WithContext(ctx).Where("id = ?", id))
}

func (r *jobRepository) LatestForDocument(ctx context.Context, documentID string) (*model.ProcessingJob, error) {
	return r.first(r.db.WithContext(ctx).Where("document_id = ?", documentID).Order("created_at DESC"))
}

func (r *jobRepository) ActiveForDocument(ctx context.Context, documentID string) (*model.ProcessingJob, error) {
	return r.first(r.db.WithContext(ctx).Where("document_id = ? AND state IN ?", documentID, nonTerminal))
}

func (r *jobRepository) first(q *gorm.DB) (*model.ProcessingJob, error) {
	var job model.ProcessingJob
	err := q.First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ClaimNext 取出该租户最早的 pending 任务并置为 parsing。
// 租户已有运行中的任务时返回 nil。租户的非终态任务行在事务中加锁，
// 多个实例并发调度时同一租户的认领是串行的。
func (r *jobRepository) ClaimNext(ctx context.Context, tenantID string, now time.Time) (*model.ProcessingJob, error) {
	var claimed *model.ProcessingJob
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var jobs []model.ProcessingJob
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("tenant_id = ? AND state IN ?", tenantID, nonTerminal).
			Order("created_at ASC, id ASC").
			Find(&jobs).Error
		if err != nil {
			return err
		}

		var next *model.ProcessingJob
		for i := range jobs {
			if jobs[i].State.IsActive() {
				return nil
			}
			if next == nil && jobs[i].State == model.JobPending {
				next = &jobs[i]
			}
		}
		if next == nil {
			return nil
		}

		res := tx.Model(&model.ProcessingJob{}).
			Where("id = ? AND state = ?", next.ID, model.JobPending).
			Updates(map[string]interface{}{
				"state":        model.JobParsing,
				"started_at":   now,
				"heartbeat_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		next.State = model.JobParsing
		next.StartedAt = &now
		next.HeartbeatAt = now
		claimed = next
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim job for tenant %s: %w", tenantID, err)
	}
	return claimed, nil
}

// Advance 执行非终态之间的状态转换并刷新心跳。
func (r *jobRepository) Advance(ctx context.Context, jobID string, from, to model.JobState, now time.Time) error {
	if err := model.ValidateTransition(from, to); err != nil {
		return err
	}
	if to.IsTerminal() {
		return fmt.Errorf("%w: %s is terminal, use Complete or Fail", model.ErrInvalidTransition, to)
	}
	return cas(r.db.WithContext(ctx), jobID, from, map[string]interface{}{"state": to, "heartbeat_at": now})
}

// Heartbeat 只在任务仍处于 state 时推进心跳，任务被回收后返回 ErrJobConflict。
func (r *jobRepository) Heartbeat(ctx context.Context, jobID string, state model.JobState, now time.Time) error {
	return cas(r.db.WithContext(ctx), jobID, state, map[string]interface{}{"heartbeat_at": now})
}

// Complete 在同一事务中将任务置为 completed 并切换文档的 active generation，
// 返回被替换下来的旧 generation（可能为空）。
func (r *jobRepository) Complete(ctx context.Context, job *model.ProcessingJob, pageCount int, now time.Time) (string, error) {
	if err := model.ValidateTransition(model.JobEmbedding, model.JobCompleted); err != nil {
		return "", err
	}
	var previous string
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := cas(tx, job.ID, model.JobEmbedding, map[string]interface{}{
			"state": model.JobCompleted, "heartbeat_at": now, "error_message": "",
		})
		if err != nil {
			return err
		}
		var doc model.Document
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", job.DocumentID).First(&doc).Error; err != nil {
			return err
		}
		previous = doc.ActiveGeneration
		return tx.Model(&model.Document{}).Where("id = ?", job.DocumentID).Updates(map[string]interface{}{
			"status":            model.DocumentReady,
			"active_generation": job.Generation,
			"page_count":        pageCount,
			"last_error":        "",
		}).Error
	})
	if err != nil {
		return "", err
	}
	if previous == job.Generation {
		previous = ""
	}
	return previous, nil
}

// Fail 在同一事务中将任务置为 failed，并把文档标记为失败。
func (r *jobRepository) Fail(ctx context.Context, job *model.ProcessingJob, from model.JobState, jobMsg, userMsg string, now time.Time) error {
	if err := model.ValidateTransition(from, model.JobFailed); err != nil {
		return err
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := cas(tx, job.ID, from, map[string]interface{}{
			"state": model.JobFailed, "heartbeat_at": now, "error_message": jobMsg,
		})
		if err != nil {
			return err
		}
		return tx.Model(&model.Document{}).Where("id = ?", job.DocumentID).Updates(map[string]interface{}{
			"status":     model.DocumentFailed,
			"last_error": userMsg,
		}).Error
	})
}

// Requeue 将运行中的任务放回 pending，尝试次数加一并换用新的 generation。
func (r *jobRepository) Requeue(ctx context.Context, jobID string, from model.JobState, generation string, now time.Time) error {
	if !from.IsActive() {
		return fmt.Errorf("%w: requeue from %s", model.ErrInvalidTransition, from)
	}
	if err := model.ValidateTransition(from, model.JobPending); err != nil {
		return err
	}
	return cas(r.db.WithContext(ctx), jobID, from, map[string]interface{}{
		"state":        model.JobPending,
		"attempts":     gorm.Expr("attempts + 1"),
		"generation":   generation,
		"heartbeat_at": now,
		"started_at":   nil,
	})
}

// ListTenantsWithPending 按最早 pending 任务的时间返回租户列表。
func (r *jobRepository) ListTenantsWithPending(ctx context.Context) ([]string, error) {
	var tenants []string
	err := r.db.WithContext(ctx).Model(&model.ProcessingJob{}).
		Where("state = ?", model.JobPending).
		Group("tenant_id").
		Order("MIN(created_at) ASC").
		Pluck("tenant_id", &tenants).Error
	return tenants, err
}

// FindStale 返回心跳早于 before 的运行中任务。
func (r *jobRepository) FindStale(ctx context.Context, before time.Time) ([]model.ProcessingJob, error) {
	var jobs []model.ProcessingJob
	err := r.db.WithContext(ctx).
		Where("state IN ? AND heartbeat_at < ?", model.ActiveStates, before).
		Order("heartbeat_at ASC").
		Find(&jobs).Error
	return jobs, err
}

// cas relies on RowsAffected counting matched rows, so MySQL DSNs must set
// clientFoundRows=true or an unchanged heartbeat would look like a conflict.
func cas(db *gorm.DB, jobID string, from model.JobState, updates map[string]interface{}) error {
	res := db.Model(&model.ProcessingJob{}).Where("id = ? AND state = ?", jobID, from).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: job %s is no longer %s", model.ErrJobConflict, jobID, from)
	}
	return nil
}
