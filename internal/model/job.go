package model

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransition is returned when a job state change is not in the transition table.
var ErrInvalidTransition = errors.New("invalid job state transition")

// JobState 是处理任务的有限状态。
type JobState string

const (
	JobPending   JobState = "pending"
	JobParsing   JobState = "parsing"
	JobChunking  JobState = "chunking"
	JobEmbedding JobState = "embedding"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// transitions is the only set of legal state changes. Active states may go
// back to pending, which is how stale reclamation requeues a job.
var transitions = map[JobState][]JobState{
	JobPending:   {JobParsing, JobFailed},
	JobParsing:   {JobChunking, JobFailed, JobPending},
	JobChunking:  {JobEmbedding, JobFailed, JobPending},
	JobEmbedding: {JobCompleted, JobFailed, JobPending},
}

// ActiveStates are the states in which a worker owns the job.
var ActiveStates = []JobState{JobParsing, JobChunking, JobEmbedding}

// IsTerminal reports whether no further transition is allowed.
func (s JobState) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

// IsActive reports whether a worker is running the job.
func (s JobState) IsActive() bool {
	return s == JobParsing || s == JobChunking || s == JobEmbedding
}

// Valid reports whether s is one of the known states.
func (s JobState) Valid() bool {
	switch s {
	case JobPending, JobParsing, JobChunking, JobEmbedding, JobCompleted, JobFailed:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to JobState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns an error wrapping ErrInvalidTransition when from -> to is not allowed.
func ValidateTransition(from, to JobState) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// ProcessingJob 对应 processing_jobs 表，是一次文档入库的尝试。
type ProcessingJob struct {
	ID           string     `gorm:"type:varchar(36);primaryKey" json:"id"`
	DocumentID   string     `gorm:"type:varchar(36);not null;index" json:"documentId"`
	TenantID     string     `gorm:"type:varchar(64);not null;index:idx_jobs_tenant_state" json:"tenantId"`
	State        JobState   `gorm:"type:varchar(16);not null;index:idx_jobs_tenant_state" json:"state"`
	Generation   string     `gorm:"type:varchar(36);not null" json:"generation"`
	Attempts     int        `gorm:"not null;default:1" json:"attempts"`
	ErrorMessage string     `gorm:"type:text" json:"errorMessage,omitempty"`
	StartedAt    *time.Time `json:"startedAt"`
	HeartbeatAt  time.Time  `gorm:"index" json:"heartbeatAt"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (ProcessingJob) TableName() string {
	return "processing_jobs"
}

// ErrJobConflict is returned when a compare-and-set on a job finds a state
// other than the expected one, usually because another worker or the stale
// job reaper moved it first.
var ErrJobConflict = errors.New("job state changed concurrently")
