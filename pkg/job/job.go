// Package job implements the Job Runner (component C5): job CRUD, the
// QUEUED→ASSIGNED→RUNNING→{COMPLETED,FAILED,CANCELLED,TIMEOUT} state
// machine, and the per-job goroutine that drives a job through placement,
// provisioning, and cost finalisation.
package job

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Type is the closed set of job kinds a submission may request.
type Type string

const (
	TypeLlavaInference Type = "LLAVA_INFERENCE"
	TypeLlamaInference Type = "LLAMA_INFERENCE"
	TypeTraining       Type = "TRAINING"
	TypeBatch          Type = "BATCH"
	TypeCustom         Type = "CUSTOM"
)

func (t Type) Valid() bool {
	switch t {
	case TypeLlavaInference, TypeLlamaInference, TypeTraining, TypeBatch, TypeCustom:
		return true
	default:
		return false
	}
}

// Status is the closed sum type backing the job state machine, persisted
// as a stable on-disk string per the enum-string-coupling redesign in
// spec §9 (migrations must preserve existing values).
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusAssigned  Status = "ASSIGNED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
	StatusTimeout   Status = "TIMEOUT"
)

// Terminal reports whether status admits no further transition.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	default:
		return false
	}
}

// NonTerminal reports the statuses counted against concurrency and quota
// caps: queued work plus anything actively holding an instance.
func (s Status) NonTerminal() bool { return !s.Terminal() }

// Job is the unit of work requested by a user, matching the persistence
// columns of the jobs table one-to-one.
type Job struct {
	ID                    uuid.UUID
	UserID                uuid.UUID
	JobType               Type
	ModelName             string
	Priority              int
	EffectivePriority     int
	PriorityBoost         int
	GPUTypeRequired       string
	GPUCountRequired      int
	MemoryGBRequired      int
	MaxRuntimeMinutes     int
	Input                 json.RawMessage
	Output                json.RawMessage
	ErrorMessage          *string
	Status                Status
	ProgressPercent       int
	TemplateName          *string
	CreatedAt             time.Time
	AssignedAt            *time.Time
	StartedAt             *time.Time
	CompletedAt           *time.Time
	EstimatedCompletionAt *time.Time
	EstimatedCostUSD      decimal.Decimal
	ActualCostUSD         decimal.Decimal
	RetryCount            int
	MaxRetries            int
	InstanceID            *uuid.UUID
	UpdatedAt             time.Time
}

// RuntimeHours returns the duration the job ran (started_at to
// completed_at, or now if still running), in hours.
func (j *Job) RuntimeHours(now time.Time) decimal.Decimal {
	if j.StartedAt == nil {
		return decimal.Zero
	}
	end := now
	if j.CompletedAt != nil {
		end = *j.CompletedAt
	}
	if end.Before(*j.StartedAt) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(end.Sub(*j.StartedAt).Hours())
}
