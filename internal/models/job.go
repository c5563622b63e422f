package models

import (
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ConversionStatus is the lifecycle state of a conversion job.
type ConversionStatus string

const (
	StatusPending    ConversionStatus = "pending"
	StatusProcessing ConversionStatus = "processing"
	StatusValidating ConversionStatus = "validating"
	StatusStaging    ConversionStatus = "staging"
	StatusCompleted  ConversionStatus = "completed"
	StatusFailed     ConversionStatus = "failed"
	StatusCancelled  ConversionStatus = "cancelled"
)

// IsTerminal reports whether the status can no longer change.
func (s ConversionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// SourceKind identifies where the source artifact comes from.
type SourceKind string

const (
	SourceGitHub SourceKind = "github"
	SourceUpload SourceKind = "upload"
)

// Source describes the artifact to convert.
type Source struct {
	Kind     SourceKind `json:"kind"`
	Location string     `json:"location,omitempty"`
	Branch   string     `json:"branch,omitempty"`
	Commit   string     `json:"commit,omitempty"`
	Content  string     `json:"content,omitempty"`
}

// LLMRequestLog summarizes one provider call made on behalf of a job.
type LLMRequestLog struct {
	Timestamp        time.Time `json:"timestamp"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	LatencyMs        int64     `json:"latency_ms"`
	Error            string    `json:"error,omitempty"`
}

// ConversionOutput is the artifact produced by a completed job.
type ConversionOutput struct {
	GeneratedCode string `json:"generated_code"`
	ModelUsed     string `json:"model_used"`
	TokensUsed    int    `json:"tokens_used"`
}

// ConversionJob is the unit of work driven by the pipeline.
type ConversionJob struct {
	ID               string            `json:"id"`
	TemplateID       string            `json:"template_id"`
	ProviderConfigID string            `json:"provider_config_id,omitempty"`
	TenantID         string            `json:"tenant_id,omitempty"`
	CreatedBy        string            `json:"created_by,omitempty"`
	Status           ConversionStatus  `json:"status"`
	Progress         int               `json:"progress"`
	Source           Source            `json:"source"`
	InputData        map[string]any    `json:"input_data,omitempty"`
	TokensUsed       int               `json:"tokens_used"`
	LLMRequests      []LLMRequestLog   `json:"llm_requests,omitempty"`
	Output           *ConversionOutput `json:"output_data,omitempty"`
	ErrorMessage     string            `json:"error_message,omitempty"`
	ErrorDetails     map[string]any    `json:"error_details,omitempty"`
	StagingBranch    string            `json:"staging_branch,omitempty"`
	StagingPRNumber  int               `json:"staging_pr_number,omitempty"`
	StagingPRURL     string            `json:"staging_pr_url,omitempty"`
	RetryOf          string            `json:"retry_of,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	StartedAt        *time.Time        `json:"started_at,omitempty"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
}

// Clone returns a deep enough copy for callers to mutate without sharing
// slices or maps with the original.
func (j *ConversionJob) Clone() *ConversionJob {
	if j == nil {
		return nil
	}
	c := *j
	c.InputData = cloneMap(j.InputData)
	c.ErrorDetails = cloneMap(j.ErrorDetails)
	if j.LLMRequests != nil {
		c.LLMRequests = append([]LLMRequestLog(nil), j.LLMRequests...)
	}
	if j.Output != nil {
		out := *j.Output
		c.Output = &out
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// StepKind names a pipeline phase.
type StepKind string

const (
	StepAnalyze   StepKind = "analyze"
	StepPrepare   StepKind = "prepare"
	StepTransform StepKind = "transform"
	StepValidate  StepKind = "validate"
	StepStage     StepKind = "stage"
)

// StepStatus is the state of a single step.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
)

// ConversionStep records one phase of a job for audit and diagnosis.
type ConversionStep struct {
	JobID        string         `json:"job_id"`
	StepNumber   int            `json:"step_number"`
	Kind         StepKind       `json:"kind"`
	Name         string         `json:"name"`
	Status       StepStatus     `json:"status"`
	InputData    map[string]any `json:"input_data,omitempty"`
	OutputData   map[string]any `json:"output_data,omitempty"`
	LLMPrompt    string         `json:"llm_prompt,omitempty"`
	LLMResponse  string         `json:"llm_response,omitempty"`
	RetryCount   int            `json:"retry_count"`
	ErrorMessage string         `json:"error_message,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	DurationMs   int64          `json:"duration_ms"`
}

// NewJobID returns an identifier of the form "conv-<12 hex>".
func NewJobID() string {
	id := uuid.New()
	return "conv-" + strings.ToLower(hex.EncodeToString(id[:6]))
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
