package models

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConcurrencySlots(t *testing.T) {
	tests := []struct {
		name string
		rpm  int
		want int64
	}{
		{"default budget", 0, 6},
		{"small budget clamps to one", 5, 1},
		{"tenth of budget", 60, 6},
		{"large budget capped", 1000, 10},
		{"exactly cap", 100, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := ProviderConfiguration{RequestsPerMin: tt.rpm}
			assert.Equal(t, tt.want, cfg.ConcurrencySlots())
		})
	}
}

func TestRetryDefaults(t *testing.T) {
	var cfg ProviderConfiguration
	assert.Equal(t, 3, cfg.Retries())
	assert.Equal(t, time.Second, cfg.InitialDelay())

	cfg.MaxRetries = 5
	cfg.RetryDelay = 10 * time.Millisecond
	assert.Equal(t, 5, cfg.Retries())
	assert.Equal(t, 10*time.Millisecond, cfg.InitialDelay())
}

func TestStatusIsTerminal(t *testing.T) {
	terminal := []ConversionStatus{StatusCompleted, StatusFailed, StatusCancelled}
	active := []ConversionStatus{StatusPending, StatusProcessing, StatusValidating, StatusStaging}

	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), s)
	}
	for _, s := range active {
		assert.False(t, s.IsTerminal(), s)
	}
}

func TestNewJobID(t *testing.T) {
	pattern := regexp.MustCompile(`^conv-[0-9a-f]{12}$`)
	seen := make(map[string]bool)
	for range 100 {
		id := NewJobID()
		assert.Regexp(t, pattern, id)
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestFileExtension(t *testing.T) {
	tests := []struct {
		name string
		spec map[string]any
		want string
	}{
		{"no target spec", nil, "py"},
		{"go", map[string]any{"language": "Go"}, "go"},
		{"typescript", map[string]any{"language": "typescript"}, "ts"},
		{"unknown language", map[string]any{"language": "cobol"}, "py"},
		{"non-string language", map[string]any{"language": 3}, "py"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Template{TargetSpec: tt.spec}.FileExtension())
		})
	}
}

func TestStagingTargetDefaults(t *testing.T) {
	target := StagingTarget{Owner: "acme", Repo: "modules"}.WithDefaults()

	assert.Equal(t, "main", target.BaseBranch)
	assert.Equal(t, "module-converter/", target.BranchPrefix)
	assert.Equal(t, "https://api.github.com", target.APIBaseURL)
	assert.Equal(t, []string{"module-converter", "automated"}, target.Labels)

	custom := StagingTarget{BaseBranch: "develop", Labels: []string{}}.WithDefaults()
	assert.Equal(t, "develop", custom.BaseBranch)
	assert.Empty(t, custom.Labels, "explicit empty label list is kept")
}

func TestRenderTemplate(t *testing.T) {
	got := RenderTemplate(DefaultPRTitleTemplate, map[string]string{
		"module_name": "conv-abc",
		"action":      "converted",
	})
	assert.Equal(t, "[Module Converter] conv-abc - converted", got)

	assert.Equal(t, "Job ID: {job_id}", RenderTemplate("Job ID: {job_id}", nil))
}

func TestCloneDoesNotShareState(t *testing.T) {
	job := &ConversionJob{
		ID:          "conv-1",
		InputData:   map[string]any{"a": 1},
		LLMRequests: []LLMRequestLog{{Provider: "openai"}},
		Output:      &ConversionOutput{GeneratedCode: "x"},
	}

	c := job.Clone()
	c.InputData["a"] = 2
	c.LLMRequests[0].Provider = "anthropic"
	c.Output.GeneratedCode = "y"

	assert.Equal(t, 1, job.InputData["a"])
	assert.Equal(t, "openai", job.LLMRequests[0].Provider)
	assert.Equal(t, "x", job.Output.GeneratedCode)
}
