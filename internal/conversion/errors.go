package conversion

import (
	"errors"
	"fmt"
	"strings"

	"github.com/raphaelgruber/moduleconv/internal/llm"
	"github.com/raphaelgruber/moduleconv/internal/models"
	"github.com/raphaelgruber/moduleconv/internal/staging"
	"github.com/raphaelgruber/moduleconv/internal/store"
)

var (
	// ErrNotFound indicates the job, template or staging target does not exist.
	ErrNotFound = store.ErrNotFound

	// ErrJobTerminal indicates the job already completed, failed or was cancelled.
	ErrJobTerminal = store.ErrJobTerminal

	// ErrJobNotPending indicates the job is already being executed.
	ErrJobNotPending = errors.New("job is not pending")

	// ErrNotRetryable indicates RetryConversion was called on a job that did
	// not fail or get cancelled.
	ErrNotRetryable = errors.New("job is not retryable")

	// ErrTemplateInactive indicates the template exists but is disabled.
	ErrTemplateInactive = errors.New("template is inactive")

	// ErrTargetInactive indicates the staging target exists but is disabled.
	ErrTargetInactive = errors.New("staging target is inactive")

	// ErrInvalidRequest indicates a malformed CreateRequest.
	ErrInvalidRequest = errors.New("invalid conversion request")
)

// ValidationFailure reports generated output that failed validation.
// It is terminal for the job; the output is not regenerated.
type ValidationFailure struct {
	Errors   []string
	Warnings []string
}

func (e *ValidationFailure) Error() string {
	return fmt.Sprintf("validation failed: %s", strings.Join(e.Errors, "; "))
}

// StepError attributes a failure to the step it happened in.
type StepError struct {
	Step models.StepKind
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// errorType classifies err for error_details.
func errorType(err error) string {
	var (
		validation *ValidationFailure
		allFailed  *llm.AllProvidersFailedError
		provider   *llm.ProviderError
		stagingErr *staging.StagingError
	)
	switch {
	case errors.As(err, &validation):
		return "validation_failed"
	case errors.As(err, &allFailed):
		return "all_providers_failed"
	case errors.As(err, &provider):
		return "provider_error"
	case errors.As(err, &stagingErr):
		return "staging_error"
	case errors.Is(err, llm.ErrNoConfigurations), errors.Is(err, llm.ErrConfigNotFound):
		return "configuration_error"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	}
	return "internal_error"
}
