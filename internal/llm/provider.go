// Package llm provides provider adapters over heterogeneous LLM backends and
// an orchestrator that falls back across them by priority.
package llm

import (
	"context"
	"fmt"
	"iter"
	"strings"
)

// Role tags a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one role-tagged entry of a conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request carries the inputs of a single provider call.
type Request struct {
	Messages    []Message
	Temperature float64
	MaxTokens   int
	TopP        float64
}

// ProviderResponse is the uniform result of a completed call.
type ProviderResponse struct {
	Content          string         `json:"content"`
	Model            string         `json:"model"`
	Provider         string         `json:"provider"`
	PromptTokens     int            `json:"prompt_tokens"`
	CompletionTokens int            `json:"completion_tokens"`
	TotalTokens      int            `json:"total_tokens"`
	LatencyMs        int64          `json:"latency_ms"`
	FinishReason     string         `json:"finish_reason,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`

	// Set by the orchestrator on the returned copy only, never cached.
	ConfigID  string            `json:"-"`
	Attempts  int               `json:"-"`
	Fallbacks []ProviderFailure `json:"-"`
	Cached    bool              `json:"-"`
}

// StreamChunk is one piece of a streamed response. The last chunk of a
// successful stream has IsFinal set.
type StreamChunk struct {
	Content      string
	IsFinal      bool
	FinishReason string
}

// Provider is the capability set every backend adapter implements.
type Provider interface {
	// Name returns the provider kind, e.g. "openai".
	Name() string
	// Model returns the model identifier requests are sent to.
	Model() string
	// Complete blocks until the full response is available. It never retries.
	Complete(ctx context.Context, req Request) (*ProviderResponse, error)
	// Stream yields partial content; the consumer may stop early.
	Stream(ctx context.Context, req Request) iter.Seq2[StreamChunk, error]
	// ValidateConnection performs a minimal round trip for health checks.
	ValidateConnection(ctx context.Context) bool
	// EstimateTokens approximates the token count of text.
	EstimateTokens(text string) int
}

// EstimateTokens is the fallback token estimate: four characters per token.
func EstimateTokens(text string) int {
	return len(text) / 4
}

// ProviderError is a single-call failure. It is retryable by the orchestrator.
type ProviderError struct {
	Provider   string
	Message    string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	if e.Provider != "" {
		b.WriteString(e.Provider)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error { return e.Err }

// UnsupportedProviderError is returned for provider kinds nobody registered.
// It is never retried.
type UnsupportedProviderError struct {
	Kind string
}

func (e *UnsupportedProviderError) Error() string {
	return fmt.Sprintf("unsupported provider: %s", e.Kind)
}

// ProviderFailure pairs a provider with the last error it returned.
type ProviderFailure struct {
	Provider string `json:"provider"`
	ConfigID string `json:"config_id"`
	Err      error  `json:"-"`
}

// AllProvidersFailedError aggregates the failure of every candidate configuration.
type AllProvidersFailedError struct {
	Failures []ProviderFailure
}

func (e *AllProvidersFailedError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Provider, f.Err))
	}
	return "all providers failed: " + strings.Join(parts, "; ")
}

// Unwrap exposes the individual failures to errors.Is and errors.As.
func (e *AllProvidersFailedError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}
