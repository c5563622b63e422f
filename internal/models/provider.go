// Package models defines the data structures shared by the conversion pipeline.
package models

import "time"

// ProviderKind identifies an LLM backend family.
type ProviderKind string

const (
	ProviderOpenAI      ProviderKind = "openai"
	ProviderAnthropic   ProviderKind = "anthropic"
	ProviderOllama      ProviderKind = "ollama"
	ProviderAzureOpenAI ProviderKind = "azure_openai"
	ProviderMistral     ProviderKind = "mistral"
	ProviderBedrock     ProviderKind = "bedrock"
	ProviderCustom      ProviderKind = "custom"
)

// Defaults applied when a configuration leaves the field unset.
const (
	DefaultRequestsPerMinute = 60
	DefaultMaxRetries        = 3
	DefaultRetryDelay        = time.Second
)

// ProviderConfiguration is a stored connection profile for one LLM backend.
// Configurations with a lower Priority are tried first.
type ProviderConfiguration struct {
	ID              string         `json:"id" yaml:"id"`
	Name            string         `json:"name" yaml:"name"`
	Provider        ProviderKind   `json:"provider" yaml:"provider"`
	Model           string         `json:"model" yaml:"model"`
	Endpoint        string         `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	APIKeyEncrypted string         `json:"api_key_encrypted,omitempty" yaml:"api_key_encrypted,omitempty"`
	Temperature     float64        `json:"temperature" yaml:"temperature"`
	MaxTokens       int            `json:"max_tokens" yaml:"max_tokens"`
	TopP            float64        `json:"top_p" yaml:"top_p"`
	RequestsPerMin  int            `json:"requests_per_minute" yaml:"requests_per_minute"`
	TokensPerMin    int            `json:"tokens_per_minute" yaml:"tokens_per_minute"`
	MaxRetries      int            `json:"max_retries" yaml:"max_retries"`
	RetryDelay      time.Duration  `json:"retry_delay" yaml:"retry_delay"`
	Options         map[string]any `json:"options,omitempty" yaml:"options,omitempty"`
	IsActive        bool           `json:"is_active" yaml:"is_active"`
	IsDefault       bool           `json:"is_default" yaml:"is_default"`
	Priority        int            `json:"priority" yaml:"priority"`
	TenantID        string         `json:"tenant_id,omitempty" yaml:"tenant_id,omitempty"`
}

// Retries returns the attempt budget, falling back to DefaultMaxRetries.
func (c ProviderConfiguration) Retries() int {
	if c.MaxRetries <= 0 {
		return DefaultMaxRetries
	}
	return c.MaxRetries
}

// InitialDelay returns the first backoff delay, falling back to DefaultRetryDelay.
func (c ProviderConfiguration) InitialDelay() time.Duration {
	if c.RetryDelay <= 0 {
		return DefaultRetryDelay
	}
	return c.RetryDelay
}

// ConcurrencySlots is the number of calls allowed in flight against this
// configuration: a tenth of the per-minute request budget, between 1 and 10.
func (c ProviderConfiguration) ConcurrencySlots() int64 {
	rpm := c.RequestsPerMin
	if rpm <= 0 {
		rpm = DefaultRequestsPerMinute
	}
	return int64(min(max(rpm/10, 1), 10))
}

// OptionString reads a string option, returning "" when absent.
func (c ProviderConfiguration) OptionString(key string) string {
	if v, ok := c.Options[key].(string); ok {
		return v
	}
	return ""
}
