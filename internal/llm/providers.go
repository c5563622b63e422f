package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
	"github.com/raphaelgruber/moduleconv/internal/models"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

const (
	defaultOllamaHost   = "http://localhost:11434"
	defaultMistralURL   = "https://api.mistral.ai/v1"
	defaultAzureVersion = "2024-02-01"
	defaultHTTPTimeout  = 120 * time.Second
)

// ProviderOptions are the inputs a Factory needs to build an adapter.
type ProviderOptions struct {
	APIKey   string
	Model    string
	Endpoint string
	Options  map[string]any
}

func (o ProviderOptions) option(key string) string {
	if v, ok := o.Options[key].(string); ok {
		return v
	}
	return ""
}

// httpClient honours a "timeout" option such as "90s".
func (o ProviderOptions) httpClient() *http.Client {
	timeout := defaultHTTPTimeout
	if raw := o.option("timeout"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			timeout = d
		}
	}
	return &http.Client{Timeout: timeout}
}

// NewOpenAI builds an adapter for the OpenAI chat completions API.
func NewOpenAI(opts ProviderOptions) (Provider, error) {
	if opts.APIKey == "" {
		return nil, errors.New("OpenAI API key required")
	}
	lcOpts := []openai.Option{
		openai.WithToken(opts.APIKey),
		openai.WithModel(opts.Model),
		openai.WithHTTPClient(opts.httpClient()),
	}
	if opts.Endpoint != "" {
		lcOpts = append(lcOpts, openai.WithBaseURL(opts.Endpoint))
	}
	if org := opts.option("organization"); org != "" {
		lcOpts = append(lcOpts, openai.WithOrganization(org))
	}
	return newOpenAICompatible(models.ProviderOpenAI, opts.Model, lcOpts)
}

// NewAzureOpenAI builds an adapter for an Azure OpenAI deployment. The model
// is the deployment name and the endpoint is required.
func NewAzureOpenAI(opts ProviderOptions) (Provider, error) {
	if opts.APIKey == "" {
		return nil, errors.New("Azure OpenAI API key required")
	}
	if opts.Endpoint == "" {
		return nil, errors.New("Azure OpenAI endpoint required")
	}
	version := opts.option("api_version")
	if version == "" {
		version = defaultAzureVersion
	}
	return newOpenAICompatible(models.ProviderAzureOpenAI, opts.Model, []openai.Option{
		openai.WithToken(opts.APIKey),
		openai.WithModel(opts.Model),
		openai.WithBaseURL(opts.Endpoint),
		openai.WithAPIType(openai.APITypeAzure),
		openai.WithAPIVersion(version),
		openai.WithHTTPClient(opts.httpClient()),
	})
}

// NewMistral builds an adapter for Mistral's OpenAI-compatible endpoint.
func NewMistral(opts ProviderOptions) (Provider, error) {
	if opts.APIKey == "" {
		return nil, errors.New("Mistral API key required")
	}
	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = defaultMistralURL
	}
	return newOpenAICompatible(models.ProviderMistral, opts.Model, []openai.Option{
		openai.WithToken(opts.APIKey),
		openai.WithModel(opts.Model),
		openai.WithBaseURL(endpoint),
		openai.WithHTTPClient(opts.httpClient()),
	})
}

// NewOpenAICompatible builds an adapter for any server speaking the OpenAI
// chat completions protocol. The endpoint is required; the key is optional.
func NewOpenAICompatible(opts ProviderOptions) (Provider, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("custom provider endpoint required")
	}
	token := opts.APIKey
	if token == "" {
		// langchaingo refuses an empty token even when the server ignores it.
		token = "unused"
	}
	return newOpenAICompatible(models.ProviderCustom, opts.Model, []openai.Option{
		openai.WithToken(token),
		openai.WithModel(opts.Model),
		openai.WithBaseURL(opts.Endpoint),
		openai.WithHTTPClient(opts.httpClient()),
	})
}

func newOpenAICompatible(kind models.ProviderKind, model string, lcOpts []openai.Option) (Provider, error) {
	client, err := openai.New(lcOpts...)
	if err != nil {
		return nil, fmt.Errorf("create %s model: %w", kind, err)
	}
	return &chatModel{
		name:      string(kind),
		model:     model,
		llm:       client,
		countFunc: llms.CountTokens,
	}, nil
}

// NewAnthropic builds an adapter for the Anthropic messages API, which takes
// the system prompt as a top-level field instead of a message.
func NewAnthropic(opts ProviderOptions) (Provider, error) {
	if opts.APIKey == "" {
		return nil, errors.New("Anthropic API key required")
	}
	lcOpts := []anthropic.Option{
		anthropic.WithToken(opts.APIKey),
		anthropic.WithModel(opts.Model),
		anthropic.WithHTTPClient(opts.httpClient()),
	}
	if opts.Endpoint != "" {
		lcOpts = append(lcOpts, anthropic.WithBaseURL(opts.Endpoint))
	}
	client, err := anthropic.New(lcOpts...)
	if err != nil {
		return nil, fmt.Errorf("create anthropic model: %w", err)
	}
	return &chatModel{
		name:  string(models.ProviderAnthropic),
		model: opts.Model,
		llm:   client,
	}, nil
}

// NewOllama builds an adapter for a local Ollama daemon.
func NewOllama(opts ProviderOptions) (Provider, error) {
	host := opts.Endpoint
	if host == "" {
		host = defaultOllamaHost
	}
	base, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("parse ollama host %q: %w", host, err)
	}
	httpClient := opts.httpClient()

	client, err := ollama.New(
		ollama.WithModel(opts.Model),
		ollama.WithServerURL(host),
		ollama.WithHTTPClient(httpClient),
	)
	if err != nil {
		return nil, fmt.Errorf("create ollama model: %w", err)
	}

	daemon := api.NewClient(base, httpClient)
	return &chatModel{
		name:  string(models.ProviderOllama),
		model: opts.Model,
		llm:   client,
		validate: func(ctx context.Context) bool {
			return ollamaHasModel(ctx, daemon, opts.Model)
		},
	}, nil
}

// ollamaHasModel reports whether the daemon is reachable and has pulled model.
// A bare model name matches any tag.
func ollamaHasModel(ctx context.Context, daemon *api.Client, model string) bool {
	list, err := daemon.List(ctx)
	if err != nil {
		return false
	}
	for _, m := range list.Models {
		if m.Name == model || m.Model == model || strings.HasPrefix(m.Name, model+":") {
			return true
		}
	}
	return false
}
