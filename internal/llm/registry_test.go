package llm

import (
	"testing"

	"github.com/raphaelgruber/moduleconv/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryBuiltins(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, []models.ProviderKind{
		models.ProviderAnthropic,
		models.ProviderAzureOpenAI,
		models.ProviderOllama,
		models.ProviderOpenAI,
	}, r.Kinds())
}

func TestRegistryUnsupportedKind(t *testing.T) {
	r := NewRegistry()

	_, err := r.New("watsonx", ProviderOptions{})
	require.Error(t, err)

	var unsupported *UnsupportedProviderError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, "watsonx", unsupported.Kind)
	assert.Equal(t, "unsupported provider: watsonx", err.Error())
}

func TestRegistryRegisterAndFromConfig(t *testing.T) {
	r := NewRegistry()

	var got ProviderOptions
	r.Register(models.ProviderCustom, func(opts ProviderOptions) (Provider, error) {
		got = opts
		return &fakeProvider{name: "custom", model: opts.Model}, nil
	})

	p, err := r.FromConfig(models.ProviderConfiguration{
		Provider: models.ProviderCustom,
		Model:    "local-model",
		Endpoint: "http://localhost:8000/v1",
		Options:  map[string]any{"timeout": "30s"},
	}, "secret")
	require.NoError(t, err)

	assert.Equal(t, "custom", p.Name())
	assert.Equal(t, "local-model", p.Model())
	assert.Equal(t, "secret", got.APIKey)
	assert.Equal(t, "http://localhost:8000/v1", got.Endpoint)
	assert.Equal(t, "30s", got.option("timeout"))
	assert.Contains(t, r.Kinds(), models.ProviderCustom)
}

func TestBuiltinFactoriesRequireCredentials(t *testing.T) {
	tests := []struct {
		name string
		kind models.ProviderKind
		opts ProviderOptions
	}{
		{"openai without key", models.ProviderOpenAI, ProviderOptions{Model: "gpt-4o"}},
		{"anthropic without key", models.ProviderAnthropic, ProviderOptions{Model: "claude"}},
		{"azure without endpoint", models.ProviderAzureOpenAI, ProviderOptions{APIKey: "k", Model: "deploy"}},
	}
	r := NewRegistry()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.New(tt.kind, tt.opts)
			assert.Error(t, err)
		})
	}
}

func TestOllamaFactoryDefaults(t *testing.T) {
	p, err := NewOllama(ProviderOptions{Model: "llama3"})
	require.NoError(t, err)
	assert.Equal(t, string(models.ProviderOllama), p.Name())
	assert.Equal(t, "llama3", p.Model())
}
