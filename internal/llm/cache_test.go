package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheKey(t *testing.T) {
	msgs := []Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "convert this"},
	}

	base := CacheKey("cfg-1", 0.7, msgs)
	assert.Len(t, base, 64)
	assert.Equal(t, base, CacheKey("cfg-1", 0.7, msgs))

	assert.NotEqual(t, base, CacheKey("cfg-2", 0.7, msgs))
	assert.NotEqual(t, base, CacheKey("cfg-1", 0.2, msgs))
	assert.NotEqual(t, base, CacheKey("cfg-1", 0.7, msgs[1:]))

	swapped := []Message{
		{Role: RoleUser, Content: "sys"},
		{Role: RoleSystem, Content: "convert this"},
	}
	assert.NotEqual(t, base, CacheKey("cfg-1", 0.7, swapped), "roles are part of the key")
}

func TestMemoryCacheEviction(t *testing.T) {
	ctx := context.Background()
	c, err := NewMemoryCache(2)
	require.NoError(t, err)

	c.Set(ctx, "a", &ProviderResponse{Content: "A"})
	c.Set(ctx, "b", &ProviderResponse{Content: "B"})
	c.Set(ctx, "c", &ProviderResponse{Content: "C"})

	_, ok := c.Get(ctx, "a")
	assert.False(t, ok, "oldest entry evicted")

	got, ok := c.Get(ctx, "c")
	require.True(t, ok)
	assert.Equal(t, "C", got.Content)

	got.Content = "mutated"
	again, _ := c.Get(ctx, "c")
	assert.Equal(t, "C", again.Content, "callers get copies")

	c.Set(ctx, "nil", nil)
	assert.Equal(t, 2, c.Len())
}
