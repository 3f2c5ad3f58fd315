package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"knowledge-agent/internal/cache"
	"knowledge-agent/internal/config"
	"knowledge-agent/internal/integrations/openai"
	"knowledge-agent/internal/integrations/qdrant"
	"knowledge-agent/internal/memory"
	"knowledge-agent/internal/repository"
)

var (
	_ cache.Store = (*repository.Client)(nil)
	_ cache.Store = (*repository.SQLite)(nil)
)

func TestBuild(t *testing.T) {
	model, err := openai.NewClient(nil, "", openai.WithAPIKey("sk-test"))
	require.NoError(t, err)
	index, err := qdrant.NewClient(qdrant.Config{URL: "http://localhost:6333", Collection: "kb"})
	require.NoError(t, err)

	svc, err := Build(Backends{
		Config: config.NewSource(config.Default(), "You answer from the knowledge base."),
		Turns:  memory.NewInMemoryStore(),
		Model:  model,
		Index:  index,
	})
	require.NoError(t, err)

	stats := svc.CacheStats(context.Background())
	require.True(t, stats.Cache.Fast.Available)
	require.False(t, stats.Cache.Durable.Available, "no durable tier configured")
}

func TestBuild_RequiresBackends(t *testing.T) {
	_, err := Build(Backends{Config: config.NewSource(config.Default(), "")})
	require.Error(t, err)
}
