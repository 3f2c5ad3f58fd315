// Package app assembles the ask pipeline from its backends. Both entry
// points share it so the Lambda and the HTTP server answer identically.
package app

import (
	"errors"
	"log/slog"

	"knowledge-agent/internal/cache"
	"knowledge-agent/internal/config"
	"knowledge-agent/internal/integrations/openai"
	"knowledge-agent/internal/integrations/qdrant"
	"knowledge-agent/internal/memory"
	"knowledge-agent/internal/rerank"
	"knowledge-agent/internal/retrieval"
	"knowledge-agent/internal/synth"
	"knowledge-agent/internal/usecase"
)

// Backends are the stateful pieces chosen by the entry point.
type Backends struct {
	Config  *config.Source
	Durable cache.Store
	Turns   memory.Store
	Model   *openai.Client
	Index   *qdrant.Client
	Logger  *slog.Logger
}

// Build wires the ask service. Settings fixed at construction time, such as
// the embedding model and fast tier size, come from the current snapshot.
func Build(b Backends) (*usecase.AskService, error) {
	if b.Config == nil || b.Turns == nil || b.Model == nil || b.Index == nil {
		return nil, errors.New("app: config, turns, model and index are required")
	}
	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}
	settings := b.Config.Current().Settings

	fast := cache.NewMemoryStore(settings.Cache.FastMaxEntries, settings.Cache.FastTTL.Std())
	cacheMgr, err := cache.NewManager(fast, b.Durable, cache.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	embedder, err := retrieval.NewModelEmbedder(b.Model, settings.Retrieval.EmbeddingModel)
	if err != nil {
		return nil, err
	}
	index, err := retrieval.NewQdrantIndex(b.Index)
	if err != nil {
		return nil, err
	}
	retriever, err := retrieval.New(embedder, index, logger)
	if err != nil {
		return nil, err
	}

	scorer, err := rerank.NewLLMScorer(b.Model, settings.Rerank.Model)
	if err != nil {
		return nil, err
	}
	reranker, err := rerank.New(scorer, rerank.WithTimeout(settings.Rerank.Timeout.Std()), rerank.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	synthesizer, err := synth.New(b.Model, synth.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	mem, err := memory.New(b.Turns,
		memory.WithHistoryLimit(settings.Resolver.HistoryTurns),
		memory.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	return usecase.NewAskService(b.Config, cacheMgr, retriever, reranker, synthesizer, mem,
		usecase.WithModerator(b.Model),
		usecase.WithLogger(logger),
	)
}
