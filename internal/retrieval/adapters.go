package retrieval

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"knowledge-agent/internal/domain"
	"knowledge-agent/internal/integrations/qdrant"
)

// embeddingClient is satisfied by *openai.Client.
type embeddingClient interface {
	Embed(ctx context.Context, model, text string) ([]float64, error)
}

// ModelEmbedder binds an embedding client to one model.
type ModelEmbedder struct {
	client embeddingClient
	model  string
}

func NewModelEmbedder(client embeddingClient, model string) (*ModelEmbedder, error) {
	if client == nil {
		return nil, errors.New("retrieval: embedding client is required")
	}
	if model == "" {
		return nil, errors.New("retrieval: embedding model is required")
	}
	return &ModelEmbedder{client: client, model: model}, nil
}

func (e *ModelEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	return e.client.Embed(ctx, e.model, text)
}

// searcher is satisfied by *qdrant.Client.
type searcher interface {
	Search(ctx context.Context, in qdrant.SearchRequest) ([]qdrant.Point, error)
}

// Payload keys read from indexed points.
const (
	keySourceID  = "source_id"
	keyTitle     = "title"
	keyCategory  = "category"
	keySource    = "source"
	keyPriority  = "priority"
	keyUpdatedAt = "updated_at"
	keyText      = "text"
)

const defaultPriority = 5

// QdrantIndex maps Qdrant points onto evidence.
type QdrantIndex struct {
	client searcher
}

func NewQdrantIndex(client searcher) (*QdrantIndex, error) {
	if client == nil {
		return nil, errors.New("retrieval: qdrant client is required")
	}
	return &QdrantIndex{client: client}, nil
}

func (x *QdrantIndex) Search(ctx context.Context, q Query) ([]domain.Evidence, error) {
	req := qdrant.SearchRequest{
		Vector:         q.Vector,
		Limit:          q.TopK,
		ScoreThreshold: q.MinSimilarity,
	}
	if q.Filter.Category != "" {
		req.Must = append(req.Must, qdrant.Match{Key: keyCategory, Value: q.Filter.Category})
	}
	if q.Filter.Source != "" {
		req.Must = append(req.Must, qdrant.Match{Key: keySource, Value: q.Filter.Source})
	}
	points, err := x.client.Search(ctx, req)
	if err != nil {
		return nil, err
	}

	out := make([]domain.Evidence, 0, len(points))
	for _, p := range points {
		out = append(out, pointEvidence(p))
	}
	return out, nil
}

func pointEvidence(p qdrant.Point) domain.Evidence {
	ev := domain.Evidence{
		SourceID: payloadString(p.Payload, keySourceID),
		Title:    payloadString(p.Payload, keyTitle),
		Category: payloadString(p.Payload, keyCategory),
		Score:    math.Max(0, math.Min(1, p.Score)),
		Priority: payloadPriority(p.Payload),
		Excerpt:  payloadString(p.Payload, keyText),
	}
	if ev.SourceID == "" {
		ev.SourceID = p.ID
	}
	ev.Freshness, _ = ParseFreshness(payloadString(p.Payload, keyUpdatedAt))
	return ev
}

func payloadString(payload map[string]any, key string) string {
	switch v := payload[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

func payloadPriority(payload map[string]any) int {
	var n int
	switch v := payload[keyPriority].(type) {
	case float64:
		n = int(v)
	case string:
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return defaultPriority
		}
		n = parsed
	default:
		return defaultPriority
	}
	return max(1, min(10, n))
}

var freshnessLayouts = []string{
	time.RFC3339,
	"2006-01-02",
	"2006-01",
	"January 2, 2006",
	"Jan 2, 2006",
	"01/02/2006",
}

// ParseFreshness reads a date hint in one of the common layouts. A bare year
// or Unix seconds are accepted too. Unknown input yields the zero time.
func ParseFreshness(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, errors.New("retrieval: empty freshness hint")
	}
	for _, layout := range freshnessLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if n >= 1900 && n <= 9999 {
			return time.Date(int(n), 1, 1, 0, 0, 0, 0, time.UTC), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("retrieval: unrecognized freshness hint %q", raw)
}
