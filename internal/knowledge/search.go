package knowledge

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/qdrant/go-client/qdrant"
)

// Searcher retrieves knowledge chunks relevant to a query. The builder
// depends on this interface; the vector store and embedding drivers sit
// behind it.
type Searcher interface {
	Search(ctx context.Context, botID, query string, limit int, minScore float64) ([]Chunk, error)
}

// Embedder turns query text into a vector for similarity search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// QdrantSearcher serves chunk retrieval from a qdrant collection. Points
// carry {content, filename, bot_id} payload fields; bot isolation is a
// mandatory filter on every query.
type QdrantSearcher struct {
	logger     *slog.Logger
	client     *qdrant.Client
	embedder   Embedder
	collection string
}

// NewQdrantSearcher connects to qdrant.
func NewQdrantSearcher(log *slog.Logger, host string, port int, apiKey, collection string, embedder Embedder) (*QdrantSearcher, error) {
	if log == nil {
		log = slog.Default()
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: apiKey,
		UseTLS: apiKey != "",
	})
	if err != nil {
		return nil, fmt.Errorf("connect qdrant: %w", err)
	}
	return &QdrantSearcher{
		logger:     log.With(slog.String("component", "knowledge")),
		client:     client,
		embedder:   embedder,
		collection: collection,
	}, nil
}

// Search embeds the query and returns chunks above the score threshold,
// best first, scoped to the bot.
func (s *QdrantSearcher) Search(ctx context.Context, botID, query string, limit int, minScore float64) ([]Chunk, error) {
	if limit <= 0 {
		limit = 3
	}
	vector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	points, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(limit)),
		ScoreThreshold: qdrant.PtrOf(float32(minScore)),
		WithPayload:    qdrant.NewWithPayload(true),
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch("bot_id", botID),
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("query qdrant: %w", err)
	}
	chunks := make([]Chunk, 0, len(points))
	for _, point := range points {
		chunks = append(chunks, Chunk{
			Content:  payloadString(point.Payload, "content"),
			Filename: payloadString(point.Payload, "filename"),
			Score:    float64(point.Score),
		})
	}
	return chunks, nil
}

// Close releases the grpc connection.
func (s *QdrantSearcher) Close() error {
	return s.client.Close()
}

func payloadString(payload map[string]*qdrant.Value, key string) string {
	value, ok := payload[key]
	if !ok {
		return ""
	}
	return value.GetStringValue()
}
