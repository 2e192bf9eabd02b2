package promptrouter

import (
	"context"
	"fmt"
	"strings"

	"github.com/qdrant/go-client/qdrant"
)

// Embedder converts text into a vector using whatever embedding model a
// deployment has configured. Unlike chromem-go, Qdrant and Pinecone are
// pure vector stores: they never embed text themselves.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// QdrantVectorIndex implements VectorIndex against a Qdrant deployment, for
// platform-mode installations that need a distributed vector store (spec
// §6 platform mode).
type QdrantVectorIndex struct {
	client   *qdrant.Client
	embedder Embedder
}

// QdrantConfig configures the Qdrant connection.
type QdrantConfig struct {
	Host   string
	Port   int
	APIKey string
	UseTLS bool
}

// NewQdrantVectorIndex dials a Qdrant gRPC endpoint.
func NewQdrantVectorIndex(cfg QdrantConfig, embedder Embedder) (*QdrantVectorIndex, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("promptrouter: qdrant connect: %w", err)
	}
	return &QdrantVectorIndex{client: client, embedder: embedder}, nil
}

// IndexTemplate upserts a template embedding into collection, creating the
// collection on first use.
func (q *QdrantVectorIndex) IndexTemplate(ctx context.Context, collection string, tpl Template, vector []float32) error {
	exists, err := q.client.CollectionExists(ctx, collection)
	if err != nil {
		return fmt.Errorf("promptrouter: qdrant collection check: %w", err)
	}
	if !exists {
		err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(len(vector)),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil && !strings.Contains(err.Error(), "already exists") {
			return fmt.Errorf("promptrouter: qdrant create collection: %w", err)
		}
	}

	payload := map[string]*qdrant.Value{
		"name":       qdrant.NewValueString(tpl.Name),
		"category":   qdrant.NewValueString(tpl.Category),
		"content":    qdrant.NewValueString(tpl.Content),
		"isDefault":  qdrant.NewValueBool(tpl.IsDefault),
		"isActive":   qdrant.NewValueBool(tpl.IsActive),
		"ownerScope": qdrant.NewValueString(tpl.OwnerScope),
	}
	point := &qdrant.PointStruct{
		Id:      qdrant.NewID(tpl.ID),
		Vectors: qdrant.NewVectors(vector...),
		Payload: payload,
	}
	_, err = q.client.Upsert(ctx, &qdrant.UpsertPoints{CollectionName: collection, Points: []*qdrant.PointStruct{point}})
	if err != nil {
		return fmt.Errorf("promptrouter: qdrant upsert: %w", err)
	}
	return nil
}

// Embed delegates to the configured Embedder.
func (q *QdrantVectorIndex) Embed(ctx context.Context, text string) ([]float32, error) {
	return q.embedder.Embed(ctx, text)
}

// Search runs a cosine-similarity nearest-neighbor query.
func (q *QdrantVectorIndex) Search(ctx context.Context, collection string, vector []float32, topK int) ([]SearchHit, error) {
	searchResult, err := q.client.GetPointsClient().Search(ctx, &qdrant.SearchPoints{
		CollectionName: collection,
		Vector:         vector,
		Limit:          uint64(topK),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("promptrouter: qdrant search: %w", err)
	}

	hits := make([]SearchHit, 0, len(searchResult.GetResult()))
	for _, p := range searchResult.GetResult() {
		payload := p.GetPayload()
		hits = append(hits, SearchHit{
			Template: Template{
				ID:         pointIDString(p.GetId()),
				Name:       payload["name"].GetStringValue(),
				Category:   payload["category"].GetStringValue(),
				Content:    payload["content"].GetStringValue(),
				IsDefault:  payload["isDefault"].GetBoolValue(),
				IsActive:   payload["isActive"].GetBoolValue(),
				OwnerScope: payload["ownerScope"].GetStringValue(),
			},
			Score: float64(p.GetScore()),
		})
	}
	return hits, nil
}

func pointIDString(id *qdrant.PointId) string {
	if id == nil {
		return ""
	}
	if uuid := id.GetUuid(); uuid != "" {
		return uuid
	}
	return fmt.Sprintf("%d", id.GetNum())
}
