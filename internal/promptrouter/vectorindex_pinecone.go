package promptrouter

import (
	"context"
	"fmt"

	"github.com/pinecone-io/go-pinecone/v3/pinecone"
	"google.golang.org/protobuf/types/known/structpb"
)

// PineconeVectorIndex implements VectorIndex against a managed Pinecone
// index, for platform-mode deployments that prefer a fully hosted vector
// store over self-run Qdrant (spec §6 platform mode).
type PineconeVectorIndex struct {
	client    *pinecone.Client
	indexName string
	embedder  Embedder
}

// NewPineconeVectorIndex constructs a client from an API key and default
// index name. The index name passed to IndexTemplate/Search overrides this
// default when non-empty (the collection name is per-user in spec §4.2).
func NewPineconeVectorIndex(apiKey, defaultIndexName string, embedder Embedder) (*PineconeVectorIndex, error) {
	client, err := pinecone.NewClient(pinecone.NewClientParams{ApiKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("promptrouter: pinecone client: %w", err)
	}
	return &PineconeVectorIndex{client: client, indexName: defaultIndexName, embedder: embedder}, nil
}

func (p *PineconeVectorIndex) indexConn(ctx context.Context, name string) (*pinecone.IndexConnection, error) {
	if name == "" {
		name = p.indexName
	}
	index, err := p.client.DescribeIndex(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("promptrouter: describe pinecone index %s: %w", name, err)
	}
	conn, err := p.client.Index(pinecone.NewIndexConnParams{Host: index.Host})
	if err != nil {
		return nil, fmt.Errorf("promptrouter: pinecone index connection: %w", err)
	}
	return conn, nil
}

// IndexTemplate upserts a template embedding.
func (p *PineconeVectorIndex) IndexTemplate(ctx context.Context, collection string, tpl Template, vector []float32) error {
	conn, err := p.indexConn(ctx, collection)
	if err != nil {
		return err
	}
	defer conn.Close()

	meta, err := structpb.NewStruct(map[string]any{
		"name":       tpl.Name,
		"category":   tpl.Category,
		"content":    tpl.Content,
		"isDefault":  tpl.IsDefault,
		"isActive":   tpl.IsActive,
		"ownerScope": tpl.OwnerScope,
	})
	if err != nil {
		return fmt.Errorf("promptrouter: pinecone metadata: %w", err)
	}
	_, err = conn.UpsertVectors(ctx, []*pinecone.Vector{{Id: tpl.ID, Values: &vector, Metadata: meta}})
	if err != nil {
		return fmt.Errorf("promptrouter: pinecone upsert: %w", err)
	}
	return nil
}

// Embed delegates to the configured Embedder.
func (p *PineconeVectorIndex) Embed(ctx context.Context, text string) ([]float32, error) {
	return p.embedder.Embed(ctx, text)
}

// Search runs a top-k query by vector value.
func (p *PineconeVectorIndex) Search(ctx context.Context, collection string, vector []float32, topK int) ([]SearchHit, error) {
	conn, err := p.indexConn(ctx, collection)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	resp, err := conn.QueryByVectorValues(ctx, &pinecone.QueryByVectorValuesRequest{
		Vector:          vector,
		TopK:            uint32(topK),
		IncludeMetadata: true,
	})
	if err != nil {
		return nil, fmt.Errorf("promptrouter: pinecone query: %w", err)
	}

	hits := make([]SearchHit, 0, len(resp.Matches))
	for _, m := range resp.Matches {
		fields := m.Vector.Metadata.GetFields()
		hits = append(hits, SearchHit{
			Template: Template{
				ID:         m.Vector.Id,
				Name:       fields["name"].GetStringValue(),
				Category:   fields["category"].GetStringValue(),
				Content:    fields["content"].GetStringValue(),
				IsDefault:  fields["isDefault"].GetBoolValue(),
				IsActive:   fields["isActive"].GetBoolValue(),
				OwnerScope: fields["ownerScope"].GetStringValue(),
			},
			Score: float64(m.Score),
		})
	}
	return hits, nil
}
