package promptrouter

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/philippgille/chromem-go"
)

// ChromemVectorIndex implements VectorIndex on top of an embedded
// chromem-go database. It is the zero-config backend: no external service,
// suitable for local mode and small deployments (spec §6 local mode).
type ChromemVectorIndex struct {
	db            *chromem.DB
	embeddingFunc chromem.EmbeddingFunc

	mu          sync.RWMutex
	collections map[string]*chromem.Collection
}

// NewChromemVectorIndex constructs an in-memory index. embed is used both
// to embed templates at index time and to embed the query message; pass the
// same function used to populate the template collection.
func NewChromemVectorIndex(embed chromem.EmbeddingFunc) *ChromemVectorIndex {
	return &ChromemVectorIndex{
		db:            chromem.NewDB(),
		embeddingFunc: embed,
		collections:   make(map[string]*chromem.Collection),
	}
}

// IndexTemplate upserts a template's embedding into its user-scoped
// collection, carrying enough template metadata in the document to
// reconstruct a Template on search.
func (c *ChromemVectorIndex) IndexTemplate(ctx context.Context, collection string, tpl Template, vector []float32) error {
	col, err := c.getCollection(collection)
	if err != nil {
		return err
	}
	doc := chromem.Document{
		ID:      tpl.ID,
		Content: tpl.Content,
		Metadata: map[string]string{
			"name":       tpl.Name,
			"category":   tpl.Category,
			"isDefault":  boolString(tpl.IsDefault),
			"isActive":   boolString(tpl.IsActive),
			"ownerScope": tpl.OwnerScope,
		},
		Embedding: vector,
	}
	return col.AddDocuments(ctx, []chromem.Document{doc}, runtime.NumCPU())
}

func (c *ChromemVectorIndex) getCollection(name string) (*chromem.Collection, error) {
	c.mu.RLock()
	if col, ok := c.collections[name]; ok {
		c.mu.RUnlock()
		return col, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if col, ok := c.collections[name]; ok {
		return col, nil
	}
	col, err := c.db.GetOrCreateCollection(name, nil, c.embeddingFunc)
	if err != nil {
		return nil, fmt.Errorf("promptrouter: chromem collection %q: %w", name, err)
	}
	c.collections[name] = col
	return col, nil
}

// Embed calls the configured embedding function directly on text.
func (c *ChromemVectorIndex) Embed(ctx context.Context, text string) ([]float32, error) {
	return c.embeddingFunc(ctx, text)
}

// Search performs a cosine-similarity query against the collection.
func (c *ChromemVectorIndex) Search(ctx context.Context, collection string, vector []float32, topK int) ([]SearchHit, error) {
	col, err := c.getCollection(collection)
	if err != nil {
		return nil, err
	}
	results, err := col.QueryEmbedding(ctx, vector, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("promptrouter: chromem search: %w", err)
	}
	hits := make([]SearchHit, 0, len(results))
	for _, r := range results {
		hits = append(hits, SearchHit{
			Template: Template{
				ID:         r.ID,
				Name:       r.Metadata["name"],
				Category:   r.Metadata["category"],
				Content:    r.Content,
				IsDefault:  r.Metadata["isDefault"] == "true",
				IsActive:   r.Metadata["isActive"] == "true",
				OwnerScope: r.Metadata["ownerScope"],
			},
			Score: float64(r.Similarity),
		})
	}
	return hits, nil
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
