package promptrouter

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
)

// OpenAIEmbedder implements Embedder against OpenAI's embeddings endpoint,
// the only embedding model the Qdrant/Pinecone VectorIndex backends need
// (chromem-go embeds on its own via chromem.EmbeddingFunc). Grounded on
// sidedotdev-sidekick's embedding/openai_embed.go, adapted from that
// project's third-party go-openai client onto this module's official
// openai-go SDK, which internal/providertransport/openai.go already uses
// for the chat transport.
type OpenAIEmbedder struct {
	client *openai.Client
	model  openai.EmbeddingModel
}

// NewOpenAIEmbedder builds an embedder against the default text-embedding-3-small
// model. apiKey must be non-empty.
func NewOpenAIEmbedder(apiKey string) *OpenAIEmbedder {
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &OpenAIEmbedder{client: &client, model: openai.EmbeddingModelTextEmbedding3Small}
}

// Embed satisfies Embedder, used by PineconeVectorIndex and QdrantVectorIndex
// to turn a template or query message into a searchable vector.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfString: param.NewOpt(text)},
		Model: e.model,
	})
	if err != nil {
		return nil, fmt.Errorf("promptrouter: openai embed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("promptrouter: openai embed: empty response")
	}
	vec := make([]float32, len(resp.Data[0].Embedding))
	for i, f := range resp.Data[0].Embedding {
		vec[i] = float32(f)
	}
	return vec, nil
}
