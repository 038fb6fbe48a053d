package embedder

import "context"

// CachedEmbedder serves repeated texts from an LRU cache and forwards
// misses to the wrapped Embedder
type CachedEmbedder struct {
	Embedder
	cache *Cache
}

// WithCache wraps e with a cache holding up to size embeddings
func WithCache(e Embedder, size int) *CachedEmbedder {
	return &CachedEmbedder{Embedder: e, cache: NewCache(size)}
}

func (c *CachedEmbedder) GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}

	hash := ComputeHash(req.Text)
	if emb, ok := c.cache.Get(hash); ok {
		return emb, nil
	}

	emb, err := c.Embedder.GenerateEmbedding(ctx, req)
	if err != nil {
		return nil, err
	}
	emb.Hash = hash
	c.cache.Set(hash, emb)
	return emb, nil
}

func (c *CachedEmbedder) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	if err := ValidateBatchRequest(req); err != nil {
		return nil, err
	}

	embeddings := make([]*Embedding, len(req.Texts))
	var missTexts []string
	var missIndex []int
	for i, text := range req.Texts {
		if emb, ok := c.cache.Get(ComputeHash(text)); ok {
			embeddings[i] = emb
			continue
		}
		missTexts = append(missTexts, text)
		missIndex = append(missIndex, i)
	}

	if len(missTexts) > 0 {
		resp, err := c.Embedder.GenerateBatch(ctx, BatchEmbeddingRequest{Texts: missTexts})
		if err != nil {
			return nil, err
		}
		for j, emb := range resp.Embeddings {
			hash := ComputeHash(missTexts[j])
			emb.Hash = hash
			c.cache.Set(hash, emb)
			embeddings[missIndex[j]] = emb
		}
	}

	return &BatchEmbeddingResponse{
		Embeddings: embeddings,
		Provider:   c.Provider(),
		Model:      c.Model(),
	}, nil
}

// CacheSize returns the number of cached embeddings
func (c *CachedEmbedder) CacheSize() int {
	return c.cache.Size()
}
