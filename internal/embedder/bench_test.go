package embedder

import (
	"context"
	"fmt"
	"testing"
)

func BenchmarkComputeHash(b *testing.B) {
	texts := []string{
		"folder",
		"folder A folder for organizing files and directories",
	}

	for _, text := range texts {
		b.Run(fmt.Sprintf("len=%d", len(text)), func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				_ = ComputeHash(text)
			}
		})
	}
}

func BenchmarkCache(b *testing.B) {
	cache := NewCache(10000)
	emb := &Embedding{Vector: make([]float32, 768), Dimension: 768}

	for i := 0; i < 1000; i++ {
		cache.Set(fmt.Sprintf("hash-%d", i), emb)
	}

	b.Run("get-hit", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			_, _ = cache.Get(fmt.Sprintf("hash-%d", i%1000))
		}
	})

	b.Run("get-miss", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			_, _ = cache.Get(fmt.Sprintf("nonexistent-%d", i))
		}
	})
}

// BenchmarkCachedEmbedder measures the hit path in front of a backend
func BenchmarkCachedEmbedder(b *testing.B) {
	cached := WithCache(&mockEmbedder{dimension: 768}, 1000)
	ctx := context.Background()
	req := EmbeddingRequest{Text: "calculator A calculator for mathematical calculations"}
	if _, err := cached.GenerateEmbedding(ctx, req); err != nil {
		b.Fatal(err)
	}

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := cached.GenerateEmbedding(ctx, req); err != nil {
				b.Error(err)
				return
			}
		}
	})
}
