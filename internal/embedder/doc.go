// Package embedder turns searchable text into fixed-width vectors.
//
// Every backend implements Embedder. Three are provided:
//
//   - worker: a long-lived subprocess speaking line-delimited JSON
//   - ollama: a local Ollama server (/api/embed)
//   - openai: the OpenAI embeddings API
//
// # Basic Usage
//
//	emb, err := embedder.New(ctx, cfg.Embedding, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer emb.Close()
//
//	result, err := emb.GenerateEmbedding(ctx, embedder.EmbeddingRequest{
//	    Text: "calculator A calculator for mathematical calculations",
//	})
//
// # Worker Protocol
//
// The worker reads one request per line on stdin and answers one per line
// on stdout:
//
//	-> {"id": 7, "text": "folder A folder for organizing files"}
//	<- {"id": 7, "embedding": [0.012, -0.044, ...]}
//	<- {"id": 8, "error": true}
//
// Answers may arrive in any order; each is routed to its caller by id.
// An error answer, a vector of the wrong width, or no answer within the
// request timeout fails only that request (ErrNoEmbedding or ErrTimeout).
// Lines that are not JSON objects are treated as worker logging. A
// {"ready": true} line ends the warm-up wait early.
//
// With no worker command configured, the bundled transformers.js script is
// written to a temp directory, its dependencies are installed with npm and
// it is started with node. Close removes that directory.
//
// # Caching
//
// New wraps the backend in a CachedEmbedder when a cache size is
// configured. Entries are keyed by the SHA-256 of the text and copies are
// returned, so callers may mutate vectors freely.
//
// # Error Handling
//
//	_, err := emb.GenerateEmbedding(ctx, req)
//	switch {
//	case errors.Is(err, embedder.ErrNoEmbedding), errors.Is(err, embedder.ErrTimeout):
//	    // keep the record without an embedding
//	case errors.Is(err, embedder.ErrWorkerClosed):
//	    // the worker is gone, stop issuing requests
//	}
//
// The HTTP backends retry transient failures with exponential backoff;
// 4xx responses other than 429 are returned immediately.
package embedder
