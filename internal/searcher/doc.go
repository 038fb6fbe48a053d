// Package searcher queries an assembled icon artifact.
//
// The searcher provides three search modes:
//   - Hybrid: vector + BM25 keyword search fused with RRF (default)
//   - Vector: semantic search using the query embedding
//   - Keyword: BM25 full-text search only, no embedder required
//
// # Basic Usage
//
//	s := searcher.NewSearcher(store, emb, logger)
//
//	resp, err := s.Search(ctx, searcher.SearchRequest{
//	    Query: "something to store documents in",
//	    Limit: 10,
//	})
//
//	for _, r := range resp.Results {
//	    fmt.Printf("[%d] %s (%.4f) %s\n", r.Rank, r.Name, r.RelevanceScore, r.LocalPath)
//	}
//
// # Reciprocal Rank Fusion (RRF)
//
// Hybrid mode runs both searches concurrently, each for twice the
// requested limit, and combines the two rankings:
//
//	For each result r in vector_results:
//	    rrf_score[r.icon_id] += 1 / (k + r.rank)
//
//	For each result r in keyword_results:
//	    rrf_score[r.icon_id] += 1 / (k + r.rank)
//
//	Sort by rrf_score descending
//
// Where k = 60. If one search fails the other's ranking is used alone.
// Without an embedder, hybrid requests run as keyword searches.
//
// Keyword queries are split into letter and digit runs and each run is
// quoted before it reaches FTS5, so query syntax in user input is inert.
//
// # Caching
//
// With UseCache set, responses are kept in an LRU cache keyed on query,
// mode, limit and RRF constant, for CacheTTL (default one hour).
package searcher
