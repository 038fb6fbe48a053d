package searcher

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/dshills/iconindex/internal/embedder"
	"github.com/dshills/iconindex/internal/logging"
	"github.com/dshills/iconindex/internal/storage"
	"github.com/dshills/iconindex/pkg/types"
)

var (
	// ErrEmptyQuery is returned for a blank query
	ErrEmptyQuery = errors.New("query cannot be empty")
	// ErrNoEmbedder is returned when a vector search is requested without an embedder
	ErrNoEmbedder = errors.New("embedder not initialized")
	// ErrUnsupportedMode is returned for an unknown search mode
	ErrUnsupportedMode = errors.New("unsupported search mode")
)

// SearchMode defines how search is performed
type SearchMode string

const (
	SearchModeHybrid  SearchMode = "hybrid"  // Vector + BM25 with RRF
	SearchModeVector  SearchMode = "vector"  // Vector similarity only
	SearchModeKeyword SearchMode = "keyword" // BM25 text search only
)

// Request defaults and bounds
const (
	DefaultLimit       = 10
	MaxLimit           = 100
	DefaultRRFConstant = 60
	DefaultCacheTTL    = time.Hour
	DefaultCacheSize   = 1000
)

// ParseMode maps a mode name onto a SearchMode. An empty name is hybrid.
func ParseMode(name string) (SearchMode, error) {
	switch mode := SearchMode(strings.ToLower(strings.TrimSpace(name))); mode {
	case "":
		return SearchModeHybrid, nil
	case SearchModeHybrid, SearchModeVector, SearchModeKeyword:
		return mode, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedMode, name)
	}
}

// SearchRequest contains parameters for a search operation
type SearchRequest struct {
	Query       string
	Limit       int
	Mode        SearchMode
	UseCache    bool // Whether to use query cache
	CacheTTL    time.Duration
	RRFConstant float64 // k value for Reciprocal Rank Fusion (default 60)
}

// SearchResponse contains search results and metadata
type SearchResponse struct {
	Results       []types.SearchResult
	TotalResults  int
	SearchMode    SearchMode
	Duration      time.Duration
	CacheHit      bool
	VectorResults int
	TextResults   int
}

type cacheEntry struct {
	response  *SearchResponse
	expiresAt time.Time
}

// Searcher runs queries against one artifact
type Searcher struct {
	storage  storage.Storage
	embedder embedder.Embedder
	logger   *zap.Logger
	cache    *lru.Cache[[32]byte, *cacheEntry]
	cacheMu  sync.RWMutex
	now      func() time.Time

	// Artifact data version the cached responses were computed against
	dataVersion  int64
	versionKnown bool
}

// NewSearcher creates a Searcher. emb may be nil, in which case only
// keyword search is available and hybrid search falls back to it.
func NewSearcher(store storage.Storage, emb embedder.Embedder, logger *zap.Logger) *Searcher {
	cache, err := lru.New[[32]byte, *cacheEntry](DefaultCacheSize)
	if err != nil {
		panic(fmt.Sprintf("failed to create LRU cache: %v", err))
	}

	return &Searcher{
		storage:  store,
		embedder: emb,
		logger:   logging.OrNop(logger),
		cache:    cache,
		now:      time.Now,
	}
}

// Search performs a search based on the request parameters
func (s *Searcher) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	startTime := s.now()

	if err := s.validateRequest(&req); err != nil {
		return nil, fmt.Errorf("invalid search request: %w", err)
	}

	if req.UseCache {
		s.syncCache(ctx)
		if cached, ok := s.checkCache(req); ok {
			cached.CacheHit = true
			cached.Duration = s.now().Sub(startTime)
			return cached, nil
		}
	}

	var response *SearchResponse
	var err error

	switch req.Mode {
	case SearchModeHybrid:
		response, err = s.hybridSearch(ctx, req)
	case SearchModeVector:
		response, err = s.vectorSearch(ctx, req)
	case SearchModeKeyword:
		response, err = s.keywordSearch(ctx, req)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMode, req.Mode)
	}
	if err != nil {
		return nil, err
	}

	response.Duration = s.now().Sub(startTime)
	response.SearchMode = req.Mode

	if req.UseCache && len(response.Results) > 0 {
		s.storeInCache(req, response)
	}

	s.logger.Debug("search complete",
		zap.String("query", req.Query),
		zap.String("mode", string(req.Mode)),
		zap.Int("results", response.TotalResults),
		zap.Duration("duration", response.Duration),
	)
	return response, nil
}

// searchResult holds results from concurrent search operations
type searchResult struct {
	vectorResults []storage.VectorResult
	textResults   []storage.TextResult
	err           error
}

func (s *Searcher) queryVector(ctx context.Context, query string) ([]float32, error) {
	if s.embedder == nil {
		return nil, ErrNoEmbedder
	}
	vector, err := embedder.Embed(ctx, s.embedder, query)
	if err != nil {
		return nil, fmt.Errorf("failed to generate query embedding: %w", err)
	}
	return vector, nil
}

func (s *Searcher) runVectorSearch(ctx context.Context, req SearchRequest, resultChan chan<- searchResult) {
	var res searchResult
	vector, err := s.queryVector(ctx, req.Query)
	if err != nil {
		res.err = err
	} else {
		res.vectorResults, res.err = s.storage.SearchVector(ctx, vector, req.Limit*2)
	}
	select {
	case resultChan <- res:
	case <-ctx.Done():
	}
}

func (s *Searcher) runTextSearch(ctx context.Context, req SearchRequest, resultChan chan<- searchResult) {
	var res searchResult
	res.textResults, res.err = s.storage.SearchText(ctx, req.Query, req.Limit*2)
	select {
	case resultChan <- res:
	case <-ctx.Done():
	}
}

// hybridSearch runs both searches concurrently and fuses them with RRF.
// One side may fail; the other's ranking is used alone.
func (s *Searcher) hybridSearch(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	vectorChan := make(chan searchResult, 1)
	textChan := make(chan searchResult, 1)

	go s.runVectorSearch(ctx, req, vectorChan)
	go s.runTextSearch(ctx, req, textChan)

	var vectorRes, textRes searchResult
	var vectorDone, textDone bool
	for !vectorDone || !textDone {
		select {
		case vectorRes = <-vectorChan:
			vectorDone = true
		case textRes = <-textChan:
			textDone = true
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if vectorRes.err != nil && textRes.err != nil {
		return nil, fmt.Errorf("both searches failed: vector=%w, text=%w", vectorRes.err, textRes.err)
	}
	if vectorRes.err != nil {
		s.logger.Debug("vector search unavailable, using text results", zap.Error(vectorRes.err))
	}
	if textRes.err != nil {
		s.logger.Debug("text search failed, using vector results", zap.Error(textRes.err))
	}

	rrf := applyRRF(vectorRes.vectorResults, textRes.textResults, req.RRFConstant)
	results, err := s.fetchResults(ctx, rrf, req.Limit)
	if err != nil {
		return nil, err
	}

	return &SearchResponse{
		Results:       results,
		TotalResults:  len(results),
		VectorResults: len(vectorRes.vectorResults),
		TextResults:   len(textRes.textResults),
	}, nil
}

func (s *Searcher) vectorSearch(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	vector, err := s.queryVector(ctx, req.Query)
	if err != nil {
		return nil, err
	}

	vectorResults, err := s.storage.SearchVector(ctx, vector, req.Limit)
	if err != nil {
		return nil, err
	}

	ranked := make([]rankedResult, len(vectorResults))
	for i, vr := range vectorResults {
		ranked[i] = rankedResult{iconID: vr.IconID, score: vr.SimilarityScore, rank: i + 1}
	}

	results, err := s.fetchResults(ctx, ranked, req.Limit)
	if err != nil {
		return nil, err
	}

	return &SearchResponse{
		Results:       results,
		TotalResults:  len(results),
		VectorResults: len(vectorResults),
	}, nil
}

func (s *Searcher) keywordSearch(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	textResults, err := s.storage.SearchText(ctx, req.Query, req.Limit)
	if err != nil {
		return nil, err
	}

	ranked := make([]rankedResult, len(textResults))
	for i, tr := range textResults {
		ranked[i] = rankedResult{iconID: tr.IconID, score: tr.BM25Score, rank: i + 1}
	}

	results, err := s.fetchResults(ctx, ranked, req.Limit)
	if err != nil {
		return nil, err
	}

	return &SearchResponse{
		Results:      results,
		TotalResults: len(results),
		TextResults:  len(textResults),
	}, nil
}

type rankedResult struct {
	iconID int64
	score  float64
	rank   int
}

// applyRRF combines the two rankings with Reciprocal Rank Fusion:
// RRF(d) = sum of 1/(k + rank(d)) over the rankings containing d
func applyRRF(vectorResults []storage.VectorResult, textResults []storage.TextResult, k float64) []rankedResult {
	if k == 0 {
		k = DefaultRRFConstant
	}

	scores := make(map[int64]float64)
	for rank, vr := range vectorResults {
		scores[vr.IconID] += 1.0 / (k + float64(rank+1))
	}
	for rank, tr := range textResults {
		scores[tr.IconID] += 1.0 / (k + float64(rank+1))
	}

	results := make([]rankedResult, 0, len(scores))
	for iconID, score := range scores {
		results = append(results, rankedResult{iconID: iconID, score: score})
	}

	// Ties break on row ID so equal scores rank deterministically
	sort.Slice(results, func(i, j int) bool {
		if results[i].score != results[j].score {
			return results[i].score > results[j].score
		}
		return results[i].iconID < results[j].iconID
	})

	for i := range results {
		results[i].rank = i + 1
	}
	return results
}

// fetchResults loads the icon rows for the top ranked results. Rows that
// cannot be loaded are skipped and later results move up.
func (s *Searcher) fetchResults(ctx context.Context, ranked []rankedResult, limit int) ([]types.SearchResult, error) {
	results := make([]types.SearchResult, 0, min(limit, len(ranked)))

	for _, rr := range ranked {
		if len(results) == limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		icon, err := s.storage.GetIcon(ctx, rr.iconID)
		if err != nil {
			s.logger.Debug("skipping unloadable result", zap.Int64("icon_id", rr.iconID), zap.Error(err))
			continue
		}

		result := types.SearchResult{
			IconID:         icon.ID,
			Rank:           len(results) + 1,
			RelevanceScore: rr.score,
			Name:           icon.Name,
			Description:    icon.Description,
			SearchableText: icon.SearchableText,
			LocalPath:      icon.LocalPath,
			Filename:       icon.Filename,
		}
		if err := result.Validate(); err != nil {
			s.logger.Warn("skipping invalid result", zap.Int64("icon_id", rr.iconID), zap.Error(err))
			continue
		}
		results = append(results, result)
	}

	return results, nil
}

// validateRequest applies defaults and bounds to req
func (s *Searcher) validateRequest(req *SearchRequest) error {
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return ErrEmptyQuery
	}

	if req.Limit <= 0 {
		req.Limit = DefaultLimit
	}
	if req.Limit > MaxLimit {
		req.Limit = MaxLimit
	}

	if req.Mode == "" {
		req.Mode = SearchModeHybrid
	}
	if req.Mode == SearchModeHybrid && s.embedder == nil {
		req.Mode = SearchModeKeyword
	}

	if req.RRFConstant == 0 {
		req.RRFConstant = DefaultRRFConstant
	}
	if req.CacheTTL == 0 {
		req.CacheTTL = DefaultCacheTTL
	}

	return nil
}

// syncCache drops cached responses once another process has written to the
// artifact, as add and backfill do while a server is running
func (s *Searcher) syncCache(ctx context.Context) {
	version, err := s.storage.DataVersion(ctx)
	if err != nil {
		s.logger.Debug("cannot read artifact data version", zap.Error(err))
		return
	}

	s.cacheMu.Lock()
	changed := s.versionKnown && version != s.dataVersion
	s.dataVersion = version
	s.versionKnown = true
	s.cacheMu.Unlock()

	if changed {
		s.logger.Info("artifact changed, dropping cached searches", zap.Int64("data_version", version))
		s.InvalidateCache()
	}
}

func (s *Searcher) checkCache(req SearchRequest) (*SearchResponse, bool) {
	hash := computeQueryHash(req)

	s.cacheMu.RLock()
	entry, found := s.cache.Get(hash)
	if !found {
		s.cacheMu.RUnlock()
		return nil, false
	}

	if s.now().After(entry.expiresAt) {
		s.cacheMu.RUnlock()

		s.cacheMu.Lock()
		s.cache.Remove(hash)
		s.cacheMu.Unlock()
		return nil, false
	}

	response := copySearchResponse(entry.response)
	s.cacheMu.RUnlock()

	return response, true
}

func (s *Searcher) storeInCache(req SearchRequest, response *SearchResponse) {
	entry := &cacheEntry{
		response:  copySearchResponse(response),
		expiresAt: s.now().Add(req.CacheTTL),
	}

	s.cacheMu.Lock()
	s.cache.Add(computeQueryHash(req), entry)
	s.cacheMu.Unlock()
}

// copySearchResponse creates a deep copy of a SearchResponse. SearchResult
// holds only value fields, so copying the slice is enough.
func copySearchResponse(src *SearchResponse) *SearchResponse {
	if src == nil {
		return nil
	}

	dst := *src
	dst.Results = make([]types.SearchResult, len(src.Results))
	copy(dst.Results, src.Results)
	return &dst
}

// computeQueryHash keys the cache on everything that changes the result set
func computeQueryHash(req SearchRequest) [32]byte {
	var data strings.Builder
	data.WriteString(req.Query)
	data.WriteString("|")
	data.WriteString(string(req.Mode))
	data.WriteString("|")
	data.WriteString(strconv.Itoa(req.Limit))
	data.WriteString("|")
	data.WriteString(strconv.FormatFloat(req.RRFConstant, 'f', -1, 64))

	return sha256.Sum256([]byte(data.String()))
}

// InvalidateCache drops every cached response
func (s *Searcher) InvalidateCache() {
	s.cacheMu.Lock()
	s.cache.Purge()
	s.cacheMu.Unlock()
}

// CacheLen returns the number of cached responses
func (s *Searcher) CacheLen() int {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	return s.cache.Len()
}
