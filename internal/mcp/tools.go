package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/dshills/iconindex/internal/searcher"
)

// MCP error codes
const (
	ErrorCodeInvalidParams = -32602 // Invalid method parameters
	ErrorCodeInternalError = -32603 // Internal JSON-RPC error
	ErrorCodeEmptyQuery    = -32004 // Query parameter is empty
	ErrorCodeNoEmbedder    = -32005 // Vector search requested without an embedder
)

var allowedModes = []string{
	string(searcher.SearchModeHybrid),
	string(searcher.SearchModeVector),
	string(searcher.SearchModeKeyword),
}

// handleSearchIcons handles the search_icons tool invocation
func (s *Server) handleSearchIcons(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}

	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return nil, newMCPError(ErrorCodeEmptyQuery, "query parameter is required and cannot be empty", map[string]interface{}{
			"param":  "query",
			"reason": "missing or empty",
		})
	}

	limit := getIntDefault(args, "limit", searcher.DefaultLimit)
	if limit < 1 || limit > searcher.MaxLimit {
		return nil, newMCPError(ErrorCodeInvalidParams, "limit must be between 1 and 100", map[string]interface{}{
			"param": "limit",
			"value": limit,
		})
	}

	mode, err := searcher.ParseMode(getStringDefault(args, "mode", ""))
	if err != nil {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid mode", map[string]interface{}{
			"param":   "mode",
			"value":   args["mode"],
			"allowed": allowedModes,
		})
	}

	resp, err := s.searcher.Search(ctx, searcher.SearchRequest{
		Query:    query,
		Limit:    limit,
		Mode:     mode,
		UseCache: true,
	})
	switch {
	case errors.Is(err, searcher.ErrNoEmbedder):
		return nil, newMCPError(ErrorCodeNoEmbedder, "vector search is unavailable without an embedding backend", map[string]interface{}{
			"param": "mode",
			"value": string(mode),
		})
	case err != nil:
		s.logger.Warn("search failed", zap.String("query", query), zap.Error(err))
		return nil, newMCPError(ErrorCodeInternalError, "search failed", map[string]interface{}{
			"error": err.Error(),
		})
	}

	results := make([]map[string]interface{}, len(resp.Results))
	for i, r := range resp.Results {
		results[i] = map[string]interface{}{
			"rank":            r.Rank,
			"relevance_score": r.RelevanceScore,
			"name":            r.Name,
			"description":     r.Description,
			"local_path":      r.LocalPath,
			"filename":        r.Filename,
		}
	}

	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"query":          query,
		"mode":           string(resp.SearchMode),
		"total_results":  resp.TotalResults,
		"vector_results": resp.VectorResults,
		"text_results":   resp.TextResults,
		"cache_hit":      resp.CacheHit,
		"duration_ms":    resp.Duration.Milliseconds(),
		"results":        results,
	})), nil
}

// handleArtifactStatus handles the artifact_status tool invocation
func (s *Server) handleArtifactStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status, err := s.storage.GetStatus(ctx)
	if err != nil {
		return nil, newMCPError(ErrorCodeInternalError, "failed to get status", map[string]interface{}{
			"error": err.Error(),
		})
	}

	response := map[string]interface{}{
		"path":           s.path,
		"schema_version": status.SchemaVersion,
		"build_mode":     status.BuildMode,
		"size_mb":        fmt.Sprintf("%.2f", status.SizeMB),
		"counts": map[string]interface{}{
			"icons":             status.Counts.Icons,
			"vectors":           status.Counts.Vectors,
			"texts":             status.Counts.Texts,
			"missing_embedding": status.Counts.Missing,
		},
		"metadata":      status.Metadata,
		"cache_entries": s.searcher.CacheLen(),
		"health": map[string]interface{}{
			"text_index_consistent":  status.Counts.Texts == status.Counts.Icons,
			"vector_index_complete":  status.Counts.Missing == 0,
			"vector_search_possible": status.Counts.Vectors > 0,
		},
	}

	return mcp.NewToolResultText(formatJSON(response)), nil
}

// Helper functions

// arguments returns the call arguments as a map. A call with no arguments
// yields an empty map.
func arguments(request mcp.CallToolRequest) (map[string]interface{}, error) {
	if request.Params.Arguments == nil {
		return map[string]interface{}{}, nil
	}
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}
	return args, nil
}

// newMCPError creates a properly formatted MCP error
func newMCPError(code int, message string, data interface{}) error {
	return &MCPError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// MCPError represents an MCP protocol error
type MCPError struct {
	Code    int
	Message string
	Data    interface{}
}

func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// formatJSON formats a map as indented JSON
func formatJSON(data map[string]interface{}) string {
	bytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	return string(bytes)
}

// getIntDefault extracts an integer parameter with a default value
func getIntDefault(args map[string]interface{}, key string, defaultValue int) int {
	if val, ok := args[key].(float64); ok {
		return int(val)
	}
	if val, ok := args[key].(int); ok {
		return val
	}
	return defaultValue
}

// getStringDefault extracts a string parameter with a default value
func getStringDefault(args map[string]interface{}, key string, defaultValue string) string {
	if val, ok := args[key].(string); ok {
		return val
	}
	return defaultValue
}
