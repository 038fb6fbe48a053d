package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
)

// searchIconsTool returns the tool definition for search_icons
func searchIconsTool() mcp.Tool {
	return mcp.Tool{
		Name:        "search_icons",
		Description: "Search the icon index with a natural language description or keywords",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "What the icon should show or be used for (e.g. 'save a document')",
				},
				"limit": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum number of results to return (1-100)",
					"default":     10,
					"minimum":     1,
					"maximum":     100,
				},
				"mode": map[string]interface{}{
					"type":        "string",
					"description": "Search strategy: hybrid (vector + keyword), vector (semantic only), or keyword (BM25 only)",
					"enum":        []string{"hybrid", "vector", "keyword"},
					"default":     "hybrid",
				},
			},
			Required: []string{"query"},
		},
	}
}

// artifactStatusTool returns the tool definition for artifact_status
func artifactStatusTool() mcp.Tool {
	return mcp.Tool{
		Name:        "artifact_status",
		Description: "Report row counts, build metadata and size of the served icon index",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}
}
