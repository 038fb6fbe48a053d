// Package mcp implements the Model Context Protocol (MCP) server for an
// assembled icon index.
//
// The MCP server exposes two tools:
//   - search_icons: search the index with natural language or keywords
//   - artifact_status: report row counts and build metadata
//
// # Protocol Overview
//
// MCP is a JSON-RPC 2.0 protocol over stdio transport:
//
//	Client → Server: {"method": "tools/call", "params": {...}}
//	Server → Client: {"result": {...}}
//
// The server is started via the serve command and logs to stderr, since
// stdout carries the protocol:
//
//	iconindex serve --db icons.db
//
// # Tool: search_icons
//
//	Request:
//	{
//	  "name": "search_icons",
//	  "arguments": {
//	    "query": "save a document",
//	    "limit": 5,
//	    "mode": "hybrid"
//	  }
//	}
//
//	Response:
//	{
//	  "query": "save a document",
//	  "mode": "hybrid",
//	  "total_results": 5,
//	  "results": [
//	    {
//	      "rank": 1,
//	      "relevance_score": 0.0328,
//	      "name": "floppy_disk",
//	      "description": "A floppy disk for saving files",
//	      "local_path": "icons/floppy_disk.png",
//	      "filename": "floppy_disk.png"
//	    }
//	  ]
//	}
//
// Without an embedding backend the server still answers hybrid and keyword
// searches from the full-text index; vector mode returns -32005.
//
// # Tool: artifact_status
//
//	Response:
//	{
//	  "path": "icons.db",
//	  "counts": {"icons": 1834, "vectors": 1830, "texts": 1834, "missing_embedding": 4},
//	  "metadata": {"embedding_model": "Xenova/bge-base-en-v1.5", ...},
//	  "schema_version": "1.0.0",
//	  "size_mb": "12.40"
//	}
//
// # Error Handling
//
// Error codes:
//   - -32602: Invalid params (missing/invalid arguments)
//   - -32603: Internal error (database, embedding backend)
//   - -32004: Empty query
//   - -32005: Vector search without an embedding backend
package mcp
