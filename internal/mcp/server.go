package mcp

import (
	"context"
	"io"
	"os"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/dshills/iconindex/internal/embedder"
	"github.com/dshills/iconindex/internal/logging"
	"github.com/dshills/iconindex/internal/searcher"
	"github.com/dshills/iconindex/internal/storage"
)

const (
	// ServerName is the MCP server name
	ServerName = "iconindex"
	// ServerVersion is the current server version
	ServerVersion = "1.0.0"
)

// Options configures a Server
type Options struct {
	// Path is reported by artifact_status
	Path    string
	Version string
	Logger  *zap.Logger
}

// Server wraps the MCP server with application dependencies
type Server struct {
	mcp      *server.MCPServer
	storage  storage.Storage
	searcher *searcher.Searcher
	logger   *zap.Logger
	path     string
}

// NewServer creates an MCP server over an opened artifact. emb may be nil,
// which limits search to keyword mode. The server takes ownership of store.
func NewServer(store storage.Storage, emb embedder.Embedder, opts Options) *Server {
	logger := logging.OrNop(opts.Logger)
	version := opts.Version
	if version == "" {
		version = ServerVersion
	}

	s := &Server{
		mcp:      server.NewMCPServer(ServerName, version, server.WithToolCapabilities(false)),
		storage:  store,
		searcher: searcher.NewSearcher(store, emb, logger),
		logger:   logger,
		path:     opts.Path,
	}
	s.registerTools()
	return s
}

// Serve runs the MCP protocol on stdio until ctx is canceled or stdin closes
func (s *Server) Serve(ctx context.Context) error {
	return s.ServeIO(ctx, os.Stdin, os.Stdout)
}

// ServeIO runs the MCP protocol over the given streams
func (s *Server) ServeIO(ctx context.Context, in io.Reader, out io.Writer) error {
	defer func() { _ = s.storage.Close() }()

	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(zap.NewStdLog(s.logger))

	s.logger.Info("mcp server ready", zap.String("artifact", s.path))
	return stdio.Listen(ctx, in, out)
}

func (s *Server) registerTools() {
	s.mcp.AddTool(searchIconsTool(), s.handleSearchIcons)
	s.mcp.AddTool(artifactStatusTool(), s.handleArtifactStatus)
}
