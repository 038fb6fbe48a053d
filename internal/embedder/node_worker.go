package embedder

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

//go:embed worker/embed_server.js worker/package.json
var nodeWorkerFiles embed.FS

const (
	nodeWorkerScript   = "embed_server.js"
	defaultInstallTime = 5 * time.Minute
)

// NodeWorker is a prepared copy of the bundled transformers.js worker
type NodeWorker struct {
	Dir     string   // Temp directory holding the script and node_modules
	Command []string // argv to start the worker
}

// PrepareNodeWorker writes the bundled worker into a fresh temp directory
// and installs its dependencies with npm. The caller owns Dir; pass it as
// WorkerOptions.TempDir so Close removes it.
func PrepareNodeWorker(ctx context.Context, installTimeout time.Duration, logger *zap.Logger) (*NodeWorker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if installTimeout <= 0 {
		installTimeout = defaultInstallTime
	}

	dir, err := os.MkdirTemp("", "iconindex-embed-")
	if err != nil {
		return nil, fmt.Errorf("failed to create worker directory: %w", err)
	}

	for _, name := range []string{nodeWorkerScript, "package.json"} {
		data, err := nodeWorkerFiles.ReadFile("worker/" + name)
		if err != nil {
			_ = os.RemoveAll(dir)
			return nil, fmt.Errorf("failed to read bundled %s: %w", name, err)
		}
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			_ = os.RemoveAll(dir)
			return nil, fmt.Errorf("failed to write %s: %w", name, err)
		}
	}

	installCtx, cancel := context.WithTimeout(ctx, installTimeout)
	defer cancel()

	logger.Info("installing embedding worker dependencies", zap.String("dir", dir))
	start := time.Now()

	install := exec.CommandContext(installCtx, "npm", "install", "--no-audit", "--no-fund")
	install.Dir = dir
	var output bytes.Buffer
	install.Stdout = &output
	install.Stderr = &output
	if err := install.Run(); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("npm install failed: %w: %s", err, strings.TrimSpace(output.String()))
	}

	logger.Info("embedding worker dependencies installed", zap.Duration("took", time.Since(start)))

	return &NodeWorker{
		Dir:     dir,
		Command: []string{"node", filepath.Join(dir, nodeWorkerScript)},
	}, nil
}
