package embedder

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/iconindex/pkg/types"
)

const (
	defaultWarmUp         = 3 * time.Second
	defaultRequestTimeout = 30 * time.Second
	shutdownGrace         = 5 * time.Second
	maxWorkerLine         = 16 * 1024 * 1024
)

// WorkerOptions configures a subprocess embedding worker
type WorkerOptions struct {
	Command        []string      // argv of the worker process
	Dir            string        // Working directory of the process
	Env            []string      // Extra environment, appended to os.Environ
	TempDir        string        // Removed on Close when set
	Model          string        // Reported by Model()
	Dimension      int           // Expected vector width
	WarmUp         time.Duration // Upper bound on waiting for the ready line
	RequestTimeout time.Duration // Upper bound on waiting for one response
	Logger         *zap.Logger
}

// workerRequest is one line written to the worker's stdin
type workerRequest struct {
	ID   int64  `json:"id"`
	Text string `json:"text"`
}

// workerMessage is one JSON line read from the worker's stdout
type workerMessage struct {
	ID        *int64       `json:"id"`
	Ready     bool         `json:"ready"`
	Embedding types.Vector `json:"embedding"`
	Error     bool         `json:"error"`
}

// workerResult is handed from the reader goroutine to a waiting request
type workerResult struct {
	vector []float32
	failed bool
	err    error
}

// WorkerProvider implements Embedder by talking to one long-lived worker
// process over line-delimited JSON. Responses are matched to requests by
// id, so the worker may answer out of order.
type WorkerProvider struct {
	opts   WorkerOptions
	logger *zap.Logger

	cmd   *exec.Cmd
	stdin io.WriteCloser

	nextID  atomic.Int64
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[int64]chan workerResult
	closed  bool

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{} // Closed when the reader goroutine exits

	closeOnce sync.Once
	closeErr  error
}

// StartWorker launches the worker process and waits until it reports
// readiness or the warm-up period elapses. On any error the process and
// opts.TempDir are released before returning.
func StartWorker(ctx context.Context, opts WorkerOptions) (*WorkerProvider, error) {
	if len(opts.Command) == 0 {
		return nil, fmt.Errorf("%w: worker command is empty", ErrInvalidInput)
	}
	if opts.WarmUp <= 0 {
		opts.WarmUp = defaultWarmUp
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "embedding-worker"))

	w := &WorkerProvider{
		opts:    opts,
		logger:  logger,
		pending: make(map[int64]chan workerResult),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}

	cmd := exec.Command(opts.Command[0], opts.Command[1:]...)
	cmd.Dir = opts.Dir
	cmd.Env = append(os.Environ(), opts.Env...)
	cmd.WaitDelay = shutdownGrace

	stderrLog, err := zap.NewStdLogAt(logger.With(zap.String("stream", "stderr")), zap.DebugLevel)
	if err != nil {
		_ = w.removeTempDir()
		return nil, fmt.Errorf("failed to create stderr logger: %w", err)
	}
	cmd.Stderr = stderrLog.Writer()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		_ = w.removeTempDir()
		return nil, fmt.Errorf("failed to open worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = w.removeTempDir()
		return nil, fmt.Errorf("failed to open worker stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		_ = w.removeTempDir()
		return nil, fmt.Errorf("failed to start worker %q: %w", opts.Command[0], err)
	}
	w.cmd = cmd
	w.stdin = stdin

	go w.readLoop(stdout)

	logger.Info("embedding worker started",
		zap.Int("pid", cmd.Process.Pid),
		zap.Strings("command", opts.Command),
		zap.String("model", opts.Model))

	timer := time.NewTimer(opts.WarmUp)
	defer timer.Stop()

	select {
	case <-w.ready:
		logger.Debug("embedding worker ready")
	case <-timer.C:
		logger.Warn("embedding worker did not signal readiness, continuing after warm-up",
			zap.Duration("warm_up", opts.WarmUp))
	case <-w.done:
		_ = w.Close()
		return nil, fmt.Errorf("%w: worker exited during startup", ErrWorkerClosed)
	case <-ctx.Done():
		_ = w.Close()
		return nil, ctx.Err()
	}

	return w, nil
}

// readLoop drains stdout until the worker closes it. Lines that are not
// JSON objects are worker logging and are only logged.
func (w *WorkerProvider) readLoop(stdout io.Reader) {
	defer close(w.done)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxWorkerLine)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if line[0] != '{' {
			w.logger.Debug("worker output", zap.ByteString("line", line))
			continue
		}

		var msg workerMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			w.logger.Debug("ignoring malformed worker line", zap.Error(err))
			continue
		}
		if msg.Ready {
			w.readyOnce.Do(func() { close(w.ready) })
			continue
		}
		if msg.ID == nil {
			continue
		}
		w.deliver(*msg.ID, workerResult{vector: msg.Embedding, failed: msg.Error})
	}

	if err := scanner.Err(); err != nil {
		w.logger.Warn("worker stdout read failed", zap.Error(err))
	}
	w.failPending(ErrWorkerClosed)
}

func (w *WorkerProvider) deliver(id int64, res workerResult) {
	w.mu.Lock()
	ch, ok := w.pending[id]
	delete(w.pending, id)
	w.mu.Unlock()

	if !ok {
		w.logger.Debug("dropping response for unknown request", zap.Int64("id", id))
		return
	}
	ch <- res
}

// failPending resolves every outstanding request with err and refuses new ones
func (w *WorkerProvider) failPending(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.closed = true
	for id, ch := range w.pending {
		ch <- workerResult{err: err}
		delete(w.pending, id)
	}
}

func (w *WorkerProvider) forget(id int64) {
	w.mu.Lock()
	delete(w.pending, id)
	w.mu.Unlock()
}

func (w *WorkerProvider) GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}

	id := w.nextID.Add(1)
	ch := make(chan workerResult, 1)

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil, ErrWorkerClosed
	}
	w.pending[id] = ch
	w.mu.Unlock()

	line, err := json.Marshal(workerRequest{ID: id, Text: req.Text})
	if err != nil {
		w.forget(id)
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	line = append(line, '\n')

	w.writeMu.Lock()
	_, err = w.stdin.Write(line)
	w.writeMu.Unlock()
	if err != nil {
		w.forget(id)
		return nil, fmt.Errorf("%w: write request %d: %w", ErrWorkerClosed, id, err)
	}

	timer := time.NewTimer(w.opts.RequestTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		if res.failed {
			return nil, fmt.Errorf("%w: worker reported an error for request %d", ErrNoEmbedding, id)
		}
		if err := checkDimension(res.vector, w.opts.Dimension); err != nil {
			return nil, err
		}
		return &Embedding{
			Vector:    res.vector,
			Dimension: len(res.vector),
			Provider:  ProviderWorker,
			Model:     w.opts.Model,
		}, nil
	case <-timer.C:
		w.forget(id)
		return nil, fmt.Errorf("%w: request %d after %s", ErrTimeout, id, w.opts.RequestTimeout)
	case <-ctx.Done():
		w.forget(id)
		return nil, ctx.Err()
	}
}

// GenerateBatch issues every text concurrently over the shared worker
func (w *WorkerProvider) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	if err := ValidateBatchRequest(req); err != nil {
		return nil, err
	}

	embeddings := make([]*Embedding, len(req.Texts))
	g, gctx := errgroup.WithContext(ctx)
	for i, text := range req.Texts {
		g.Go(func() error {
			emb, err := w.GenerateEmbedding(gctx, EmbeddingRequest{Text: text})
			if err != nil {
				return fmt.Errorf("text %d: %w", i, err)
			}
			embeddings[i] = emb
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &BatchEmbeddingResponse{
		Embeddings: embeddings,
		Provider:   ProviderWorker,
		Model:      w.opts.Model,
	}, nil
}

func (w *WorkerProvider) Dimension() int {
	return w.opts.Dimension
}

func (w *WorkerProvider) Provider() string {
	return ProviderWorker
}

func (w *WorkerProvider) Model() string {
	return w.opts.Model
}

// Close stops the worker: stdin is closed so it can exit cleanly, it is
// killed if it does not exit within a grace period, every pending request
// fails with ErrWorkerClosed and the temp directory is removed. Close is
// idempotent.
func (w *WorkerProvider) Close() error {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		w.mu.Unlock()

		_ = w.stdin.Close()

		killed := false
		select {
		case <-w.done:
		case <-time.After(shutdownGrace):
			w.logger.Warn("embedding worker did not exit, killing it")
			_ = w.cmd.Process.Kill()
			killed = true
		}

		// Wait closes stdout, which unblocks the reader if a child of the
		// worker still holds the pipe open
		waitErr := w.cmd.Wait()
		<-w.done
		w.failPending(ErrWorkerClosed)

		if waitErr != nil && !killed {
			w.logger.Debug("embedding worker exited", zap.Error(waitErr))
		}

		var errs []error
		if err := w.removeTempDir(); err != nil {
			errs = append(errs, err)
		}
		w.closeErr = errors.Join(errs...)
		w.logger.Info("embedding worker stopped")
	})
	return w.closeErr
}

func (w *WorkerProvider) removeTempDir() error {
	if w.opts.TempDir == "" {
		return nil
	}
	if err := os.RemoveAll(w.opts.TempDir); err != nil {
		return fmt.Errorf("failed to remove worker directory %s: %w", w.opts.TempDir, err)
	}
	return nil
}
