package describer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/dshills/iconindex/internal/logging"
	"github.com/dshills/iconindex/pkg/types"
)

var (
	// ErrEmptyDescription is returned when a backend answers with only whitespace
	ErrEmptyDescription = errors.New("empty description")

	// ErrNoAPIKey is returned when the selected backend needs a key and none is set
	ErrNoAPIKey = errors.New("api key is required")

	// ErrUnknownProvider is returned for an unsupported vision provider
	ErrUnknownProvider = errors.New("unknown vision provider")
)

// Defaults applied when Options leaves a field zero
const (
	DefaultMaxConcurrent = 15
	DefaultRateLimit     = 800
	DefaultRateWindow    = time.Minute
)

// Backend is a vision model that turns an image and a prompt into text
type Backend interface {
	Describe(ctx context.Context, image []byte, prompt string) (string, error)
	Model() string
	Close() error
}

// Options configures the call gate of a Client
type Options struct {
	MaxConcurrent int           // In-flight calls allowed at once
	RateLimit     int           // Calls allowed per window
	RateWindow    time.Duration // Length of the rate window
	Logger        *zap.Logger
}

// Client bounds the calls made to a Backend. At most MaxConcurrent calls
// are in flight, and once RateLimit calls have started within the current
// window further calls sleep until the window resets. Both limits belong to
// the client instance.
type Client struct {
	backend Backend
	gate    *semaphore.Weighted
	limiter *windowLimiter
	logger  *zap.Logger
}

// NewClient wraps backend with the admission gate and rate window
func NewClient(backend Backend, opts Options) *Client {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = DefaultRateLimit
	}
	if opts.RateWindow <= 0 {
		opts.RateWindow = DefaultRateWindow
	}
	logger := logging.OrNop(opts.Logger)

	return &Client{
		backend: backend,
		gate:    semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		limiter: newWindowLimiter(opts.RateLimit, opts.RateWindow, logger),
		logger:  logger,
	}
}

// Generate describes the icon image (PNG bytes) called name. Every failure
// is a *types.ItemError at the vision_api stage carrying the backend's
// message; a failed call does not affect concurrent ones.
func (c *Client) Generate(ctx context.Context, image []byte, name string) (string, error) {
	if err := c.gate.Acquire(ctx, 1); err != nil {
		return "", types.NewItemError(types.StageVisionAPI, name, err)
	}
	defer c.gate.Release(1)

	if err := c.limiter.Wait(ctx); err != nil {
		return "", types.NewItemError(types.StageVisionAPI, name, err)
	}

	text, err := c.backend.Describe(ctx, image, Prompt(name))
	if err != nil {
		c.logger.Debug("description failed", zap.String("name", name), zap.Error(err))
		return "", types.NewItemError(types.StageVisionAPI, name, err)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", types.NewItemError(types.StageVisionAPI, name, ErrEmptyDescription)
	}
	return text, nil
}

// Model returns the identifier of the backend model
func (c *Client) Model() string {
	return c.backend.Model()
}

// Close releases the backend
func (c *Client) Close() error {
	if err := c.backend.Close(); err != nil {
		return fmt.Errorf("failed to close vision backend: %w", err)
	}
	return nil
}

// Prompt returns the description prompt for an icon
func Prompt(name string) string {
	return fmt.Sprintf(`Describe this icon named '%s' in 1-2 sentences.
Focus on what the icon represents and its function. No boilerplate, no style references, just describe what it is. Examples:
- 'A folder for organizing files and directories'
- 'A computer monitor for system or hardware settings'
- 'A calculator for mathematical calculations'`, name)
}
