package describer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// GenerationOptions are the sampling settings shared by every backend
type GenerationOptions struct {
	Model       string
	MaxTokens   int
	Temperature float32
}

// GeminiBackend describes images with Google Gemini
type GeminiBackend struct {
	client *genai.Client
	model  *genai.GenerativeModel
	name   string
}

// NewGeminiBackend creates a Gemini client for the configured model
func NewGeminiBackend(ctx context.Context, apiKey string, opts GenerationOptions) (*GeminiBackend, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini: %w", ErrNoAPIKey)
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	model := client.GenerativeModel(opts.Model)
	model.SetTemperature(opts.Temperature)
	if opts.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(opts.MaxTokens))
	}

	return &GeminiBackend{client: client, model: model, name: opts.Model}, nil
}

// Describe sends the PNG and the prompt as one request
func (b *GeminiBackend) Describe(ctx context.Context, image []byte, prompt string) (string, error) {
	resp, err := b.model.GenerateContent(ctx, genai.ImageData("png", image), genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("failed to generate content: %w", err)
	}
	return extractGeminiText(resp)
}

// Model returns the Gemini model name
func (b *GeminiBackend) Model() string {
	return b.name
}

// Close releases the Gemini client
func (b *GeminiBackend) Close() error {
	if b.client != nil {
		return b.client.Close()
	}
	return nil
}

func extractGeminiText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", errors.New("no candidates in response")
	}

	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return "", errors.New("no content in response")
	}

	var parts []string
	for _, part := range candidate.Content.Parts {
		if text, ok := part.(genai.Text); ok {
			parts = append(parts, string(text))
		}
	}
	if len(parts) == 0 {
		return "", errors.New("no text parts in response")
	}
	return strings.Join(parts, ""), nil
}
