package describer

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultOpenAIURL is the base URL of the OpenAI API
const DefaultOpenAIURL = "https://api.openai.com/v1"

const openAITimeout = 60 * time.Second

// OpenAIBackend describes images with an OpenAI vision-capable chat model
type OpenAIBackend struct {
	baseURL string
	apiKey  string
	opts    GenerationOptions
	client  *http.Client
}

// NewOpenAIBackend creates an OpenAI backend. An empty baseURL selects the
// public API.
func NewOpenAIBackend(baseURL, apiKey string, opts GenerationOptions) (*OpenAIBackend, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: %w", ErrNoAPIKey)
	}
	if baseURL == "" {
		baseURL = DefaultOpenAIURL
	}
	return &OpenAIBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		opts:    opts,
		client:  &http.Client{Timeout: openAITimeout},
	}, nil
}

type chatImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail"`
}

type chatPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *chatImageURL `json:"image_url,omitempty"`
}

type chatMessage struct {
	Role    string     `json:"role"`
	Content []chatPart `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float32       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Describe sends the prompt and a low-detail data URL of the PNG
func (b *OpenAIBackend) Describe(ctx context.Context, image []byte, prompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: b.opts.Model,
		Messages: []chatMessage{{
			Role: "user",
			Content: []chatPart{
				{Type: "text", Text: prompt},
				{Type: "image_url", ImageURL: &chatImageURL{
					URL:    "data:image/png;base64," + base64.StdEncoding.EncodeToString(image),
					Detail: "low",
				}},
			},
		}},
		MaxTokens:   b.opts.MaxTokens,
		Temperature: b.opts.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+b.apiKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("api error %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", errors.New("no choices in response")
	}
	return parsed.Choices[0].Message.Content, nil
}

// Model returns the chat model name
func (b *OpenAIBackend) Model() string {
	return b.opts.Model
}

// Close is a no-op; the HTTP client holds no resources that need releasing
func (b *OpenAIBackend) Close() error {
	return nil
}
