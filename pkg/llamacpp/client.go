package llamacpp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/menta2k/visionhub/pkg/capability"
	"github.com/menta2k/visionhub/pkg/client"
	"github.com/menta2k/visionhub/pkg/detection"
	"github.com/menta2k/visionhub/pkg/processing"
	"github.com/menta2k/visionhub/pkg/types"
)

// BackendName is the Descriptor.Backend value served by this package
const BackendName = "llamacpp"

// OpenAI-compatible message format
type Message struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"` // Can be string or []ContentPart
}

type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type ImageURL struct {
	URL string `json:"url"`
}

// OpenAI-compatible chat completion request
type ChatCompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	TopP        float64   `json:"top_p,omitempty"`
	Stream      bool      `json:"stream"`
}

// OpenAI-compatible chat completion response
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage,omitempty"`
}

type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Loader connects descriptors to a llama.cpp server. The server holds its
// model for its whole lifetime, so loading only verifies it is healthy.
type Loader struct {
	baseURL    string
	httpClient *http.Client
	encoding   processing.EncodeSettings
}

func NewLoader(serverURL string, encoding processing.EncodeSettings) *Loader {
	if serverURL == "" {
		serverURL = "http://localhost:8080"
	}

	return &Loader{
		baseURL: strings.TrimSuffix(serverURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Minute,
		},
		encoding: encoding,
	}
}

func (l *Loader) Load(ctx context.Context, d capability.Descriptor) (client.Model, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", l.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %v", err)
	}
	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("llama.cpp server unreachable: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("llama.cpp server not ready: status %d", resp.StatusCode)
	}

	name := d.ModelRef
	if name == "" {
		name = d.ID
	}
	return &Model{loader: l, name: name}, nil
}

// Model is a handle on the llama.cpp server's vision model
type Model struct {
	loader *Loader
	name   string
}

var (
	_ client.ObjectDetector = (*Model)(nil)
	_ client.TextGenerator  = (*Model)(nil)
)

func (m *Model) GenerateText(ctx context.Context, img *processing.Image, req client.TextRequest) (string, error) {
	temperature := 0.0
	if req.Sample {
		temperature = 0.7
	}
	return m.complete(ctx, img, req.Prompt, temperature, req.MaxNewTokens)
}

func (m *Model) DetectObjects(ctx context.Context, img *processing.Image) ([]types.DetectedObject, error) {
	text, err := m.complete(ctx, img, detection.DefaultPrompt, 0, 2048)
	if err != nil {
		return nil, err
	}
	return detection.ParseObjects(text, img.Width(), img.Height())
}

// Close is a no-op; the server owns the weights
func (m *Model) Close() error {
	return nil
}

func (m *Model) complete(ctx context.Context, img *processing.Image, prompt string, temperature float64, maxTokens int) (string, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 300*time.Second)
		defer cancel()
	}

	imgB64, err := img.Base64(m.loader.encoding)
	if err != nil {
		return "", err
	}
	mime := "image/jpeg"
	if strings.EqualFold(m.loader.encoding.Format, "png") {
		mime = "image/png"
	}

	content := []ContentPart{
		{
			Type: "text",
			Text: prompt,
		},
		{
			Type: "image_url",
			ImageURL: &ImageURL{
				URL: "data:" + mime + ";base64," + imgB64,
			},
		},
	}

	req := ChatCompletionRequest{
		Model: m.name,
		Messages: []Message{
			{
				Role:    "user",
				Content: content,
			},
		},
		Temperature: temperature,
		MaxTokens:   maxTokens,
		TopP:        0.9,
		Stream:      false,
	}

	respBody, err := m.loader.sendRequest(ctx, "/v1/chat/completions", req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}

	var resp ChatCompletionResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("failed to parse response: %v", err)
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}

	// Extract text from the response (handle both string and array formats)
	switch content := resp.Choices[0].Message.Content.(type) {
	case string:
		return content, nil
	case []interface{}:
		for _, item := range content {
			if partMap, ok := item.(map[string]interface{}); ok {
				if text, ok := partMap["text"].(string); ok && text != "" {
					return text, nil
				}
			}
		}
	}

	return "", fmt.Errorf("no text content in response")
}

func (l *Loader) sendRequest(ctx context.Context, endpoint string, payload interface{}) ([]byte, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", l.baseURL+endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %v", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}

	return body, nil
}
