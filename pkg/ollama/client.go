package ollama

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/menta2k/visionhub/pkg/capability"
	"github.com/menta2k/visionhub/pkg/client"
	"github.com/menta2k/visionhub/pkg/detection"
	"github.com/menta2k/visionhub/pkg/processing"
	"github.com/menta2k/visionhub/pkg/types"
)

// BackendName is the Descriptor.Backend value served by this package
const BackendName = "ollama"

// DefaultTimeout bounds a single inference when the caller set no deadline
const DefaultTimeout = 300 * time.Second

// Loader creates model handles backed by an Ollama server
type Loader struct {
	client   *api.Client
	encoding processing.EncodeSettings
}

// NewLoader creates a loader for the Ollama server at ollamaURL
func NewLoader(ollamaURL string, encoding processing.EncodeSettings) (*Loader, error) {
	parsedURL, err := url.Parse(ollamaURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %v", err)
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("invalid URL: %q needs a scheme and host", ollamaURL)
	}

	// Drop any path such as /api/chat, the SDK adds its own
	baseURL := &url.URL{
		Scheme: parsedURL.Scheme,
		Host:   parsedURL.Host,
	}

	return &Loader{
		client:   api.NewClient(baseURL, http.DefaultClient),
		encoding: encoding,
	}, nil
}

// Load asks the server to bring the model into memory. An empty generate
// request loads the model without producing output.
func (l *Loader) Load(ctx context.Context, d capability.Descriptor) (client.Model, error) {
	name := modelName(d)
	streamFalse := false
	req := &api.GenerateRequest{
		Model:  name,
		Stream: &streamFalse,
	}
	if err := l.client.Generate(ctx, req, func(api.GenerateResponse) error { return nil }); err != nil {
		return nil, fmt.Errorf("ollama load %s: %w", name, err)
	}
	return &Model{client: l.client, name: name, encoding: l.encoding}, nil
}

// Model is a loaded Ollama vision model
type Model struct {
	client   *api.Client
	name     string
	encoding processing.EncodeSettings
}

var (
	_ client.ObjectDetector = (*Model)(nil)
	_ client.TextGenerator  = (*Model)(nil)
)

// GenerateText answers req.Prompt about img
func (m *Model) GenerateText(ctx context.Context, img *processing.Image, req client.TextRequest) (string, error) {
	opts := map[string]any{}
	if req.MaxNewTokens > 0 {
		opts["num_predict"] = req.MaxNewTokens
	}
	if !req.Sample {
		opts["temperature"] = 0
	}
	return m.chat(ctx, img, req.Prompt, opts)
}

// DetectObjects prompts the model for a JSON object list
func (m *Model) DetectObjects(ctx context.Context, img *processing.Image) ([]types.DetectedObject, error) {
	content, err := m.chat(ctx, img, detection.DefaultPrompt, map[string]any{"temperature": 0})
	if err != nil {
		return nil, err
	}
	return detection.ParseObjects(content, img.Width(), img.Height())
}

// Close asks the server to evict the model from memory
func (m *Model) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	streamFalse := false
	req := &api.GenerateRequest{
		Model:     m.name,
		Stream:    &streamFalse,
		KeepAlive: &api.Duration{Duration: 0},
	}
	if err := m.client.Generate(ctx, req, func(api.GenerateResponse) error { return nil }); err != nil {
		return fmt.Errorf("ollama unload %s: %w", m.name, err)
	}
	return nil
}

func (m *Model) chat(ctx context.Context, img *processing.Image, prompt string, options map[string]any) (string, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}

	imgBytes, err := img.Bytes(m.encoding)
	if err != nil {
		return "", err
	}

	streamFalse := false
	req := &api.ChatRequest{
		Model: m.name,
		Messages: []api.Message{
			{
				Role:    "user",
				Content: prompt,
				Images:  []api.ImageData{api.ImageData(imgBytes)},
			},
		},
		Stream:  &streamFalse,
		Options: options,
	}

	var responseContent strings.Builder
	err = m.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		responseContent.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama chat error: %w", err)
	}

	return responseContent.String(), nil
}

func modelName(d capability.Descriptor) string {
	if d.ModelRef != "" {
		return d.ModelRef
	}
	return d.ID
}
