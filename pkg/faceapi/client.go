// Package faceapi talks to a face analysis sidecar over HTTP. The sidecar
// exposes GET /health, POST /detect and POST /embed, each taking a base64
// encoded image and the model name.
package faceapi

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
const BackendName = "faceapi"

type ImageRequest struct {
	Model string `json:"model"`
	Image string `json:"image"`
}

type Face struct {
	Box        types.Box `json:"box"`
	Confidence float64   `json:"confidence"`
}

type DetectResponse struct {
	Faces []Face `json:"faces"`
}

type EmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Loader connects face descriptors to the sidecar
type Loader struct {
	baseURL    string
	httpClient *http.Client
	encoding   processing.EncodeSettings
}

func NewLoader(serverURL string, encoding processing.EncodeSettings) *Loader {
	if serverURL == "" {
		serverURL = "http://localhost:8090"
	}

	return &Loader{
		baseURL: strings.TrimSuffix(serverURL, "/"),
		httpClient: &http.Client{
			Timeout: 2 * time.Minute,
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
		return nil, fmt.Errorf("face service unreachable: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("face service not ready: status %d", resp.StatusCode)
	}

	name := d.ModelRef
	if name == "" {
		name = d.ID
	}
	return &Model{loader: l, name: name}, nil
}

// Model is a face model hosted by the sidecar
type Model struct {
	loader *Loader
	name   string
}

var _ client.FaceAnalyzer = (*Model)(nil)

// DetectFaces returns the faces in img with normalized boxes, most confident first
func (m *Model) DetectFaces(ctx context.Context, img *processing.Image) ([]types.FaceDetection, error) {
	var resp DetectResponse
	if err := m.call(ctx, "/detect", img, &resp); err != nil {
		return nil, err
	}

	faces := make([]types.FaceDetection, 0, len(resp.Faces))
	for _, f := range resp.Faces {
		faces = append(faces, types.FaceDetection{
			Box:        detection.NormalizeBox(f.Box, img.Width(), img.Height()),
			Confidence: f.Confidence,
		})
	}
	return faces, nil
}

// Embed computes the embedding of a cropped face
func (m *Model) Embed(ctx context.Context, face *processing.Image) ([]float32, error) {
	var resp EmbedResponse
	if err := m.call(ctx, "/embed", face, &resp); err != nil {
		return nil, err
	}
	if len(resp.Embedding) == 0 {
		return nil, fmt.Errorf("empty embedding in response")
	}
	return resp.Embedding, nil
}

func (m *Model) Close() error {
	return nil
}

func (m *Model) call(ctx context.Context, endpoint string, img *processing.Image, out interface{}) error {
	imgB64, err := img.Base64(m.loader.encoding)
	if err != nil {
		return err
	}

	body, err := m.loader.sendRequest(ctx, endpoint, ImageRequest{Model: m.name, Image: imgB64})
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %v", err)
	}
	return nil
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
		var e errorResponse
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return nil, fmt.Errorf("server returned status %d: %s", resp.StatusCode, e.Error)
		}
		return nil, fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}

	return body, nil
}
