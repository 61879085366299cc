package llamacpp

import (
	"context"
	"encoding/json"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/menta2k/visionhub/pkg/capability"
	"github.com/menta2k/visionhub/pkg/client"
	"github.com/menta2k/visionhub/pkg/processing"
)

func createTestImage(width, height int) *processing.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 128, 255})
		}
	}
	return processing.FromImage(img)
}

func newServer(t *testing.T, reply string, seen *ChatCompletionRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.Write([]byte(`{"status":"ok"}`))
		case "/v1/chat/completions":
			if seen != nil {
				if err := json.NewDecoder(r.Body).Decode(seen); err != nil {
					t.Errorf("bad request body: %v", err)
				}
			}
			resp := ChatCompletionResponse{Choices: []Choice{{Message: Message{Role: "assistant", Content: reply}}}}
			json.NewEncoder(w).Encode(resp)
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestGenerateText(t *testing.T) {
	var seen ChatCompletionRequest
	srv := newServer(t, "A red square on a grey background.", &seen)
	defer srv.Close()

	loader := NewLoader(srv.URL, processing.DefaultEncodeSettings())
	model, err := loader.Load(context.Background(), capability.Descriptor{ID: "llava", ModelRef: "llava-1.6"})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	gen := model.(client.TextGenerator)
	text, err := gen.GenerateText(context.Background(), createTestImage(64, 48), client.TextRequest{
		Prompt:       "Describe.",
		MaxNewTokens: 100,
	})
	if err != nil {
		t.Fatalf("GenerateText failed: %v", err)
	}
	if text != "A red square on a grey background." {
		t.Errorf("Unexpected text %q", text)
	}

	if seen.Model != "llava-1.6" {
		t.Errorf("Expected model llava-1.6, got %s", seen.Model)
	}
	if seen.MaxTokens != 100 || seen.Temperature != 0 {
		t.Errorf("Expected max_tokens 100 and greedy decoding, got %d / %v", seen.MaxTokens, seen.Temperature)
	}
	parts, ok := seen.Messages[0].Content.([]interface{})
	if !ok || len(parts) != 2 {
		t.Fatalf("Expected text and image parts, got %#v", seen.Messages[0].Content)
	}
	imagePart := parts[1].(map[string]interface{})["image_url"].(map[string]interface{})
	if !strings.HasPrefix(imagePart["url"].(string), "data:image/jpeg;base64,") {
		t.Errorf("Expected a jpeg data URL, got %.40s", imagePart["url"])
	}
}

func TestDetectObjects(t *testing.T) {
	srv := newServer(t, `{"objects":[{"label":"cat","confidence":0.9,"box":{"x":0.1,"y":0.2,"width":0.3,"height":0.4}}]}`, nil)
	defer srv.Close()

	model, err := NewLoader(srv.URL, processing.DefaultEncodeSettings()).Load(context.Background(), capability.Descriptor{ID: "llava"})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	objs, err := model.(client.ObjectDetector).DetectObjects(context.Background(), createTestImage(32, 32))
	if err != nil {
		t.Fatalf("DetectObjects failed: %v", err)
	}
	if len(objs) != 1 || objs[0].Label != "cat" {
		t.Errorf("Unexpected objects %+v", objs)
	}
}

func TestLoadUnhealthyServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	if _, err := NewLoader(srv.URL, processing.DefaultEncodeSettings()).Load(context.Background(), capability.Descriptor{ID: "x"}); err == nil {
		t.Error("Expected Load to fail against an unhealthy server")
	}
}
