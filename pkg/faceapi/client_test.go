package faceapi

import (
	"context"
	"encoding/json"
	"image"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/menta2k/visionhub/pkg/capability"
	"github.com/menta2k/visionhub/pkg/client"
	"github.com/menta2k/visionhub/pkg/processing"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}

		var req ImageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Image == "" {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"missing image"}`))
			return
		}
		if req.Model != "arcface" {
			t.Errorf("Expected model arcface, got %q", req.Model)
		}

		switch r.URL.Path {
		case "/detect":
			// pixel coordinates on a 200x100 image
			w.Write([]byte(`{"faces":[{"box":{"x":50,"y":25,"width":100,"height":50},"confidence":0.97}]}`))
		case "/embed":
			w.Write([]byte(`{"embedding":[0.6,0.8,0]}`))
		default:
			http.NotFound(w, r)
		}
	}))
}

func load(t *testing.T, url string) client.FaceAnalyzer {
	t.Helper()
	m, err := NewLoader(url, processing.DefaultEncodeSettings()).Load(context.Background(), capability.Descriptor{ID: "face", ModelRef: "arcface"})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	return m.(client.FaceAnalyzer)
}

func TestDetectFaces(t *testing.T) {
	srv := newServer(t)
	defer srv.Close()

	fa := load(t, srv.URL)
	faces, err := fa.DetectFaces(context.Background(), processing.FromImage(image.NewRGBA(image.Rect(0, 0, 200, 100))))
	if err != nil {
		t.Fatalf("DetectFaces failed: %v", err)
	}
	if len(faces) != 1 {
		t.Fatalf("Expected 1 face, got %d", len(faces))
	}
	if faces[0].Box.X != 0.25 || faces[0].Box.Width != 0.5 || faces[0].Box.Height != 0.5 {
		t.Errorf("Expected normalized box, got %+v", faces[0].Box)
	}
	if faces[0].Confidence != 0.97 {
		t.Errorf("Expected confidence 0.97, got %f", faces[0].Confidence)
	}
}

func TestEmbed(t *testing.T) {
	srv := newServer(t)
	defer srv.Close()

	emb, err := load(t, srv.URL).Embed(context.Background(), processing.FromImage(image.NewRGBA(image.Rect(0, 0, 32, 32))))
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if len(emb) != 3 || emb[1] != 0.8 {
		t.Errorf("Unexpected embedding %v", emb)
	}
}

func TestServerErrorMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"model crashed"}`))
	}))
	defer srv.Close()

	_, err := load(t, srv.URL).Embed(context.Background(), processing.FromImage(image.NewRGBA(image.Rect(0, 0, 8, 8))))
	if err == nil || !strings.Contains(err.Error(), "model crashed") {
		t.Errorf("Expected server error to surface, got %v", err)
	}
}
