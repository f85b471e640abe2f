package inference

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ellisvalentiner/midot-traffic-dashboard-sub000/internal/failure"
)

// jpegHeader is enough for http.DetectContentType to report image/jpeg.
var jpegHeader = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00}

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		wantName string
		wantErr  string
	}{
		{"default ollama", Config{BaseURL: "http://localhost:11434", Model: "qwen2.5vl:7b"}, "ollama/qwen2.5vl:7b", ""},
		{"explicit ollama", Config{Backend: BackendOllama, Model: "llava"}, "ollama/llava", ""},
		{"openrouter", Config{Backend: BackendOpenRouter, OpenRouterAPIKey: "k", OpenRouterModel: "google/gemini-2.0-flash-001"}, "openrouter/google/gemini-2.0-flash-001", ""},
		{"openrouter without key", Config{Backend: BackendOpenRouter}, "", "requires openrouter.api_key"},
		{"unknown", Config{Backend: "mlx"}, "", "unknown inference backend"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(tt.cfg)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if c.Name() != tt.wantName {
				t.Errorf("Name() = %q, want %q", c.Name(), tt.wantName)
			}
		})
	}
}

func TestOllamaInfer(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		fmt.Fprint(w, `{"message":{"role":"assistant","content":"{\"bounding_boxes\":[]}"}}`)
	}))
	defer srv.Close()

	c := NewOllama(srv.URL, "qwen2.5vl:7b", 0)
	raw, err := c.Infer(context.Background(), jpegHeader)
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if raw != `{"bounding_boxes":[]}` {
		t.Errorf("raw = %q", raw)
	}

	msgs, _ := got["messages"].([]any)
	if len(msgs) != 1 {
		t.Fatalf("messages = %v", got["messages"])
	}
	msg := msgs[0].(map[string]any)
	if msg["content"] != Prompt {
		t.Error("prompt not sent")
	}
	images, _ := msg["images"].([]any)
	if len(images) != 1 || images[0] != base64.StdEncoding.EncodeToString(jpegHeader) {
		t.Errorf("images = %v", msg["images"])
	}
	format, _ := got["format"].(map[string]any)
	if format["type"] != "object" {
		t.Errorf("format = %v, want response schema", got["format"])
	}
}

func TestOllamaInfer_EmptyImage(t *testing.T) {
	c := NewOllama("http://127.0.0.1:1", "m", 0)
	_, err := c.Infer(context.Background(), nil)
	if failure.KindOf(err) != failure.Rejected {
		t.Errorf("kind = %v, want rejected", failure.KindOf(err))
	}
}

func TestOpenRouterInfer(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&body)
		fmt.Fprint(w, `{"id":"g","choices":[{"message":{"role":"assistant","content":"{\"bounding_boxes\":[]}"}}]}`)
	}))
	defer srv.Close()

	c := NewOpenRouter("key", srv.URL, "google/gemini-2.0-flash-001", 0)
	raw, err := c.Infer(context.Background(), jpegHeader)
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if raw != `{"bounding_boxes":[]}` {
		t.Errorf("raw = %q", raw)
	}

	msgs := body["messages"].([]any)
	parts := msgs[0].(map[string]any)["content"].([]any)
	if len(parts) != 2 {
		t.Fatalf("parts = %v", parts)
	}
	img := parts[1].(map[string]any)["image_url"].(map[string]any)
	url, _ := img["url"].(string)
	if !strings.HasPrefix(url, "data:image/jpeg;base64,") {
		t.Errorf("image url = %q", url)
	}
	if rf, _ := body["response_format"].(map[string]any); rf["type"] != "json_object" {
		t.Errorf("response_format = %v", body["response_format"])
	}
}

func TestOpenRouterInfer_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewOpenRouter("key", srv.URL, "m", 0)
	_, err := c.Infer(context.Background(), jpegHeader)
	if failure.KindOf(err) != failure.RateLimited {
		t.Errorf("kind = %v, want rate_limited", failure.KindOf(err))
	}
}

func TestOpenRouterEnsureReady(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"object":"list","data":[{"id":"google/gemini-2.0-flash-001"}]}`)
	}))
	defer srv.Close()

	var out strings.Builder
	c := NewOpenRouter("key", srv.URL, "google/gemini-2.0-flash-001", 0)
	if err := EnsureReady(context.Background(), c, &out); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if !strings.Contains(out.String(), "ready") {
		t.Errorf("output = %q", out.String())
	}
}

type stubClient struct{}

func (stubClient) Infer(context.Context, []byte) (string, error) { return "", nil }
func (stubClient) Name() string                                  { return "stub" }

func TestEnsureReady_NoReadier(t *testing.T) {
	if err := EnsureReady(context.Background(), stubClient{}, io.Discard); err != nil {
		t.Errorf("EnsureReady on client without readiness check = %v", err)
	}
}

func TestMediaType(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n0000")
	if got := mediaType(png); got != "image/png" {
		t.Errorf("png = %q", got)
	}
	if got := mediaType([]byte("not an image")); got != "image/jpeg" {
		t.Errorf("fallback = %q, want image/jpeg", got)
	}
}
