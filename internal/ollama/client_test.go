package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ellisvalentiner/midot-traffic-dashboard-sub000/internal/failure"
)

// tagsJSON builds a /api/tags response with the given model names.
func tagsJSON(names ...string) []byte {
	type entry struct {
		Name string `json:"name"`
	}
	type resp struct {
		Models []entry `json:"models"`
	}
	r := resp{}
	for _, n := range names {
		r.Models = append(r.Models, entry{Name: n})
	}
	b, _ := json.Marshal(r)
	return b
}

func TestIsRunning_Up(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(tagsJSON("qwen2.5vl:7b"))
	}))
	defer srv.Close()

	c := New(srv.URL, 0)
	if !c.IsRunning(context.Background()) {
		t.Error("IsRunning() = false, want true")
	}
}

func TestIsRunning_Down(t *testing.T) {
	// Point at a closed server to simulate connection refused.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := New(srv.URL, 0)
	if c.IsRunning(context.Background()) {
		t.Error("IsRunning() = true, want false")
	}
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(tagsJSON("qwen2.5vl:7b", "llava:latest"))
	}))
	defer srv.Close()

	c := New(srv.URL, 0)
	models, err := c.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}

	want := []string{"qwen2.5vl:7b", "llava:latest"}
	if len(models) != len(want) {
		t.Fatalf("got %d models, want %d", len(models), len(want))
	}
	for i, w := range want {
		if models[i] != w {
			t.Errorf("models[%d] = %q, want %q", i, models[i], w)
		}
	}
}

func TestHasModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(tagsJSON("llava:latest", "qwen2.5vl:7b"))
	}))
	defer srv.Close()

	c := New(srv.URL, 0)
	if !c.HasModel(context.Background(), "llava") {
		t.Error("HasModel(llava) = false, want true")
	}
	if !c.HasModel(context.Background(), "qwen2.5vl:7b") {
		t.Error("HasModel(qwen2.5vl:7b) = false, want true")
	}
	if c.HasModel(context.Background(), "moondream") {
		t.Error("HasModel(moondream) = true, want false")
	}
}

func TestChat_SendsImagesAndSchema(t *testing.T) {
	var captured chatRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &captured); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		if !bytes.Contains(body, []byte(`"format":{"type":"object"`)) {
			t.Errorf("format not sent as schema object: %s", body)
		}
		json.NewEncoder(w).Encode(chatResponse{
			Message: Message{Role: "assistant", Content: `{"bounding_boxes":[]}`},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, 0)
	schema := &Schema{
		Type: "object",
		Properties: map[string]*Schema{
			"bounding_boxes": {Type: "array", Items: &Schema{Type: "object"}},
		},
		Required: []string{"bounding_boxes"},
	}
	result, err := c.Chat(context.Background(), "qwen2.5vl:7b", []Message{
		{Role: "user", Content: "find vehicles", Images: []string{"aW1n"}},
	}, schema, &Options{Temperature: 0})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if result != `{"bounding_boxes":[]}` {
		t.Errorf("result = %q", result)
	}
	if captured.Model != "qwen2.5vl:7b" || captured.Stream {
		t.Errorf("request = %+v", captured)
	}
	if len(captured.Messages) != 1 || len(captured.Messages[0].Images) != 1 || captured.Messages[0].Images[0] != "aW1n" {
		t.Errorf("images not forwarded: %+v", captured.Messages)
	}
	if captured.Options == nil {
		t.Error("options not forwarded")
	}
}

func TestChat_ErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   failure.Kind
	}{
		{"rate limited", http.StatusTooManyRequests, "slow down", failure.RateLimited},
		{"server error", http.StatusInternalServerError, "oom", failure.Transport},
		{"bad request", http.StatusBadRequest, "model does not support images", failure.Rejected},
		{"not found", http.StatusNotFound, `{"error":"model not found"}`, failure.Rejected},
		{"garbage body", http.StatusOK, "<html>", failure.Malformed},
		{"error field", http.StatusOK, `{"error":"invalid image"}`, failure.Rejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			c := New(srv.URL, 0)
			_, err := c.Chat(context.Background(), "m", []Message{{Role: "user", Content: "x"}}, nil, nil)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := failure.KindOf(err); got != tt.want {
				t.Errorf("kind = %v, want %v (err: %v)", got, tt.want, err)
			}
		})
	}
}

func TestChat_ConnectionRefusedIsTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := New(srv.URL, 0)
	_, err := c.Chat(context.Background(), "m", nil, nil, nil)
	if failure.KindOf(err) != failure.Transport {
		t.Errorf("kind = %v, want transport (err: %v)", failure.KindOf(err), err)
	}
}

func TestPullModel_Progress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/pull" {
			http.NotFound(w, r)
			return
		}

		var reqBody pullRequest
		json.NewDecoder(r.Body).Decode(&reqBody)
		if reqBody.Name != "qwen2.5vl:7b" {
			t.Errorf("pull model = %q, want %q", reqBody.Name, "qwen2.5vl:7b")
		}

		// Stream progress lines as newline-delimited JSON.
		enc := json.NewEncoder(w)
		enc.Encode(PullProgress{Status: "downloading", Total: 1000, Completed: 500})
		enc.Encode(PullProgress{Status: "downloading", Total: 1000, Completed: 1000})
		enc.Encode(PullProgress{Status: "success"})
	}))
	defer srv.Close()

	c := New(srv.URL, 0)
	var progressCount int
	err := c.PullModel(context.Background(), "qwen2.5vl:7b", func(p PullProgress) {
		progressCount++
	})
	if err != nil {
		t.Fatalf("PullModel: %v", err)
	}

	if progressCount != 3 {
		t.Errorf("received %d progress updates, want 3", progressCount)
	}
}

func TestEnsureReady_OllamaDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := New(srv.URL, 0)
	err := EnsureReady(context.Background(), c, "qwen2.5vl:7b", io.Discard)
	if err == nil {
		t.Fatal("expected error when Ollama is down")
	}

	want := "Ollama is not running"
	if got := err.Error(); !strings.Contains(got, want) {
		t.Errorf("error = %q, want it to contain %q", got, want)
	}
}

func TestEnsureReady_PullsMissingModel(t *testing.T) {
	pulled := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			w.Write(tagsJSON("llava:latest"))
		case "/api/pull":
			pulled = true
			json.NewEncoder(w).Encode(PullProgress{Status: "success"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	var out bytes.Buffer
	c := New(srv.URL, 0)
	if err := EnsureReady(context.Background(), c, "qwen2.5vl:7b", &out); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if !pulled {
		t.Error("expected missing model to be pulled")
	}
	if !strings.Contains(out.String(), "model qwen2.5vl:7b: ready") {
		t.Errorf("output = %q", out.String())
	}
}
