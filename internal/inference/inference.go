// Package inference sends snapshot images to a vision model and returns the
// raw text of its answer. Parsing the answer is the detection package's job.
package inference

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ellisvalentiner/midot-traffic-dashboard-sub000/internal/failure"
)

// Client abstracts a vision inference backend. Errors returned from Infer
// carry a failure.Kind so callers can tell transport problems from rejected
// or malformed responses.
type Client interface {
	// Infer asks the model to enumerate vehicles in image and returns its raw reply.
	Infer(ctx context.Context, image []byte) (string, error)

	// Name identifies the backend and model for logs, e.g. "ollama/qwen2.5vl:7b".
	Name() string
}

// Readier is implemented by backends that can check or prepare themselves
// before the first inference call.
type Readier interface {
	EnsureReady(ctx context.Context, w io.Writer) error
}

// Backend names accepted by New.
const (
	BackendOllama     = "ollama"
	BackendOpenRouter = "openrouter"
)

// Config selects and parameterizes a backend.
type Config struct {
	Backend          string
	BaseURL          string
	Model            string
	Timeout          time.Duration
	OpenRouterAPIKey string
	OpenRouterModel  string
}

// New builds the configured backend.
func New(cfg Config) (Client, error) {
	switch cfg.Backend {
	case "", BackendOllama:
		return NewOllama(cfg.BaseURL, cfg.Model, cfg.Timeout), nil
	case BackendOpenRouter:
		if cfg.OpenRouterAPIKey == "" {
			return nil, fmt.Errorf("openrouter backend requires openrouter.api_key (or MIDOT_OPENROUTER_API_KEY)")
		}
		return NewOpenRouter(cfg.OpenRouterAPIKey, "", cfg.OpenRouterModel, cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("unknown inference backend %q (want %s or %s)", cfg.Backend, BackendOllama, BackendOpenRouter)
	}
}

// EnsureReady runs c's readiness check when it has one.
func EnsureReady(ctx context.Context, c Client, w io.Writer) error {
	if r, ok := c.(Readier); ok {
		return r.EnsureReady(ctx, w)
	}
	return nil
}

func checkImage(image []byte) error {
	if len(image) == 0 {
		return failure.Errorf(failure.Rejected, "infer", "image is empty")
	}
	return nil
}

// mediaType sniffs the image type, defaulting to JPEG which is what traffic
// cameras publish.
func mediaType(image []byte) string {
	ct := http.DetectContentType(image)
	switch ct {
	case "image/jpeg", "image/png", "image/gif", "image/webp":
		return ct
	}
	return "image/jpeg"
}
