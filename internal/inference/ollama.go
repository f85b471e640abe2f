package inference

import (
	"context"
	"encoding/base64"
	"io"
	"time"

	"github.com/ellisvalentiner/midot-traffic-dashboard-sub000/internal/ollama"
)

// Ollama runs inference against an Ollama vision model.
type Ollama struct {
	client *ollama.Client
	model  string
}

// NewOllama creates an Ollama backend.
func NewOllama(baseURL, model string, timeout time.Duration) *Ollama {
	return &Ollama{client: ollama.New(baseURL, timeout), model: model}
}

func (o *Ollama) Name() string { return "ollama/" + o.model }

// Infer sends image with Prompt and ResponseSchema at temperature 0.
func (o *Ollama) Infer(ctx context.Context, image []byte) (string, error) {
	if err := checkImage(image); err != nil {
		return "", err
	}
	msgs := []ollama.Message{{
		Role:    "user",
		Content: Prompt,
		Images:  []string{base64.StdEncoding.EncodeToString(image)},
	}}
	return o.client.Chat(ctx, o.model, msgs, ResponseSchema, &ollama.Options{Temperature: 0})
}

// EnsureReady verifies Ollama is up and pulls the model if needed.
func (o *Ollama) EnsureReady(ctx context.Context, w io.Writer) error {
	return ollama.EnsureReady(ctx, o.client, o.model, w)
}
