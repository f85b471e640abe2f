package inference

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"time"

	"github.com/ellisvalentiner/midot-traffic-dashboard-sub000/internal/proxy"
)

// OpenRouter runs inference through OpenRouter's OpenAI-compatible API.
type OpenRouter struct {
	client *proxy.Client
	model  string
}

// NewOpenRouter creates an OpenRouter backend. An empty baseURL uses the
// public endpoint.
func NewOpenRouter(apiKey, baseURL, model string, timeout time.Duration) *OpenRouter {
	var c *proxy.Client
	if baseURL == "" {
		c = proxy.NewClient(apiKey)
	} else {
		c = proxy.NewClientWithBaseURL(apiKey, baseURL)
	}
	c.SetTimeout(timeout)
	return &OpenRouter{client: c, model: model}
}

func (o *OpenRouter) Name() string { return "openrouter/" + o.model }

// Infer sends image as a data URI alongside Prompt.
func (o *OpenRouter) Infer(ctx context.Context, image []byte) (string, error) {
	if err := checkImage(image); err != nil {
		return "", err
	}
	uri := "data:" + mediaType(image) + ";base64," + base64.StdEncoding.EncodeToString(image)
	zero := 0.0
	req := proxy.ChatRequest{
		Model: o.model,
		Messages: []proxy.Message{{
			Role:    "user",
			Content: []proxy.ContentPart{proxy.TextPart(Prompt), proxy.ImagePart(uri)},
		}},
		Temperature:    &zero,
		ResponseFormat: &proxy.ResponseFormat{Type: "json_object"},
	}
	return o.client.Complete(ctx, req)
}

// EnsureReady checks that OpenRouter answers and lists the configured model.
// An unlisted model is reported but not fatal.
func (o *OpenRouter) EnsureReady(ctx context.Context, w io.Writer) error {
	models, err := o.client.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("contacting openrouter: %w", err)
	}
	for _, m := range models {
		if m.ID == o.model {
			fmt.Fprintf(w, "model %s: ready\n", o.model)
			return nil
		}
	}
	fmt.Fprintf(w, "model %s: not listed by openrouter, requests may fail\n", o.model)
	return nil
}
