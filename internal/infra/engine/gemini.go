package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/gennino/gennino/internal/domain"
	"github.com/gennino/gennino/internal/infra/media"
	"github.com/gennino/gennino/internal/infra/registry"
)

// Gemini describes images with a hosted Gemini model. It needs no local
// blobs, so the feature is always available.
type Gemini struct {
	client *genai.Client
	model  string
}

// NewGemini creates the backend. An empty apiKey is a configuration error.
func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, domain.ErrMissingAPIKey
	}
	model = strings.TrimSpace(model)
	if model == "" {
		model = "gemini-1.5-flash"
	}
	cl, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &Gemini{client: cl, model: model}, nil
}

func (g *Gemini) Name() string { return "gemini" }
func (g *Gemini) Local() bool  { return false }

// Model returns the configured model name.
func (g *Gemini) Model() string { return g.model }

// Generate streams the model's answer chunk by chunk.
func (g *Gemini) Generate(ctx context.Context, _ registry.Bundle, req domain.DescriptionRequest, onPartial func(string)) error {
	data, err := media.EncodeJPEG(req.Image, 90)
	if err != nil {
		return err
	}

	m := g.client.GenerativeModel(g.model)
	m.SetTemperature(req.Temperature)

	iter := m.GenerateContentStream(ctx, genai.ImageData("jpeg", data), genai.Text(req.Prompt))
	emitted := false
	for {
		resp, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return fmt.Errorf("gemini %s: %w", g.model, err)
		}
		if txt := responseText(resp); txt != "" {
			emitted = true
			onPartial(txt)
		}
	}
	if !emitted {
		return fmt.Errorf("gemini %s: empty response", g.model)
	}
	return nil
}

// Close releases the underlying client.
func (g *Gemini) Close() error { return g.client.Close() }

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	var sb strings.Builder
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, p := range cand.Content.Parts {
			if t, ok := p.(genai.Text); ok {
				sb.WriteString(string(t))
			}
		}
		break
	}
	return sb.String()
}
