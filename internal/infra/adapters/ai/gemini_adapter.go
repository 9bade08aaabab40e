package ai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"chatiq/internal/domain/ports/adapter"
)

var _ adapter.AIServiceAdapter = (*GeminiAdapter)(nil)

type GeminiAdapter struct {
	client       *genai.Client
	defaultModel string
	maxOut       int
}

// NewGeminiAdapter creates a Gemini adapter using the official SDK.
func NewGeminiAdapter(ctx context.Context, apiKey, baseURL, defaultModel string, maxOut int) (*GeminiAdapter, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: empty api key")
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{
			BaseURL: baseURL,
		},
	})
	if err != nil {
		return nil, err
	}
	return &GeminiAdapter{client: c, defaultModel: defaultModel, maxOut: maxOut}, nil
}

func (g *GeminiAdapter) ListModels(ctx context.Context) ([]string, error) {
	models := g.client.Models.All(ctx)
	var out []string
	for m := range models {
		if m.Name != "" {
			out = append(out, m.Name)
		}
	}
	if len(out) == 0 && g.defaultModel != "" {
		// Best-effort fallback to default
		out = []string{g.defaultModel}
	}
	return out, nil
}

func (g *GeminiAdapter) CountTokens(ctx context.Context, model string, turns []adapter.Turn) (int, error) {
	contents, err := toGenAIContents(turns)
	if err != nil {
		return 0, err
	}
	resp, err := g.client.Models.CountTokens(ctx, modelOrDefault(model, g.defaultModel), contents, nil)
	if err != nil {
		return 0, err
	}
	return int(resp.TotalTokens), nil
}

func (g *GeminiAdapter) Generate(ctx context.Context, model string, turns []adapter.Turn) (string, error) {
	reply, _, err := g.generateCore(ctx, model, turns)
	return reply, err
}

func (g *GeminiAdapter) GenerateWithUsage(ctx context.Context, model string, turns []adapter.Turn) (string, adapter.Usage, error) {
	return g.generateCore(ctx, model, turns)
}

// --- internal ---

func (g *GeminiAdapter) generateCore(ctx context.Context, model string, turns []adapter.Turn) (string, adapter.Usage, error) {
	if len(turns) == 0 {
		return "", adapter.Usage{}, errors.New("gemini: no turns")
	}
	last := turns[len(turns)-1]
	if last.Role != adapter.RoleUser {
		return "", adapter.Usage{}, errors.New("gemini: last turn must be from user")
	}

	history, err := toGenAIContents(turns[:len(turns)-1])
	if err != nil {
		return "", adapter.Usage{}, err
	}
	chat, err := g.client.Chats.Create(
		ctx,
		modelOrDefault(model, g.defaultModel),
		&genai.GenerateContentConfig{
			MaxOutputTokens: int32(g.maxOut),
		},
		history,
	)
	if err != nil {
		return "", adapter.Usage{}, err
	}

	parts, err := toGenAIParts(last)
	if err != nil {
		return "", adapter.Usage{}, err
	}
	resp, err := chat.SendMessage(ctx, parts...)
	if err != nil {
		return "", adapter.Usage{}, err
	}

	// Extract text
	text := ""
	if resp != nil && len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil && len(resp.Candidates[0].Content.Parts) > 0 {
		if t := resp.Candidates[0].Content.Parts[0].Text; t != "" {
			text = t
		}
	}
	// Usage (if present)
	u := adapter.Usage{}
	if resp != nil && resp.UsageMetadata != nil {
		u.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
		u.CompletionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		u.TotalTokens = int(resp.UsageMetadata.TotalTokenCount)
	}
	return text, u, nil
}

func toGenAIParts(t adapter.Turn) ([]genai.Part, error) {
	parts := []genai.Part{{Text: t.Text}}
	if t.Image != nil {
		raw, err := base64.StdEncoding.DecodeString(t.Image.Data)
		if err != nil {
			return nil, fmt.Errorf("gemini: decode inline image: %w", err)
		}
		parts = append(parts, genai.Part{
			InlineData: &genai.Blob{MIMEType: t.Image.MimeType, Data: raw},
		})
	}
	return parts, nil
}

func toGenAIContents(turns []adapter.Turn) ([]*genai.Content, error) {
	out := make([]*genai.Content, 0, len(turns))
	for _, t := range turns {
		role := genai.RoleUser
		if strings.ToLower(t.Role) == adapter.RoleModel {
			role = genai.RoleModel
		}
		parts, err := toGenAIParts(t)
		if err != nil {
			return nil, err
		}
		contentParts := make([]*genai.Part, len(parts))
		for i := range parts {
			contentParts[i] = &parts[i]
		}
		out = append(out, &genai.Content{Role: role, Parts: contentParts})
	}
	return out, nil
}

func modelOrDefault(model, def string) string {
	if strings.TrimSpace(model) != "" {
		return model
	}
	return def
}
