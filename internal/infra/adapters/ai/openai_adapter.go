package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/pkoukk/tiktoken-go"

	"chatiq/internal/domain/ports/adapter"
)

// Compile-time assurance this adapter satisfies the port
var _ adapter.AIServiceAdapter = (*OpenAIAdapter)(nil)

// OpenAIAdapter implements adapter.AIServiceAdapter using the Chat Completions API.
type OpenAIAdapter struct {
	client openai.Client
	model  string
	maxOut int
}

func NewOpenAIAdapter(apiKey, baseURL, model string, maxOut int) (*OpenAIAdapter, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key empty")
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(baseURL, "/")))
	}
	return &OpenAIAdapter{
		client: openai.NewClient(opts...),
		model:  model,
		maxOut: maxOut,
	}, nil
}

func (o *OpenAIAdapter) ListModels(ctx context.Context) ([]string, error) {
	page, err := o.client.Models.List(ctx)
	if err != nil {
		// Degrade to the configured model rather than failing the caller.
		return []string{o.model}, nil
	}
	out := make([]string, 0, len(page.Data))
	for _, m := range page.Data {
		out = append(out, m.ID)
	}
	if len(out) == 0 {
		out = []string{o.model}
	}
	return out, nil
}

// CountTokens approximates prompt size locally with tiktoken. Image turns
// are not counted; only their accompanying text is.
func (o *OpenAIAdapter) CountTokens(ctx context.Context, model string, turns []adapter.Turn) (int, error) {
	if model == "" {
		model = o.model
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return 0, err
		}
	}
	total := 0
	for _, t := range turns {
		total += len(enc.Encode(t.Text, nil, nil))
	}
	return total, nil
}

func (o *OpenAIAdapter) Generate(ctx context.Context, model string, turns []adapter.Turn) (string, error) {
	reply, _, err := o.GenerateWithUsage(ctx, model, turns)
	return reply, err
}

func (o *OpenAIAdapter) GenerateWithUsage(ctx context.Context, model string, turns []adapter.Turn) (string, adapter.Usage, error) {
	if model == "" {
		model = o.model
	}
	if len(turns) == 0 {
		return "", adapter.Usage{}, errors.New("openai: no turns")
	}

	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(turns))
	for _, t := range turns {
		if t.Role == adapter.RoleModel {
			msgs = append(msgs, openai.AssistantMessage(t.Text))
			continue
		}
		if t.Image == nil {
			msgs = append(msgs, openai.UserMessage(t.Text))
			continue
		}
		parts := []openai.ChatCompletionContentPartUnionParam{
			openai.TextContentPart(t.Text),
			openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
				URL: fmt.Sprintf("data:%s;base64,%s", t.Image.MimeType, t.Image.Data),
			}),
		}
		msgs = append(msgs, openai.UserMessage(parts))
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: msgs,
	}
	if o.maxOut > 0 {
		params.MaxTokens = openai.Int(int64(o.maxOut))
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", adapter.Usage{}, err
	}
	if len(resp.Choices) == 0 {
		return "", adapter.Usage{}, errors.New("openai: no choice content")
	}
	u := adapter.Usage{
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
		TotalTokens:      int(resp.Usage.TotalTokens),
	}
	return resp.Choices[0].Message.Content, u, nil
}
