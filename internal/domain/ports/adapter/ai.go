package adapter

import "context"

const (
	RoleUser  = "user"
	RoleModel = "model"
)

// InlineImage is a base64-encoded image attachment carried on a single turn.
type InlineImage struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"` // base64 payload, no data-URL prefix
}

// Turn is one role-tagged unit of conversational content sent to the model
// endpoint. At most the latest turn carries an image.
type Turn struct {
	Role  string       `json:"role"` // RoleUser | RoleModel
	Text  string       `json:"text"`
	Image *InlineImage `json:"image,omitempty"`
}

// Usage for a single generate call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// AIServiceAdapter is the port for the hosted language-model endpoint.
type AIServiceAdapter interface {
	ListModels(ctx context.Context) ([]string, error)

	// CountTokens returns prompt tokens for the provided turns
	// (provider-specific counting; best-effort when exact isn't available).
	CountTokens(ctx context.Context, model string, turns []Turn) (int, error)

	// Generate returns only the model text.
	Generate(ctx context.Context, model string, turns []Turn) (string, error)

	// GenerateWithUsage returns model text + usage as reported by the provider.
	GenerateWithUsage(ctx context.Context, model string, turns []Turn) (string, Usage, error)
}
