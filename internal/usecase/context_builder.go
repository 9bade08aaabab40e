package usecase

import (
	"context"
	"fmt"

	"chatiq/internal/domain"
	"chatiq/internal/domain/model"
	"chatiq/internal/domain/ports/adapter"
	"chatiq/internal/domain/ports/repository"
)

// HistoryWindow is the hard cap on prior messages fetched for model context.
// No pagination beyond the cap regardless of session length: this bounds both
// network payload and token cost at the expense of long-range memory.
const HistoryWindow = 10

// personaPreamble defines the assistant's persona and formatting rules. It is
// prepended to the user query on every request.
const personaPreamble = `SYSTEM GUIDELINES FOR CHATIQ:
You are a helpful and knowledgeable assistant named ChatIQ. Your goal is to provide clear, accurate, and friendly responses.

1.  **Response Style**: Be conversational and natural. For simple queries, provide concise answers. For complex topics (like code, explanations, or recipes), give detailed, well-structured responses.
2.  **Formatting**: Use Markdown for clarity: **bold** for key terms, *italics* for nuance or titles, numbered or bulleted lists for steps or items.
3.  **Code Blocks**: When providing code, introduce it first, then enclose it in a Markdown code block with the language specifier.
4.  **Image Analysis**: If an image is provided, describe what you see and incorporate that analysis into your response to the user's text query. If there's no text, simply describe the image.
5.  **Safety & Tone**: Maintain a positive and safe tone. Do not generate inappropriate or offensive content.`

// imageOnlyQuery stands in for the user text when a submission carries an
// image and nothing else.
const imageOnlyQuery = "Describe and analyze the attached image."

// ContextBuilder assembles the bounded-window history sent to the model
// endpoint from persisted messages.
type ContextBuilder struct {
	convo  repository.ConversationRepository
	window int
}

func NewContextBuilder(convo repository.ConversationRepository) *ContextBuilder {
	return &ContextBuilder{convo: convo, window: HistoryWindow}
}

// BuildHistory returns the most recent window of persisted text messages in
// chronological order, each mapped to a role-tagged turn. Image messages are
// excluded: only the latest image (carried on the current turn) reaches the
// model. An empty or draft session yields an empty sequence.
func (b *ContextBuilder) BuildHistory(ctx context.Context, userID, sessionID string) ([]adapter.Turn, error) {
	if sessionID == "" {
		return nil, nil
	}
	recent, err := b.convo.RecentMessages(ctx, userID, sessionID, b.window)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch history: %v", domain.ErrStorageFailure, err)
	}

	// recent is newest-first; walk backwards to restore chronological order.
	turns := make([]adapter.Turn, 0, len(recent))
	for i := len(recent) - 1; i >= 0; i-- {
		m := recent[i]
		if m.Type != model.MessageText {
			continue
		}
		role := adapter.RoleModel
		if m.Sender == model.SenderUser {
			role = adapter.RoleUser
		}
		turns = append(turns, adapter.Turn{Role: role, Text: m.Content})
	}
	return turns, nil
}

// CurrentTurn builds the turn for the request being sent: the persona preamble
// concatenated with the user's raw text (or the image-only placeholder), plus
// the inline image attachment when present.
func (b *ContextBuilder) CurrentTurn(text string, image *adapter.InlineImage) adapter.Turn {
	query := text
	if query == "" && image != nil {
		query = imageOnlyQuery
	}
	return adapter.Turn{
		Role:  adapter.RoleUser,
		Text:  personaPreamble + "\n\nUSER QUERY:\n" + query,
		Image: image,
	}
}
