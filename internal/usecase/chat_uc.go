package usecase

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"chatiq/internal/domain"
	"chatiq/internal/domain/model"
	"chatiq/internal/domain/ports/adapter"
	"chatiq/internal/domain/ports/repository"
	"chatiq/internal/infra/metrics"
)

// Compile-time check
var _ ChatUseCase = (*chatUC)(nil)

// ChatUseCase is the Chat View Controller contract: it sequences persisting
// the user's message(s), building model context, calling the endpoint and
// persisting the reply.
type ChatUseCase interface {
	// Submit handles one user turn. Returns the bot reply text, or an empty
	// string when the response was discarded because the session it was
	// issued for is no longer active.
	Submit(ctx context.Context, sync SessionSynchronizer, text string, image *adapter.InlineImage) (string, error)
}

type chatUC struct {
	convo   repository.ConversationRepository
	builder *ContextBuilder
	ai      adapter.AIServiceAdapter
	model   string
	log     *zerolog.Logger
}

func NewChatUseCase(convo repository.ConversationRepository, builder *ContextBuilder, ai adapter.AIServiceAdapter, modelName string, log *zerolog.Logger) *chatUC {
	return &chatUC{convo: convo, builder: builder, ai: ai, model: modelName, log: log}
}

func (c *chatUC) Submit(ctx context.Context, sync SessionSynchronizer, text string, image *adapter.InlineImage) (string, error) {
	defer logDuration(c.log, "ChatUC.Submit")()

	text = strings.TrimSpace(text)
	if text == "" && image == nil {
		return "", domain.ErrInvalidArgument
	}

	userID := sync.UserID()
	if userID == "" {
		return "", domain.ErrSignedOut
	}

	sessionID, err := sync.EnsurePersisted(ctx, text, image != nil)
	if err != nil {
		return "", err
	}

	// Image first, then text: matches the stored order the history view
	// renders. A write failure here leaves the caller's input untouched so
	// the user can retry.
	if image != nil {
		m := model.NewImageMessage(sessionID, model.SenderUser, image.Data, image.MimeType)
		if err := c.convo.SaveMessage(ctx, userID, m); err != nil {
			return "", fmt.Errorf("%w: save image message: %v", domain.ErrStorageFailure, err)
		}
	}
	if text != "" {
		m := model.NewTextMessage(sessionID, model.SenderUser, text)
		if err := c.convo.SaveMessage(ctx, userID, m); err != nil {
			return "", fmt.Errorf("%w: save text message: %v", domain.ErrStorageFailure, err)
		}
	}

	history, err := c.builder.BuildHistory(ctx, userID, sessionID)
	if err != nil {
		return "", err
	}
	turns := append(history, c.builder.CurrentTurn(text, image))

	start := time.Now()
	reply, usage, genErr := c.ai.GenerateWithUsage(ctx, c.model, turns)
	metrics.ObserveGenerate(c.model, usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens,
		time.Since(start), genErr == nil)

	// A slow response arriving after the user switched sessions or signed out
	// is discarded, never rendered or persisted into the wrong session.
	if sync.ActiveSessionID() != sessionID {
		c.log.Info().Str("session_id", sessionID).Msg("discarding response for inactive session")
		return "", nil
	}

	if genErr != nil {
		// Persist the failure as a bot-authored turn so it stays visible in
		// history, then report it upward.
		errTurn := model.NewTextMessage(sessionID, model.SenderBot,
			fmt.Sprintf("Sorry, an error occurred: %v", genErr))
		if saveErr := c.convo.SaveMessage(ctx, userID, errTurn); saveErr != nil {
			c.log.Warn().Err(saveErr).Msg("failed to persist error turn")
		}
		return "", fmt.Errorf("%w: %v", domain.ErrAPIFailure, genErr)
	}
	if reply == "" {
		reply = "I'm sorry, I couldn't process that. Please try again."
	}

	botMsg := model.NewTextMessage(sessionID, model.SenderBot, reply)
	if err := c.convo.SaveMessage(ctx, userID, botMsg); err != nil {
		return reply, fmt.Errorf("%w: save bot message: %v", domain.ErrStorageFailure, err)
	}
	return reply, nil
}
