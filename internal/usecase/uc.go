package usecase

import (
	"time"

	"github.com/rs/zerolog"
)

// logDuration logs start and end with elapsed duration at TRACE level.
// Usage: defer logDuration(logger, "SessionSync.EnsurePersisted")()
func logDuration(logger *zerolog.Logger, name string) func() {
	start := time.Now()
	logger.Trace().Str("method", name).Msg("start")
	return func() {
		logger.Trace().Str("method", name).Dur("duration", time.Since(start)).Msg("finish")
	}
}
