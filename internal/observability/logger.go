package observability

import (
	"github.com/danmuck/edgemart/internal/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger configures the runtime log profile and tags every line with service.
func InitLogger(service string) zerolog.Logger {
	logging.ConfigureRuntime()
	logger := log.Logger.With().Str("service", service).Logger()
	log.Logger = logger
	return logger
}
