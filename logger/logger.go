package logger

import (
	"os"

	"github.com/rs/zerolog"

	"github.com/kamiyn/sendgridparquetlog/config"
)

// New returns a configured zerolog.Logger: pretty console output in
// development, structured JSON in every other environment.
func New(cfg *config.Config) zerolog.Logger {
	lvl := zerolog.InfoLevel
	var out zerolog.ConsoleWriter
	if !cfg.IsProduction() {
		lvl = zerolog.DebugLevel
		out = zerolog.ConsoleWriter{Out: os.Stderr}
		zerolog.SetGlobalLevel(lvl)
		return zerolog.New(out).With().Timestamp().Logger()
	}
	zerolog.SetGlobalLevel(lvl)
	return zerolog.New(os.Stderr).With().Timestamp().Str("env", cfg.Env).Logger()
}
