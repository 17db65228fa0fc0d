package main

import (
	"fmt"
	"io"
	"time"

	"github.com/pion/logging"
	"github.com/rs/zerolog"
)

// zerologFactory implements logging.LoggerFactory on top of zerolog so the
// library packages log through the CLI's console writer.
type zerologFactory struct {
	root zerolog.Logger
}

func newLoggerFactory(w io.Writer, level string) (*zerologFactory, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	output := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: time.RFC3339,
	}
	root := zerolog.New(output).Level(lvl).With().Timestamp().Str("app", "coap-get").Logger()
	return &zerologFactory{root: root}, nil
}

// NewLogger implements logging.LoggerFactory.
func (f *zerologFactory) NewLogger(scope string) logging.LeveledLogger {
	return &zerologLogger{l: f.root.With().Str("scope", scope).Logger()}
}

// Logger returns the CLI's own logger.
func (f *zerologFactory) Logger() *zerolog.Logger {
	return &f.root
}

type zerologLogger struct {
	l zerolog.Logger
}

func (z *zerologLogger) Trace(msg string)                          { z.l.Trace().Msg(msg) }
func (z *zerologLogger) Tracef(format string, args ...interface{}) { z.l.Trace().Msgf(format, args...) }
func (z *zerologLogger) Debug(msg string)                          { z.l.Debug().Msg(msg) }
func (z *zerologLogger) Debugf(format string, args ...interface{}) { z.l.Debug().Msgf(format, args...) }
func (z *zerologLogger) Info(msg string)                           { z.l.Info().Msg(msg) }
func (z *zerologLogger) Infof(format string, args ...interface{})  { z.l.Info().Msgf(format, args...) }
func (z *zerologLogger) Warn(msg string)                           { z.l.Warn().Msg(msg) }
func (z *zerologLogger) Warnf(format string, args ...interface{})  { z.l.Warn().Msgf(format, args...) }
func (z *zerologLogger) Error(msg string)                          { z.l.Error().Msg(msg) }
func (z *zerologLogger) Errorf(format string, args ...interface{}) { z.l.Error().Msgf(format, args...) }

var (
	_ logging.LoggerFactory = (*zerologFactory)(nil)
	_ logging.LeveledLogger = (*zerologLogger)(nil)
)
