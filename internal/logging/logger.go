package logging

import (
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Options control the global zerolog logger.
type Options struct {
	Level      string
	Format     string // "text" or "json"
	File       string
	WithCaller bool
}

// Init configures zerolog's global logger. The returned closer releases the
// log file, if any.
func Init(opts Options) (io.Closer, error) {
	level := zerolog.InfoLevel
	if opts.Level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
		if err != nil {
			return nil, errors.Wrapf(err, "parse log level %q", opts.Level)
		}
		level = parsed
	}
	zerolog.SetGlobalLevel(level)

	var writer io.Writer = os.Stderr
	if opts.Format == "text" {
		writer = zerolog.ConsoleWriter{Out: os.Stderr}
	}

	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, errors.Wrapf(err, "open log file %s", opts.File)
		}
		writer = io.MultiWriter(writer, f)
		closer = f
	}

	logger := zerolog.New(writer).With().Timestamp().Logger()
	if opts.WithCaller {
		logger = logger.With().Caller().Logger()
	}
	log.Logger = logger
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
