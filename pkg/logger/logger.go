package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
)

var LogLevel slog.LevelVar

func init() {
	slog.SetDefault(New(os.Stderr))
}

// New returns a tint logger writing to w which shares the process-wide
// LogLevel.
func New(w io.Writer) *slog.Logger {
	return slog.New(tint.NewHandler(w, &tint.Options{
		AddSource:  true,
		Level:      &LogLevel,
		TimeFormat: "2006 Jan 02 15:04:05",
	}))
}

// SetLevel parses a level name (debug, info, warn, error) and applies it to
// LogLevel. An empty string leaves the level unchanged.
func SetLevel(level string) error {
	if level == "" {
		return nil
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	LogLevel.Set(lvl)
	return nil
}
