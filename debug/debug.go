// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: debug.go — Process-wide logger and cold-path drop helpers
//
// Purpose:
//   - Owns the zerolog logger every package writes through.
//   - Keeps the DropMessage / DropError call shape for setup, I/O and fault paths.
//   - Log() hands out the structured logger for per-pipeline records.
//
// Notes:
//   - Level and format are set once by Configure during startup.
//   - Safe for concurrent use; zerolog writers are serialized per event.
//
// ⚠️ Never invoke Drop* in search or projection loops. Use only at stage edges.
// ─────────────────────────────────────────────────────────────────────────────

package debug

import (
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var logger atomic.Pointer[zerolog.Logger]

func init() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	l := zerolog.New(os.Stderr).With().Timestamp().Logger()
	logger.Store(&l)
}

// Configure installs the process logger. format is "json" or "console";
// an unknown level falls back to info.
func Configure(level, format string) {
	ConfigureWriter(os.Stderr, level, format)
}

// ConfigureWriter is Configure with an explicit sink, used by tests.
func ConfigureWriter(w io.Writer, level, format string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	if strings.EqualFold(format, "console") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.StampMilli}
	}
	l := zerolog.New(w).Level(lvl).With().Timestamp().Logger()
	logger.Store(&l)
}

// Log returns the process logger.
func Log() *zerolog.Logger {
	return logger.Load()
}

// DropError logs a failure under a short component tag. A nil error logs
// the tag alone as a warning marker.
func DropError(prefix string, err error) {
	l := logger.Load()
	if err != nil {
		l.Error().Str("component", prefix).Err(err).Send()
		return
	}
	l.Warn().Str("component", prefix).Send()
}

// DropMessage logs an informational line under a component tag.
func DropMessage(prefix, message string) {
	logger.Load().Info().Str("component", prefix).Msg(message)
}
