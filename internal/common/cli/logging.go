// Package cli provides the logging and configuration plumbing shared by the service commands.
package cli

import (
	"io"
	"log/slog"
	"os"

	"github.com/dadlab/nodedb/internal/common/constants"
)

// SetSlog sets the logging level and format for the default logger.
//
// level is the count of verbose flags: 0 is constants.DefaultLogLevel, 1 is info, anything above is debug.
func SetSlog(level int, jsonLogs bool) {
	setSlog(os.Stderr, level, jsonLogs)
}

func setSlog(w io.Writer, level int, jsonLogs bool) {
	slogLevel := getLevel(level)
	if jsonLogs {
		slog.SetDefault(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slogLevel})))
		return
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slogLevel})))
}

func getLevel(level int) slog.Level {
	switch level {
	case 0:
		return constants.DefaultLogLevel
	case 1:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}
