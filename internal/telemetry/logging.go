// Package telemetry builds the structured logger. Log lines go to
// logs/system.jsonl in the state directory; since several autoissue
// processes may share that directory, every line carries the host and
// pid that wrote it, matching the identity fields in lock records.
package telemetry

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/calder/autoissue/internal/shared"
)

// Keys whose values may carry tracker or agent credentials. gh exposes
// its token as GH_TOKEN/GITHUB_TOKEN and stores oauth_token in
// hosts.yml; agent commands may be handed provider API keys.
var sensitiveKeys = []string{
	"token", "oauth", "secret", "password", "credential",
	"api_key", "apikey", "authorization",
}

func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}

	// O_APPEND keeps concurrent writers from interleaving within a line.
	logFilePath := filepath.Join(logDir, "system.jsonl")
	file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	var w io.Writer
	if quiet {
		w = file
	} else {
		w = io.MultiWriter(os.Stdout, file)
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: parseLevel(level),
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Key = "timestamp"
			}
			if shouldRedactKey(a.Key) {
				return slog.String(a.Key, "[REDACTED]")
			}
			if a.Value.Kind() == slog.KindString {
				if redacted, ok := redactStringValue(a.Value.String()); ok {
					return slog.String(a.Key, redacted)
				}
			}
			return a
		},
	})

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "unknown"
	}
	logger := slog.New(handler).With(
		"component", "autoissue",
		"host", hostname,
		"pid", os.Getpid(),
		"trace_id", "-",
	)
	return logger, file, nil
}

func shouldRedactKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, token := range sensitiveKeys {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

// redactStringValue scrubs credentials embedded in values the worker
// routinely logs: gh stderr, remote URLs, agent output.
func redactStringValue(v string) (string, bool) {
	lower := strings.ToLower(v)
	// Git remotes rewritten by gh carry the token as basic-auth
	// userinfo; header echoes carry it after "authorization:".
	if strings.Contains(lower, "x-access-token") ||
		strings.Contains(lower, "authorization:") ||
		strings.Contains(lower, "bearer ") {
		return "[REDACTED]", true
	}
	// Pattern scrub for GitHub token formats (ghp_, gho_, fine-grained).
	redacted := shared.Redact(v)
	if redacted != v {
		return redacted, true
	}
	return v, false
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
