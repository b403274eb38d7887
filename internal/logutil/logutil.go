/* SPDX-License-Identifier: BSD-2-Clause */

// Package logutil provides the structured logger shared by origin, hybrid
// and manager, plus helpers to dump HTTP requests/responses at debug level.
// It generalizes the teacher's Debug/Error Logger interface to log/slog.
package logutil

import (
	"log/slog"
	"net/http"
	"net/http/httputil"
	"os"
)

// New returns a slog.Logger writing text to stderr at the given level name
// ("debug", "info", "warn", "error"). Unknown names default to "info".
func New(levelName string) *slog.Logger {
	var level slog.Level
	switch levelName {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(h)
}

// Noop returns a logger that discards everything.
func Noop() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// DumpRequest logs a full HTTP request dump at debug level, mirroring the
// teacher's logRequest helper.
func DumpRequest(log *slog.Logger, req *http.Request) {
	if !log.Enabled(req.Context(), slog.LevelDebug) {
		return
	}
	if dump, err := httputil.DumpRequestOut(req, false); err == nil {
		log.Debug("origin request", "dump", string(dump))
	} else {
		log.Error("dump request failed", "err", err)
	}
}

// DumpResponse logs a full HTTP response dump at debug level, mirroring the
// teacher's logResponse helper.
func DumpResponse(log *slog.Logger, resp *http.Response) {
	if !log.Enabled(resp.Request.Context(), slog.LevelDebug) {
		return
	}
	if dump, err := httputil.DumpResponse(resp, false); err == nil {
		log.Debug("origin response", "dump", string(dump))
	} else {
		log.Error("dump response failed", "err", err)
	}
}
