// ABOUTME: Console slog handler and logger setup for the hive-gateway CLI
// ABOUTME: Text output uses fatih/color; json output uses slog's JSON handler

package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/2389/hive-gateway/internal/config"
)

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	level := parseLevel(cfg.Level)

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = newConsoleHandler(os.Stdout, level)
	}

	return slog.New(handler)
}

// consoleHandler writes one colored line per record. Attributes bound with
// With are rendered once up front. Groups are flattened into plain keys.
type consoleHandler struct {
	mu     *sync.Mutex
	out    io.Writer
	level  slog.Leveler
	preset []byte
}

var (
	errorTag  = color.New(color.FgRed, color.Bold)
	warnTag   = color.New(color.FgYellow)
	infoTag   = color.New(color.FgCyan)
	debugTag  = color.New(color.FgMagenta)
	bannerMsg = color.New(color.FgGreen, color.Bold)
)

func newConsoleHandler(out io.Writer, level slog.Leveler) *consoleHandler {
	return &consoleHandler{mu: &sync.Mutex{}, out: out, level: level}
}

func (h *consoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *consoleHandler) Handle(_ context.Context, r slog.Record) error {
	line := make([]byte, 0, 160)
	line = append(line, color.HiBlackString(r.Time.Format(time.TimeOnly))...)
	line = append(line, ' ')
	line = append(line, levelTag(r.Level)...)
	line = append(line, ' ')
	if strings.HasPrefix(r.Message, "===") {
		line = append(line, bannerMsg.Sprint(r.Message)...)
	} else {
		line = append(line, r.Message...)
	}
	line = append(line, h.preset...)
	r.Attrs(func(a slog.Attr) bool {
		line = appendAttr(line, a)
		return true
	})
	line = append(line, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.out.Write(line)
	return err
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.preset = append([]byte(nil), h.preset...)
	for _, a := range attrs {
		next.preset = appendAttr(next.preset, a)
	}
	return &next
}

func (h *consoleHandler) WithGroup(string) slog.Handler { return h }

func levelTag(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return errorTag.Sprint("ERR")
	case l >= slog.LevelWarn:
		return warnTag.Sprint("WRN")
	case l >= slog.LevelInfo:
		return infoTag.Sprint("INF")
	default:
		return debugTag.Sprint("DBG")
	}
}

// appendAttr renders a as " key=value". Values with spaces are quoted and
// errors are red.
func appendAttr(b []byte, a slog.Attr) []byte {
	if a.Equal(slog.Attr{}) {
		return b
	}
	b = append(b, color.HiBlackString(" "+a.Key+"=")...)
	v := a.Value.Resolve()
	s := v.String()
	if strings.ContainsAny(s, " =\"") {
		s = strconv.Quote(s)
	}
	if _, isErr := v.Any().(error); isErr {
		s = color.RedString("%s", s)
	}
	return append(b, s...)
}
