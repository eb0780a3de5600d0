// Package logger configures the process-wide slog logger: level
// parsing, terminal-aware single-line text output, and suppression of
// third-party library records below debug level.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"

	"golang.org/x/term"
)

const modulePrefix = "github.com/kadirpekel/manifold"

var (
	mu            sync.Mutex
	defaultLogger *slog.Logger
)

// ParseLevel converts a level name (debug, info, warn, error) to a
// slog.Level. Unknown names return info and an error.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// Init installs the process-wide logger. Format "simple" prints level,
// message and attrs on one line; "verbose" adds a timestamp; any other
// value falls back to the stock slog text handler. Color turns on when
// output is a terminal. With the built-in formats, records emitted by
// dependencies are dropped unless the level is debug, so normal runs
// show only this module's logs.
func Init(level slog.Level, output *os.File, format string) {
	mu.Lock()
	defer mu.Unlock()
	initLocked(level, output, format)
}

func initLocked(level slog.Level, output *os.File, format string) {
	var handler slog.Handler
	switch format {
	case "simple", "":
		handler = newTextHandler(output, level, false)
	case "verbose":
		handler = newTextHandler(output, level, true)
	default:
		handler = slog.NewTextHandler(output, &slog.HandlerOptions{Level: level})
	}
	defaultLogger = slog.New(handler)
	slog.SetDefault(defaultLogger)
}

// GetLogger returns the process logger, installing an info-level
// simple-format one on first use.
func GetLogger() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		initLocked(slog.LevelInfo, os.Stderr, "simple")
	}
	return defaultLogger
}

// OpenLogFile opens (or creates) a log file for appending and returns
// it with a cleanup function.
func OpenLogFile(path string) (*os.File, func(), error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return file, func() { file.Close() }, nil
}

// textHandler renders records as one line: optional timestamp, colored
// level, message, key=value attrs. Records whose call site is outside
// this module are dropped unless the minimum level is debug.
type textHandler struct {
	w       io.Writer
	wmu     *sync.Mutex
	min     slog.Level
	color   bool
	verbose bool
	attrs   []slog.Attr
	group   string
}

func newTextHandler(output *os.File, min slog.Level, verbose bool) *textHandler {
	return &textHandler{
		w:       output,
		wmu:     &sync.Mutex{},
		min:     min,
		color:   term.IsTerminal(int(output.Fd())),
		verbose: verbose,
	}
}

func (h *textHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.min
}

func (h *textHandler) Handle(_ context.Context, r slog.Record) error {
	if h.min > slog.LevelDebug && !fromModule(r.PC) {
		return nil
	}

	var b strings.Builder
	if h.verbose && !r.Time.IsZero() {
		b.WriteString(r.Time.Format("2006/01/02 15:04:05"))
		b.WriteByte(' ')
	}
	if h.color {
		b.WriteString(levelColor(r.Level))
		b.WriteString(levelLabel(r.Level))
		b.WriteString(colorReset)
	} else {
		b.WriteString(levelLabel(r.Level))
	}
	b.WriteByte(' ')
	b.WriteString(r.Message)

	for _, a := range h.attrs {
		writeAttr(&b, "", a) // qualified when added
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&b, h.group, a)
		return true
	})
	b.WriteByte('\n')

	h.wmu.Lock()
	defer h.wmu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func writeAttr(b *strings.Builder, prefix string, a slog.Attr) {
	if a.Equal(slog.Attr{}) {
		return
	}
	key := a.Key
	if prefix != "" {
		key = prefix + "." + key
	}
	val := a.Value.String()
	b.WriteByte(' ')
	b.WriteString(key)
	b.WriteByte('=')
	if strings.ContainsAny(val, " \t") {
		fmt.Fprintf(b, "%q", val)
	} else {
		b.WriteString(val)
	}
}

func (h *textHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	nh.attrs = append([]slog.Attr{}, h.attrs...)
	for _, a := range attrs {
		if h.group != "" {
			a.Key = h.group + "." + a.Key
		}
		nh.attrs = append(nh.attrs, a)
	}
	return &nh
}

func (h *textHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	nh := *h
	if h.group != "" {
		nh.group = h.group + "." + name
	} else {
		nh.group = name
	}
	return &nh
}

// fromModule reports whether a record's call site is inside this
// module, by function name first and source path as a fallback.
func fromModule(pc uintptr) bool {
	if pc == 0 {
		return false
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return false
	}
	if strings.HasPrefix(fn.Name(), modulePrefix) {
		return true
	}
	file, _ := fn.FileLine(pc)
	return strings.Contains(file, "/manifold/")
}

func levelLabel(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "ERROR"
	case l >= slog.LevelWarn:
		return "WARN"
	case l >= slog.LevelInfo:
		return "INFO"
	default:
		return "DEBUG"
	}
}

const colorReset = "\033[0m"

func levelColor(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "\033[31m"
	case l >= slog.LevelWarn:
		return "\033[33m"
	case l >= slog.LevelInfo:
		return "\033[36m"
	default:
		return "\033[90m"
	}
}
