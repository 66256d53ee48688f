// Package logging builds the slog handlers used by the mcptunnel binary.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
)

// Options select the handler New builds.
type Options struct {
	// Level is debug, info, warn or error. Defaults to info.
	Level string
	// Format is text or json. Defaults to text.
	Format string
	// Writer receives log output. Defaults to os.Stderr so stdout stays free
	// for command output.
	Writer io.Writer
	// NoColor disables ANSI colors in text output.
	NoColor bool
}

// ParseLevel maps a level name to a slog.Level. Unknown names map to info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
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

// New returns a logger writing in the requested format.
func New(opts Options) *slog.Logger {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}
	level := ParseLevel(opts.Level)
	if opts.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(NewColorHandler(w, level, opts.NoColor))
}

// ColorHandler renders records as "15:04:05 INF message key=value" with
// colorized level tags. Writes are serialized.
type ColorHandler struct {
	mu     *sync.Mutex
	w      io.Writer
	level  slog.Level
	colors *palette
	attrs  []slog.Attr
	groups []string
}

type palette struct {
	dim, debug, info, warn, err *color.Color
}

// NewColorHandler returns a ColorHandler writing to w. Colors are forced on
// unless noColor is set, since w is often not a terminal file.
func NewColorHandler(w io.Writer, level slog.Level, noColor bool) *ColorHandler {
	p := &palette{
		dim:   color.New(color.FgHiBlack),
		debug: color.New(color.FgMagenta),
		info:  color.New(color.FgCyan),
		warn:  color.New(color.FgYellow),
		err:   color.New(color.FgRed, color.Bold),
	}
	for _, c := range []*color.Color{p.dim, p.debug, p.info, p.warn, p.err} {
		if noColor {
			c.DisableColor()
		} else {
			c.EnableColor()
		}
	}
	return &ColorHandler{mu: &sync.Mutex{}, w: w, level: level, colors: p}
}

func (h *ColorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *ColorHandler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder

	if !r.Time.IsZero() {
		buf.WriteString(h.colors.dim.Sprint(r.Time.Format("15:04:05")) + " ")
	}

	switch {
	case r.Level >= slog.LevelError:
		buf.WriteString(h.colors.err.Sprint("ERR") + " ")
	case r.Level >= slog.LevelWarn:
		buf.WriteString(h.colors.warn.Sprint("WRN") + " ")
	case r.Level >= slog.LevelInfo:
		buf.WriteString(h.colors.info.Sprint("INF") + " ")
	default:
		buf.WriteString(h.colors.debug.Sprint("DBG") + " ")
	}

	buf.WriteString(r.Message)

	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	for _, a := range h.attrs {
		h.writeAttr(&buf, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		h.writeAttr(&buf, prefix, a)
		return true
	})
	buf.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, buf.String())
	return err
}

func (h *ColorHandler) writeAttr(buf *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			h.writeAttr(buf, prefix+a.Key+".", ga)
		}
		return
	}
	buf.WriteString(h.colors.dim.Sprint(" "+prefix+a.Key+"="))
	value := a.Value.String()
	if strings.ContainsAny(value, " \t\n\"") {
		value = fmt.Sprintf("%q", value)
	}
	buf.WriteString(value)
}

func (h *ColorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	for _, a := range attrs {
		a.Key = prefix + a.Key
		newAttrs = append(newAttrs, a)
	}
	clone := *h
	clone.attrs = newAttrs
	return &clone
}

func (h *ColorHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	clone := *h
	clone.groups = append(newGroups, name)
	return &clone
}
