package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Mode controls the handler style used when constructing a logger.
type Mode int

const (
	// ModeCLI renders log records in a terse text-oriented format.
	ModeCLI Mode = iota
	// ModeJSON renders log records as JSON.
	ModeJSON
)

// New constructs a logger targeting the provided writer using the requested mode.
// If level is nil, slog.LevelInfo is used.
func New(mode Mode, w io.Writer, level slog.Leveler) *slog.Logger {
	if w == nil {
		panic("logging: writer must not be nil")
	}
	if level == nil {
		level = slog.LevelInfo
	}

	if mode == ModeJSON {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(&cliHandler{writer: w, level: level})
}

// NewCLI constructs a logger that emits human-readable records suitable for CLI use.
func NewCLI(w io.Writer, level slog.Leveler) *slog.Logger {
	return New(ModeCLI, w, level)
}

// NewJSON constructs a logger that emits structured JSON records.
func NewJSON(w io.Writer, level slog.Leveler) *slog.Logger {
	return New(ModeJSON, w, level)
}

// Ensure returns the provided logger or the process default if nil.
func Ensure(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return slog.Default()
}

type cliHandler struct {
	writer io.Writer
	level  slog.Leveler

	mu     sync.Mutex
	prefix []slog.Attr
	group  string
}

func (h *cliHandler) Enabled(_ context.Context, level slog.Level) bool {
	min := slog.LevelInfo
	if h.level != nil {
		min = h.level.Level()
	}
	return level >= min
}

func (h *cliHandler) Handle(_ context.Context, record slog.Record) error {
	var builder strings.Builder

	stamp := record.Time
	if stamp.IsZero() {
		stamp = time.Now()
	}
	builder.WriteString(stamp.UTC().Format(time.RFC3339))
	builder.WriteByte(' ')
	builder.WriteString(strings.ToUpper(record.Level.String()))
	builder.WriteString(" | ")
	builder.WriteString(record.Message)

	for _, attr := range h.prefix {
		h.writeAttr(&builder, attr)
	}
	record.Attrs(func(attr slog.Attr) bool {
		h.writeAttr(&builder, attr)
		return true
	})
	builder.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()

	_, err := io.WriteString(h.writer, builder.String())
	return err
}

func (h *cliHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := h.clone()
	next.prefix = append(next.prefix, attrs...)
	return next
}

func (h *cliHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := h.clone()
	if next.group != "" {
		next.group += "."
	}
	next.group += name
	return next
}

func (h *cliHandler) clone() *cliHandler {
	return &cliHandler{
		writer: h.writer,
		level:  h.level,
		prefix: append([]slog.Attr(nil), h.prefix...),
		group:  h.group,
	}
}

func (h *cliHandler) writeAttr(builder *strings.Builder, attr slog.Attr) {
	value := attr.Value.Resolve()
	if value.Kind() == slog.KindGroup {
		for _, nested := range value.Group() {
			nested.Key = attr.Key + "." + nested.Key
			h.writeAttr(builder, nested)
		}
		return
	}

	key := attr.Key
	if h.group != "" {
		key = h.group + "." + key
	}

	builder.WriteByte(' ')
	builder.WriteString(key)
	builder.WriteByte('=')
	builder.WriteString(formatValue(value))
}

func formatValue(value slog.Value) string {
	var text string
	switch value.Kind() {
	case slog.KindString:
		text = value.String()
	case slog.KindDuration:
		text = value.Duration().String()
	case slog.KindTime:
		text = value.Time().UTC().Format(time.RFC3339)
	case slog.KindAny:
		if err, ok := value.Any().(error); ok && err != nil {
			text = err.Error()
		} else {
			text = fmt.Sprint(value.Any())
		}
	default:
		text = value.String()
	}

	if strings.ContainsAny(text, " \t\"") {
		return strconv.Quote(text)
	}
	return text
}
