package logger

import (
	"io"
	"log/slog"
	"os"
)

// Options selects and configures the sinks behind a Logger.
type Options struct {
	Profile     Profile
	MinLevel    Level
	ServiceName string
	Metadata    map[string]string
	TraceIDFn   TraceIDFn
	Events      Events

	// Console receives JSON lines in the development profile. Defaults to
	// os.Stdout.
	Console io.Writer

	// Buffer, when non-nil, mirrors every written entry.
	Buffer *RingBuffer

	// Remote, when non-nil, receives warn and error entries outside the
	// development profile.
	Remote *RemoteSink
}

// NewForProfile builds a Logger whose sinks follow the profile rules: the
// console is only attached in development, the ring buffer whenever supplied,
// and the remote sink whenever supplied (it applies its own gating).
func NewForProfile(opts Options) *Logger {
	var handlers []slog.Handler

	if opts.Profile == ProfileDevelopment {
		w := opts.Console
		if w == nil {
			w = os.Stdout
		}
		handlers = append(handlers, slog.NewJSONHandler(w, &slog.HandlerOptions{
			AddSource:   true,
			Level:       slog.Level(opts.MinLevel),
			ReplaceAttr: replaceSource,
		}))
	}
	if opts.Buffer != nil {
		handlers = append(handlers, newBufferHandler(opts.Buffer))
	}
	if opts.Remote != nil {
		handlers = append(handlers, newRemoteHandler(opts.Remote))
	}

	var h slog.Handler = newFanout(opts.MinLevel, handlers...)

	attrs := []slog.Attr{}
	if opts.ServiceName != "" {
		attrs = append(attrs, slog.String("service", opts.ServiceName))
	}
	for k, v := range opts.Metadata {
		if v != "" {
			attrs = append(attrs, slog.String(k, v))
		}
	}
	if len(attrs) > 0 {
		h = h.WithAttrs(attrs)
	}

	return &Logger{handler: h, traceIDFn: opts.TraceIDFn, events: opts.Events}
}
