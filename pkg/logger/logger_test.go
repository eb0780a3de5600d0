package logger

import (
	"context"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"", slog.LevelInfo, false},
		{"loud", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if got != tt.want || (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) = (%v, %v), want (%v, err=%v)", tt.in, got, err, tt.want, tt.wantErr)
		}
	}
}

// callerPC returns a PC inside this module, so records pass the
// third-party filter the way real call sites do.
func callerPC() uintptr {
	var pcs [1]uintptr
	runtime.Callers(2, pcs[:])
	return pcs[0]
}

func newTestHandler(buf *strings.Builder, min slog.Level) *textHandler {
	return &textHandler{w: buf, wmu: &sync.Mutex{}, min: min}
}

func record(level slog.Level, msg string, attrs ...slog.Attr) slog.Record {
	r := slog.NewRecord(time.Now(), level, msg, callerPC())
	r.AddAttrs(attrs...)
	return r
}

func TestTextHandler_SimpleLine(t *testing.T) {
	var buf strings.Builder
	h := newTestHandler(&buf, slog.LevelInfo)

	if err := h.Handle(context.Background(), record(slog.LevelInfo, "loaded manifest", slog.String("provider", "openai"))); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if got, want := buf.String(), "INFO loaded manifest provider=openai\n"; got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
}

func TestTextHandler_QuotesSpacedValues(t *testing.T) {
	var buf strings.Builder
	h := newTestHandler(&buf, slog.LevelInfo)

	_ = h.Handle(context.Background(), record(slog.LevelWarn, "attempt failed", slog.String("error", "server error: boom")))
	if got := buf.String(); !strings.Contains(got, `error="server error: boom"`) {
		t.Errorf("output = %q, want the spaced value quoted", got)
	}
}

func TestTextHandler_VerboseAddsTimestamp(t *testing.T) {
	var buf strings.Builder
	h := newTestHandler(&buf, slog.LevelInfo)
	h.verbose = true

	_ = h.Handle(context.Background(), record(slog.LevelInfo, "hello"))
	if got := buf.String(); strings.HasPrefix(got, "INFO") {
		t.Errorf("output = %q, want a leading timestamp", got)
	}
}

func TestTextHandler_GroupsQualifyRecordAttrs(t *testing.T) {
	var buf strings.Builder
	base := newTestHandler(&buf, slog.LevelInfo)
	h := base.WithAttrs([]slog.Attr{slog.String("provider", "openai")}).
		WithGroup("limiter")

	_ = h.Handle(context.Background(), record(slog.LevelInfo, "budget", slog.Int("remaining", 3)))
	got := buf.String()
	if !strings.Contains(got, "provider=openai") {
		t.Errorf("output = %q, want the pre-group attr unqualified", got)
	}
	if !strings.Contains(got, "limiter.remaining=3") {
		t.Errorf("output = %q, want the record attr group-qualified", got)
	}
}

func TestTextHandler_DropsForeignRecordsAboveDebug(t *testing.T) {
	var buf strings.Builder
	h := newTestHandler(&buf, slog.LevelInfo)

	// PC zero stands in for a record originating outside the module.
	foreign := slog.NewRecord(time.Now(), slog.LevelInfo, "dependency chatter", 0)
	_ = h.Handle(context.Background(), foreign)
	if buf.Len() != 0 {
		t.Errorf("output = %q, want foreign record dropped", buf.String())
	}

	h.min = slog.LevelDebug
	_ = h.Handle(context.Background(), foreign)
	if buf.Len() == 0 {
		t.Error("debug level should pass foreign records through")
	}
}
