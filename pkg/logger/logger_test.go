package logger

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestLogger_InfoWritesAttrs(t *testing.T) {
	buf := &bytes.Buffer{}
	log := New(buf, Options{})
	log.Info("loaded plugin", slog.String("verb", "add-host"), slog.Int("count", 3))

	out := buf.String()
	if !strings.Contains(out, "INFO loaded plugin") {
		t.Fatalf("missing message: %q", out)
	}
	if !strings.Contains(out, "verb=add-host") || !strings.Contains(out, "count=3") {
		t.Fatalf("missing attrs: %q", out)
	}
}

func TestLogger_ErrorIncludesError(t *testing.T) {
	buf := &bytes.Buffer{}
	log := New(buf, Options{})
	log.Error("poll failed", errors.New("connection refused"))

	if !strings.Contains(buf.String(), `error="connection refused"`) {
		t.Fatalf("error attr not quoted: %q", buf.String())
	}
}

func TestLogger_DebugOnlyWhenEnabled(t *testing.T) {
	buf := &bytes.Buffer{}
	New(buf, Options{}).Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug should be suppressed, got %q", buf.String())
	}

	New(buf, Options{Debug: true}).Debug("shown")
	if !strings.Contains(buf.String(), "DEBUG shown") {
		t.Fatalf("debug should be written, got %q", buf.String())
	}
}

func TestLogger_QuietSuppressesInfo(t *testing.T) {
	buf := &bytes.Buffer{}
	log := New(buf, Options{Quiet: true})
	log.Info("chatty")
	log.Warn("important")
	if strings.Contains(buf.String(), "chatty") {
		t.Fatalf("info should be suppressed in quiet mode: %q", buf.String())
	}
	if !strings.Contains(buf.String(), "WARN important") {
		t.Fatalf("warn should be written in quiet mode: %q", buf.String())
	}
}

func TestLogger_ContextVariantsRespectLevel(t *testing.T) {
	buf := &bytes.Buffer{}
	log := New(buf, Options{Quiet: true})
	log.InfoContext(context.Background(), "session expired")
	log.WarnContext(context.Background(), "task poll failed", slog.Int("streak", 2))
	if strings.Contains(buf.String(), "session expired") {
		t.Fatalf("info should be suppressed in quiet mode: %q", buf.String())
	}
	if !strings.Contains(buf.String(), "WARN task poll failed") || !strings.Contains(buf.String(), "streak=2") {
		t.Fatalf("warn missing: %q", buf.String())
	}
}

func TestLogger_WithCarriesContext(t *testing.T) {
	buf := &bytes.Buffer{}
	log := New(buf, Options{}).With(slog.String("profile", "stage"))
	log.Warn("override")
	if !strings.Contains(buf.String(), "profile=stage") {
		t.Fatalf("With attrs missing: %q", buf.String())
	}
}
