package logging

import (
	"bytes"
	"log"
	"log/slog"
	"strings"
	"testing"
)

func TestInitJSONDefault(t *testing.T) {
	t.Setenv("LOG_FORMAT", "")
	t.Setenv("LOG_LEVEL", "")
	var buf bytes.Buffer
	logger := Init("engined", &buf)
	logger.Info("hello", "k", "v")
	out := buf.String()
	if !strings.Contains(out, `"service":"engined"`) {
		t.Fatalf("missing service attr: %s", out)
	}
	if !strings.Contains(out, `"msg":"hello"`) {
		t.Fatalf("missing msg: %s", out)
	}
}

func TestInitTextFormat(t *testing.T) {
	t.Setenv("LOG_FORMAT", "text")
	var buf bytes.Buffer
	logger := Init("engined", &buf)
	logger.Info("hello")
	if strings.Contains(buf.String(), "{") {
		t.Fatalf("expected text output: %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v want %v", in, got, want)
		}
	}
}

func TestStdlibRedirect(t *testing.T) {
	t.Setenv("LOG_FORMAT", "")
	var buf bytes.Buffer
	Init("engined", &buf)
	log.Printf("plain message")
	if !strings.Contains(buf.String(), "plain message") {
		t.Fatalf("stdlib log not captured: %s", buf.String())
	}
	if !strings.Contains(buf.String(), `"source":"stdlib"`) {
		t.Fatalf("missing source attr: %s", buf.String())
	}
}
