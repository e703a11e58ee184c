package app

import (
	"log/slog"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want slog.Level
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: "warn", want: slog.LevelWarn},
		{in: "warning", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "unknown", want: slog.LevelInfo},
		{in: "", want: slog.LevelInfo},
	}

	for _, tc := range cases {
		got := parseLogLevel(tc.in)
		if got != tc.want {
			t.Fatalf("parseLogLevel(%q)=%v want=%v", tc.in, got, tc.want)
		}
	}
}

func TestNewLogger_FormatAndDefault(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	cases := []struct {
		format     string
		wantMsg    string
		wantSource string
	}{
		{format: "json", wantMsg: `"msg":"session.active"`, wantSource: `"source":`},
		{format: "", wantMsg: `"msg":"session.active"`, wantSource: `"source":`},
		{format: "TEXT", wantMsg: "msg=session.active", wantSource: "source="},
	}

	for _, tc := range cases {
		var buf strings.Builder
		log := newLogger(&buf, "info", tc.format)
		log.Info("session.active", "alias", "活力狐狸-123")

		out := buf.String()
		if !strings.Contains(out, tc.wantMsg) || !strings.Contains(out, tc.wantSource) {
			t.Fatalf("format=%q: unexpected output %q", tc.format, out)
		}
		if slog.Default() != log {
			t.Fatalf("format=%q: logger not installed as default", tc.format)
		}
	}

	var quiet strings.Builder
	newLogger(&quiet, "error", "json").Warn("session.append.fail")
	if quiet.Len() != 0 {
		t.Fatalf("warn should be filtered at error level, got %q", quiet.String())
	}
}
