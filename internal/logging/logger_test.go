package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestOrNopHandlesNil(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatal("OrNop(nil) returned nil")
	}
	var typed *slogPrintfLogger
	logger := OrNop(typed)
	// Must not panic.
	logger.Info("hello %s", "world")
}

func TestFromSlogFormats(t *testing.T) {
	var buf bytes.Buffer
	logger := FromSlog(slog.New(slog.NewTextHandler(&buf, nil)))
	logger.Info("task %s took %dms", "task_0001", 42)
	if !strings.Contains(buf.String(), "task task_0001 took 42ms") {
		t.Fatalf("unexpected log output: %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
		" info  ": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

type capture struct{ lines []string }

func (c *capture) Debug(format string, args ...any) { c.lines = append(c.lines, "D") }
func (c *capture) Info(format string, args ...any)  { c.lines = append(c.lines, "I") }
func (c *capture) Warn(format string, args ...any)  { c.lines = append(c.lines, "W") }
func (c *capture) Error(format string, args ...any) { c.lines = append(c.lines, "E") }

func TestMultiFansOut(t *testing.T) {
	a := &capture{}
	b := &capture{}
	logger := Multi(a, nil, b)
	logger.Info("x")
	logger.Error("y")
	if len(a.lines) != 2 || len(b.lines) != 2 {
		t.Fatalf("fan-out missed a logger: a=%v b=%v", a.lines, b.lines)
	}
}
