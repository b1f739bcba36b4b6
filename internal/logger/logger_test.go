package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

func TestFileWriter_Defaults(t *testing.T) {
	dir := t.TempDir()
	w := Config{Dir: dir}.FileWriter()
	if w == nil {
		t.Fatalf("expected a writer when Dir is set")
	}
	l, ok := w.(*lj.Logger)
	if !ok {
		t.Fatalf("expected *lumberjack.Logger, got %T", w)
	}
	if l.Filename != filepath.Join(dir, DefaultFileName) {
		t.Fatalf("unexpected filename %s", l.Filename)
	}
	if l.MaxSize != DefaultMaxSizeMB || l.MaxBackups != DefaultMaxBackups || l.MaxAge != DefaultMaxAgeDays {
		t.Fatalf("defaults not applied: %+v", l)
	}
}

func TestFileWriter_Custom(t *testing.T) {
	w := Config{Dir: "/var/log/svc", FileName: "ctl.log", MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 2, Compress: true}.FileWriter()
	l := w.(*lj.Logger)
	if l.Filename != filepath.Join("/var/log/svc", "ctl.log") || l.MaxSize != 1 || l.MaxBackups != 9 || l.MaxAge != 2 || !l.Compress {
		t.Fatalf("custom rotation not applied: %+v", l)
	}
}

func TestFileWriter_Disabled(t *testing.T) {
	if w := (Config{}).FileWriter(); w != nil {
		t.Fatalf("expected nil writer without Dir")
	}
	if p := (Config{}).Path(); p != "" {
		t.Fatalf("expected empty path, got %q", p)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":      slog.LevelInfo,
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"Warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v,%v want %v", in, got, err, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestNew_RoutesByLevel(t *testing.T) {
	dir := t.TempDir()
	var console bytes.Buffer
	log, closer, err := New(Config{Dir: filepath.Join(dir, "logs"), Level: "debug", Console: &console})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.Debug("probe detail", "pid", 42)
	log.With("app", "myapp").Warn("escalating", "pid", 42)
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	b, err := os.ReadFile(filepath.Join(dir, "logs", DefaultFileName))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	file := string(b)
	if !strings.Contains(file, "probe detail") || !strings.Contains(file, "escalating") || !strings.Contains(file, "app=myapp") {
		t.Fatalf("file log missing records:\n%s", file)
	}
	if strings.Contains(file, "\033[") {
		t.Fatalf("file log must not carry color codes")
	}

	out := console.String()
	if strings.Contains(out, "probe detail") {
		t.Fatalf("debug record leaked to console:\n%s", out)
	}
	if !strings.Contains(out, "escalating") || !strings.Contains(out, "app=myapp") {
		t.Fatalf("warn record missing from console:\n%s", out)
	}
	if strings.Contains(out, "time=") {
		t.Fatalf("console output should omit time:\n%s", out)
	}
}

func TestNew_VerboseConsole(t *testing.T) {
	var console bytes.Buffer
	log, closer, err := New(Config{Level: "info", Console: &console, Verbose: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = closer.Close() }()
	log.Info("hello")
	log.Debug("hidden")
	if !strings.Contains(console.String(), "hello") || strings.Contains(console.String(), "hidden") {
		t.Fatalf("unexpected console output: %q", console.String())
	}
}

func TestNew_BadLevel(t *testing.T) {
	if _, _, err := New(Config{Level: "chatty"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestColorTextHandler_Colors(t *testing.T) {
	var buf bytes.Buffer
	h := NewColorTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, true)
	slog.New(h).Error("boom")
	// TextHandler quotes the escape byte, so match its escaped form.
	if !strings.Contains(buf.String(), `\x1b[31mERROR\x1b[0m  boom`) {
		t.Fatalf("missing color prefix: %q", buf.String())
	}
	if !strings.Contains(buf.String(), "time=") {
		t.Fatalf("showTime should keep the time attribute: %q", buf.String())
	}
}
