package monitoring

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	called := false
	SetLogger(func(format string, v ...interface{}) { called = true })
	Logf("test message")
	if !called {
		t.Error("custom logger was not called")
	}

	called = false
	SetLogger(nil)
	Logf("test message")
	if called {
		t.Error("no-op logger should not have triggered callback")
	}
}

func TestLogf_DefaultRoutesToSlog(t *testing.T) {
	original := slog.Default()
	defer slog.SetDefault(original)

	var buf bytes.Buffer
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	defaultLogf("converted %d triangles\n", 12)
	if !strings.Contains(buf.String(), `msg="converted 12 triangles"`) {
		t.Errorf("unexpected log output %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":      slog.LevelInfo,
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		if err != nil {
			t.Errorf("ParseLevel(%q): %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := ParseLevel("chatty"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestSetupLoggerWithWriters(t *testing.T) {
	var stderr, file bytes.Buffer
	logger := SetupLoggerWithWriters(&stderr, &file, slog.LevelInfo)
	logger.Debug("hidden")
	logger.Info("job completed", "job_id", "a")

	if strings.Contains(stderr.String(), "hidden") || strings.Contains(file.String(), "hidden") {
		t.Error("debug record leaked past info level")
	}
	if !strings.Contains(stderr.String(), "job_id=a") {
		t.Errorf("stderr = %q", stderr.String())
	}
	var rec map[string]any
	if err := json.Unmarshal(file.Bytes(), &rec); err != nil {
		t.Fatalf("file output is not JSON: %v", err)
	}
	if rec["msg"] != "job completed" || rec["job_id"] != "a" {
		t.Errorf("file record = %v", rec)
	}
}

func TestSetupLoggerFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inspect.log")
	logger, cleanup := SetupLogger(path, slog.LevelInfo)
	logger.Info("started")
	if err := cleanup(); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"started"`) {
		t.Errorf("log file = %q", data)
	}
}

func TestSetupLoggerFallsBackToStderr(t *testing.T) {
	logger, cleanup := SetupLogger(filepath.Join(t.TempDir(), "missing", "dir", "x.log"), slog.LevelInfo)
	if logger == nil {
		t.Fatal("nil logger")
	}
	if err := cleanup(); err != nil {
		t.Errorf("cleanup: %v", err)
	}
}
