package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestJSONLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewJSON(&buf, "DEBUG").With(String("comp", "test"))
	log.Info("hello",
		Int("n", 3),
		Bool("ok", true),
		Duration("took", 2*time.Second),
		Err(errors.New("boom")),
		Err(nil),
		Stack(""),
	)

	var got map[string]any
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("output is not JSON: %v (%s)", err, buf.String())
	}
	for k, want := range map[string]any{"message": "hello", "comp": "test", "n": 3.0, "ok": true, "err": "boom", "level": "info"} {
		if got[k] != want {
			t.Fatalf("%s = %v, want %v", k, got[k], want)
		}
	}
	if _, ok := got["stack"]; ok {
		t.Fatal("empty stack should be omitted")
	}
	if c, _ := got["caller"].(string); !strings.HasPrefix(c, "logging_test.go:") {
		t.Fatalf("caller = %q, want short file:line of the call site", c)
	}
}

func TestErrorKeyBeforeAndAfterService(t *testing.T) {
	errKey := func() any {
		var buf bytes.Buffer
		NewJSON(&buf, "INFO").Error("failed", Err(errors.New("boom")))
		var got map[string]any
		if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
			t.Fatalf("output is not JSON: %v", err)
		}
		return got["err"]
	}
	if got := errKey(); got != "boom" {
		t.Fatalf("err before New() = %v, want boom", got)
	}
	svc, _ := New(Config{Level: "ERROR"})
	defer svc.Close()
	if got := errKey(); got != "boom" {
		t.Fatalf("err after New() = %v, want boom", got)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewJSON(&buf, "warn")
	log.Info("dropped")
	log.Warn("kept")
	if out := buf.String(); strings.Contains(out, "dropped") || !strings.Contains(out, "kept") {
		t.Fatalf("unexpected output %q", out)
	}
	if log.Enabled(LevelDebug) || !log.Enabled(LevelError) {
		t.Fatal("Enabled() does not follow the configured level")
	}
}

func TestZeroAndNopLoggers(t *testing.T) {
	var zero Logger
	if !zero.IsZero() {
		t.Fatal("zero Logger IsZero() = false")
	}
	zero.Error("must not panic")
	if Nop().IsZero() {
		t.Fatal("Nop() IsZero() = true")
	}
	Nop().With(String("k", "v")).Info("discarded")
}

func TestServiceApplyFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	svc, log := New(Config{Level: "INFO", File: FileConfig{Enabled: true, Path: path}})
	log.Debug("below level")
	log.Info("first")

	svc.Apply(Config{Level: "DEBUG", File: FileConfig{Enabled: true, Path: path}})
	log.Debug("second")
	if err := svc.Close(); err != nil {
		t.Fatalf("Close() err = %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(b)
	if strings.Contains(out, "below level") || !strings.Contains(out, "first") || !strings.Contains(out, "second") {
		t.Fatalf("log file = %q", out)
	}
}
