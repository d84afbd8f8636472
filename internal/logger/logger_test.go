package logger

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestAsyncHandlerLevels(t *testing.T) {
	tests := []struct {
		debug   bool
		level   slog.Level
		written bool
	}{
		{false, slog.LevelDebug, false},
		{false, slog.LevelInfo, true},
		{true, slog.LevelDebug, true},
		{false, LevelFatal, true},
	}

	for _, tt := range tests {
		var buf bytes.Buffer
		h := NewAsyncHandler(Options{Debug: tt.debug, Console: &buf})
		l := slog.New(h).With("conn", "c1")
		l.Log(context.Background(), tt.level, "hello world")
		_ = h.Close()

		out := buf.String()
		if strings.Contains(out, "hello world") != tt.written {
			t.Errorf("debug=%v level=%v written=%v output=%q", tt.debug, tt.level, tt.written, out)
		}
		if tt.written && !strings.Contains(out, "conn=c1") {
			t.Errorf("expected attribute in output, got %q", out)
		}
	}
}

func TestAsyncHandlerWritesDailyFile(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "2000-01-01.log")
	if err := os.WriteFile(old, []byte("old\n"), 0644); err != nil {
		t.Fatal(err)
	}
	past := time.Now().Add(-60 * 24 * time.Hour)
	_ = os.Chtimes(old, past, past)

	var buf bytes.Buffer
	h := NewAsyncHandler(Options{Dir: dir, Console: &buf})
	slog.New(h).Info("persisted line")
	if err := h.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, time.Now().Format("2006-01-02")+".log"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "persisted line") {
		t.Errorf("log file missing line: %q", data)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Errorf("expected expired log file to be removed")
	}
}

func TestWriteAfterCloseIsDropped(t *testing.T) {
	var buf bytes.Buffer
	h := NewAsyncHandler(Options{Console: &buf})
	_ = h.Close()
	h.Write([]byte("late"))
}
