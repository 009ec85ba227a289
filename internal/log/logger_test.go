package log

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestGetLoggerInitializesDefaults(t *testing.T) {
	logger := GetLogger()
	if logger == nil {
		t.Fatal("Expected logger, got nil")
	}
	// Fields produce derived loggers without touching the parent.
	derived := logger.WithField("component", "test")
	if derived == nil {
		t.Fatal("Expected derived logger, got nil")
	}
}

func TestNewLogrusLoggerNilConfig(t *testing.T) {
	l, err := newLogrusLogger(nil)
	if err != nil {
		t.Fatalf("newLogrusLogger(nil) failed: %v", err)
	}
	if l == nil {
		t.Fatal("Expected logger, got nil")
	}
}

func TestNewLogrusLoggerBadLevelFallsBack(t *testing.T) {
	l, err := newLogrusLogger(&LoggerConfig{Level: "nonsense"})
	if err != nil {
		t.Fatalf("newLogrusLogger failed: %v", err)
	}
	if l.IsDebugEnabled() {
		t.Error("Expected fallback to info level, debug is enabled")
	}
}

func TestNewLogrusLoggerUnknownAppender(t *testing.T) {
	_, err := newLogrusLogger(&LoggerConfig{
		Appenders: []AppenderConfig{{Type: "carrier-pigeon"}},
	})
	if err == nil {
		t.Error("Expected error for unknown appender type")
	}
}

func TestNewLogrusLoggerFileAppenderNeedsFilename(t *testing.T) {
	_, err := newLogrusLogger(&LoggerConfig{
		Appenders: []AppenderConfig{{Type: "file"}},
	})
	if err == nil || !strings.Contains(err.Error(), "filename") {
		t.Errorf("Expected filename error, got: %v", err)
	}
}

func TestFileAppenderWrites(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "test.log")

	out := NewMultiWriter()
	out.AddFileAppender(FileAppenderOpt{Filename: logPath, MaxSize: 1})

	if _, err := out.Write([]byte("hello\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if _, err := os.Stat(logPath); os.IsNotExist(err) {
		t.Errorf("Log file was not created at %s", logPath)
	}
}

func TestMultiWriterFansOut(t *testing.T) {
	var a, b bytes.Buffer
	out := NewMultiWriter().Add(&a).Add(&b)

	n, err := out.Write([]byte("fan"))
	if err != nil || n != 3 {
		t.Fatalf("Write: n=%d err=%v", n, err)
	}
	if a.String() != "fan" || b.String() != "fan" {
		t.Errorf("Writers got %q and %q", a.String(), b.String())
	}
}

func TestFormatterPattern(t *testing.T) {
	f := &formatter{
		pattern: "%time [%level] %msg %field\n",
		time:    "2006-01-02",
	}
	entry := &logrus.Entry{
		Time:    time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC),
		Level:   logrus.InfoLevel,
		Message: "reassembly completed",
		Data:    logrus.Fields{"frame": 12, "component": "reasm"},
	}
	out, err := f.Format(entry)
	if err != nil {
		t.Fatalf("Format failed: %v", err)
	}
	got := string(out)
	if !strings.Contains(got, "2026-03-14 [info] reassembly completed") {
		t.Errorf("Unexpected output: %q", got)
	}
	// Fields render sorted by key.
	if !strings.Contains(got, "component=reasm frame=12") {
		t.Errorf("Fields not sorted or missing: %q", got)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	l.SetFormatter(&formatter{pattern: "[%level] %msg\n", time: time.RFC3339})
	l.SetLevel(logrus.WarnLevel)

	adapter := &logrusAdapter{entry: logrus.NewEntry(l)}
	adapter.Debug("quiet")
	adapter.Info("quiet too")
	adapter.Warn("loud")
	adapter.Error("louder")

	out := buf.String()
	if strings.Contains(out, "quiet") {
		t.Error("Messages below warn should be filtered out")
	}
	if !strings.Contains(out, "loud") || !strings.Contains(out, "louder") {
		t.Errorf("Warn and error messages missing: %q", out)
	}
}
