package common

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLogLevel_String(t *testing.T) {
	tests := []struct {
		level    LogLevel
		expected string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{LogLevel(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.level.String(); got != tt.expected {
				t.Errorf("LogLevel.String() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"debug", LevelDebug},
		{" WARN ", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"", LevelInfo},
		{"verbose", LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseLogLevel(tt.in); got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestAppLogger_SetLevel(t *testing.T) {
	logger := newAppLogger(&bytes.Buffer{}, LevelInfo)

	logger.SetLevel(LevelDebug)
	if logger.Level() != LevelDebug {
		t.Errorf("SetLevel did not update level, got %v, want %v", logger.Level(), LevelDebug)
	}
}

func TestAppLogger_LogFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := newAppLogger(&buf, LevelWarn)

	logger.Debug("debug message")
	logger.Info("info message")

	if buf.Len() > 0 {
		t.Error("Debug/Info messages should be filtered when level is Warn")
	}

	logger.Warn("warn message")
	if !strings.Contains(buf.String(), "WARN") {
		t.Error("Warn message should be logged")
	}

	buf.Reset()
	logger.Error("error message")
	if !strings.Contains(buf.String(), "ERROR") {
		t.Error("Error message should be logged")
	}
}

func TestAppLogger_LogFormatting(t *testing.T) {
	var buf bytes.Buffer
	logger := newAppLogger(&buf, LevelDebug)

	logger.Info("Test message with %s", "formatting")

	output := buf.String()

	if !strings.Contains(output, time.Now().Format("2006/01/02")) {
		t.Error("Log should contain date in YYYY/MM/DD format")
	}
	if !strings.Contains(output, "INFO") {
		t.Error("Log should contain level indicator")
	}
	if !strings.Contains(output, "Test message with formatting") {
		t.Error("Log should contain formatted message")
	}
	if !strings.Contains(output, "logger_test.go") {
		t.Errorf("Log should contain caller, got %q", output)
	}
}

func TestAppLogger_SetOutputReachesNamedLoggers(t *testing.T) {
	var buf bytes.Buffer
	logger := newAppLogger(&bytes.Buffer{}, LevelInfo)
	named := logger.base.Named("process").Sugar()

	logger.SetOutput(&buf)
	named.Infof("launched pid %d", 42)

	if !strings.Contains(buf.String(), "process") || !strings.Contains(buf.String(), "launched pid 42") {
		t.Errorf("named logger output = %q", buf.String())
	}
}

func TestDefaultLogConfig(t *testing.T) {
	if defaultMaxFileSize != 5*1024*1024 {
		t.Errorf("defaultMaxFileSize = %v, want 5MB", defaultMaxFileSize)
	}

	if defaultMaxBackups != 5 {
		t.Errorf("defaultMaxBackups = %v, want 5", defaultMaxBackups)
	}
}

func TestGetConfigDir(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	dir, err := GetConfigDir()
	if err != nil {
		t.Fatalf("GetConfigDir() error = %v", err)
	}

	if !strings.HasSuffix(dir, ConfigDirName) {
		t.Errorf("GetConfigDir() = %v, should end with %v", dir, ConfigDirName)
	}
}

func TestFileExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "present")
	if err := os.WriteFile(path, nil, 0600); err != nil {
		t.Fatal(err)
	}

	if !FileExists(path) {
		t.Error("FileExists() should return true for existing file")
	}
	if FileExists("/nonexistent/path/to/file") {
		t.Error("FileExists() should return false for non-existing file")
	}
}

func TestWriteFileAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")

	if err := WriteFileAtomic(path, []byte("a: 1\n"), 0600); err != nil {
		t.Fatalf("WriteFileAtomic() error = %v", err)
	}
	if err := WriteFileAtomic(path, []byte("a: 2\n"), 0600); err != nil {
		t.Fatalf("WriteFileAtomic() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "a: 2\n" {
		t.Errorf("content = %q, want %q", data, "a: 2\n")
	}
	info, _ := os.Stat(path)
	if info.Mode().Perm() != 0600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestLogRotation(t *testing.T) {
	tempDir := t.TempDir()
	logFile := filepath.Join(tempDir, "test.log")

	largeContent := strings.Repeat("x", 1024*1024)
	if err := os.WriteFile(logFile, []byte(largeContent), 0600); err != nil {
		t.Fatal(err)
	}

	logger := newAppLogger(&bytes.Buffer{}, LevelInfo)
	logger.maxFileSize = 512 * 1024
	logger.maxBackups = 2

	logger.rotateIfNeeded(logFile)

	info, err := os.Stat(logFile)
	if err == nil && info.Size() > 0 {
		t.Error("Original log file should be removed or empty after rotation")
	}

	matches, _ := filepath.Glob(filepath.Join(tempDir, "test.log.*"))
	if len(matches) == 0 {
		t.Error("Backup file should be created after rotation")
	}
}
