package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/streva/streva/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.LoggingConfig{
		Level:  "info",
		Format: "json",
	}

	logger := NewLoggerWithWriter(cfg, &buf)
	logger.Info("test message", slog.String("key", "value"))

	output := buf.String()
	assert.Contains(t, output, "test message")
	assert.Contains(t, output, `"key":"value"`)

	// Verify it's valid JSON
	var parsed map[string]any
	err := json.Unmarshal([]byte(output), &parsed)
	require.NoError(t, err)
}

func TestNewLogger_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.LoggingConfig{
		Level:  "info",
		Format: "text",
	}

	logger := NewLoggerWithWriter(cfg, &buf)
	logger.Info("test message", slog.String("key", "value"))

	output := buf.String()
	assert.Contains(t, output, "test message")
	assert.Contains(t, output, "key=value")
}

func TestNewLogger_Levels(t *testing.T) {
	tests := []struct {
		name        string
		configLevel string
		logLevel    slog.Level
		shouldLog   bool
	}{
		{"debug logs at debug level", "debug", slog.LevelDebug, true},
		{"debug logs at info level", "debug", slog.LevelInfo, true},
		{"info does not log debug", "info", slog.LevelDebug, false},
		{"info logs at info level", "info", slog.LevelInfo, true},
		{"warn does not log info", "warn", slog.LevelInfo, false},
		{"warn logs at warn level", "warn", slog.LevelWarn, true},
		{"error does not log warn", "error", slog.LevelWarn, false},
		{"error logs at error level", "error", slog.LevelError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			cfg := config.LoggingConfig{
				Level:  tt.configLevel,
				Format: "json",
			}

			logger := NewLoggerWithWriter(cfg, &buf)
			logger.Log(context.Background(), tt.logLevel, "test")

			if tt.shouldLog {
				assert.NotEmpty(t, buf.String())
			} else {
				assert.Empty(t, buf.String())
			}
		})
	}
}

func TestNewLogger_AddSource(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.LoggingConfig{
		Level:     "info",
		Format:    "json",
		AddSource: true,
	}

	logger := NewLoggerWithWriter(cfg, &buf)
	logger.Info("test message")

	output := buf.String()
	assert.Contains(t, output, "source")
	assert.Contains(t, output, "logger_test.go")
}

func TestNewLogger_CustomTimeFormat(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.LoggingConfig{
		Level:      "info",
		Format:     "json",
		TimeFormat: "2006-01-02",
	}

	logger := NewLoggerWithWriter(cfg, &buf)
	logger.Info("test message")

	output := buf.String()
	// Should contain date in YYYY-MM-DD format
	today := time.Now().Format("2006-01-02")
	assert.Contains(t, output, today)
}

func TestNewLogger_UnknownFormatDefaultsToJSON(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.LoggingConfig{Level: "info", Format: "xml"}

	logger := NewLoggerWithWriter(cfg, &buf)
	logger.Info("test message")

	var parsed map[string]any
	err := json.Unmarshal(buf.Bytes(), &parsed)
	require.NoError(t, err)
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.LoggingConfig{Level: "info", Format: "json"}
	logger := NewLoggerWithWriter(cfg, &buf)

	loggerWithComp := WithComponent(logger, "streaming")
	loggerWithComp.Info("test")

	assert.Contains(t, buf.String(), `"component":"streaming"`)
}

func TestWithError(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.LoggingConfig{Level: "info", Format: "json"}
	logger := NewLoggerWithWriter(cfg, &buf)

	loggerWithErr := WithError(logger, errors.New("something went wrong"))
	loggerWithErr.Info("test")

	assert.Contains(t, buf.String(), `"error":"something went wrong"`)
}

func TestWithError_Nil(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.LoggingConfig{Level: "info", Format: "json"}
	logger := NewLoggerWithWriter(cfg, &buf)

	loggerWithErr := WithError(logger, nil)
	loggerWithErr.Info("test")

	// Should not contain error field when error is nil
	assert.NotContains(t, buf.String(), `"error"`)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo}, // default
		{"", slog.LevelInfo},        // default
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := parseLevel(tt.input)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestTimedOperation(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.LoggingConfig{Level: "info", Format: "json"}
	logger := NewLoggerWithWriter(cfg, &buf)

	ctx := context.Background()
	done := TimedOperation(ctx, logger, "test_operation")

	// Simulate some work
	time.Sleep(10 * time.Millisecond)

	done()

	output := buf.String()
	// Should have start log
	assert.True(t, strings.Contains(output, "operation started"))
	// Should have completion log
	assert.True(t, strings.Contains(output, "operation completed"))
	// Should have operation name
	assert.Contains(t, output, "test_operation")
	// Should have duration
	assert.Contains(t, output, "duration")
}
