package log

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit(t *testing.T) {
	originalLogger := logger
	defer func() {
		logger = originalLogger
	}()

	t.Run("JSONFormat", func(t *testing.T) {
		err := Init(Config{Level: "debug", Format: "json", Output: "stdout"})
		require.NoError(t, err)

		_, ok := logger.Formatter.(*logrus.JSONFormatter)
		assert.True(t, ok)
		assert.Equal(t, logrus.DebugLevel, logger.Level)
	})

	t.Run("TextFormat", func(t *testing.T) {
		err := Init(Config{Level: "warn", Format: "text", Output: "stdout"})
		require.NoError(t, err)

		_, ok := logger.Formatter.(*logrus.TextFormatter)
		assert.True(t, ok)
	})

	t.Run("InvalidLevelFallsBackToInfo", func(t *testing.T) {
		err := Init(Config{Level: "chatty", Format: "text", Output: "stdout"})
		require.NoError(t, err)
		assert.Equal(t, logrus.InfoLevel, logger.Level)
	})

	t.Run("FileOutput", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "logs", "inventory.log")

		err := Init(Config{
			Level:      "info",
			Format:     "text",
			Output:     "file",
			Filename:   logFile,
			MaxSize:    10,
			MaxAge:     7,
			MaxBackups: 3,
		})
		require.NoError(t, err)

		Info("stock reserved")

		content, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(content), "stock reserved")
	})
}

func TestLevelFiltering(t *testing.T) {
	originalLogger := logger
	defer func() {
		logger = originalLogger
	}()

	var buf bytes.Buffer
	require.NoError(t, Init(Config{Level: "error", Format: "text", Output: "stdout"}))
	SetOutput(&buf)

	Info("info message")
	Warn("warn message")
	assert.Empty(t, strings.TrimSpace(buf.String()))

	Errorf("error %d", 42)
	assert.Contains(t, buf.String(), "error 42")
}

func TestStructuredFields(t *testing.T) {
	originalLogger := logger
	defer func() {
		logger = originalLogger
	}()

	var buf bytes.Buffer
	logger = logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(&buf)

	t.Run("ForTenant", func(t *testing.T) {
		buf.Reset()
		ForTenant(7).WithField("sku_id", 11).Info("reserved")

		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, float64(7), entry["tenant_id"])
		assert.Equal(t, float64(11), entry["sku_id"])
		assert.Equal(t, "reserved", entry["msg"])
	})

	t.Run("ForComponent", func(t *testing.T) {
		buf.Reset()
		ForComponent("outbox-dispatcher").Warn("lease busy")

		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "outbox-dispatcher", entry["component"])
		assert.Equal(t, "warning", entry["level"])
	})

	t.Run("WithError", func(t *testing.T) {
		buf.Reset()
		WithError(assert.AnError).Error("dispatch failed")

		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, assert.AnError.Error(), entry["error"])
	})
}

func TestGetLoggerLazyInit(t *testing.T) {
	originalLogger := logger
	defer func() {
		logger = originalLogger
	}()

	logger = nil
	assert.NotNil(t, GetLogger())
}
