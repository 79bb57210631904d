package logger

import (
	"bytes"
	"testing"

	"signal-hub/src/models"

	"github.com/stretchr/testify/assert"
)

func TestLoggerRespectsConfiguredLevel(t *testing.T) {
	l := NewLogger(&models.MConfig{LogLevel: "WARNING"}, "Test")
	var buf bytes.Buffer
	l.SetOutput(&buf)

	l.Info("hidden %d", 1)
	l.Debug("hidden %d", 2)
	l.Warning("shown %d", 3)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[Test] WARNING: shown 3")
}

func TestNamedSharesOutputAndLevel(t *testing.T) {
	l := NewLogger(nil, "Root")
	var buf bytes.Buffer
	l.SetOutput(&buf)
	l.SetLevel(LevelDebug)

	child := l.Named("Child")
	child.Debug("hello")

	assert.Contains(t, buf.String(), "[Child] DEBUG: hello")
}

func TestCriticalExits(t *testing.T) {
	l := NewLogger(nil, "Root")
	var buf bytes.Buffer
	l.SetOutput(&buf)

	code := -1
	l.exit = func(c int) { code = c }
	l.Critical("boom")

	assert.Equal(t, 1, code)
	assert.Contains(t, buf.String(), "CRITICAL: boom")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelWarning, ParseLevel("WARN"))
	assert.Equal(t, LevelInfo, ParseLevel(""))
	assert.Equal(t, LevelInfo, ParseLevel("verbose"))
}
