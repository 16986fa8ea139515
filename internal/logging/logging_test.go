package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// withCapture temporarily points the singleton at a buffer and restores the
// previous logger when the test completes.
func withCapture(t *testing.T) *bytes.Buffer {
	t.Helper()
	prev := singleton.Load()
	var buf bytes.Buffer
	singleton.Store(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { singleton.Store(prev) })
	return &buf
}

func TestLogLevels(t *testing.T) {
	buf := withCapture(t)

	tests := []struct {
		name     string
		logFn    func()
		contains string
	}{
		{"Debug", func() { Debug("debug msg") }, "debug msg"},
		{"Debugf", func() { Debugf("debug %s", "formatted") }, "debug formatted"},
		{"Debugw", func() { Debugw("debug kv", "key", "val") }, "debug kv"},
		{"Info", func() { Info("info msg") }, "info msg"},
		{"Infof", func() { Infof("info %s", "formatted") }, "info formatted"},
		{"Infow", func() { Infow("info kv", "key", "val") }, "info kv"},
		{"Warn", func() { Warn("warn msg") }, "warn msg"},
		{"Error", func() { Error("error msg") }, "error msg"},
		{"Errorw", func() { Errorw("error kv", "key", "val") }, "error kv"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			tt.logFn()
			assert.True(t, strings.Contains(buf.String(), tt.contains), "expected log to contain %q, got %q", tt.contains, buf.String())
		})
	}
}

func TestWithFieldsAttachesStructuredContext(t *testing.T) {
	buf := withCapture(t)
	WithFields("request_id", "abc123").Info("handled request")
	require.Contains(t, buf.String(), "request_id=abc123")
}

func TestConfigureSwitchesFormat(t *testing.T) {
	var buf bytes.Buffer
	Configure(slog.LevelInfo, &buf, true)
	t.Cleanup(func() { Configure(slog.LevelInfo, nil, true) })

	Info("json line")
	require.Contains(t, buf.String(), `"msg":"json line"`)
}
