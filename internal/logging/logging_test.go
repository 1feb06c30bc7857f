package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name    string
		want    slog.Level
		enabled bool
		wantErr bool
	}{
		{"none", 0, false, false},
		{"error", slog.LevelError, true, false},
		{"warn", slog.LevelWarn, true, false},
		{"info", slog.LevelInfo, true, false},
		{"", slog.LevelInfo, true, false},
		{"debug", slog.LevelDebug, true, false},
		{"trace", 0, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			level, enabled, err := ParseLevel(tt.name)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, level)
			assert.Equal(t, tt.enabled, enabled)
		})
	}
}

func TestNewHandler_JSON(t *testing.T) {
	var buf bytes.Buffer
	h, err := NewHandler(&buf, Options{Level: "warn", Format: "json"})
	require.NoError(t, err)

	logger := slog.New(h)
	logger.Info("relay: dropped")
	logger.Warn("relay: clamping", "frame_size", 100)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "relay: clamping", entry["msg"])
	assert.EqualValues(t, 100, entry["frame_size"])
}

func TestNewHandler_None(t *testing.T) {
	h, err := NewHandler(os.Stdout, Options{Level: "none"})
	require.NoError(t, err)
	assert.False(t, h.Enabled(context.Background(), slog.LevelError))
	assert.False(t, h.Enabled(context.Background(), slog.LevelError+8))
}

func TestNewHandler_BadFormat(t *testing.T) {
	_, err := NewHandler(os.Stdout, Options{Format: "xml"})
	assert.ErrorContains(t, err, "log format")
}

func TestConfigure_File(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	path := filepath.Join(t.TempDir(), "overlayd.log")
	f, err := Configure(Options{Level: "info", Format: "text", File: path})
	require.NoError(t, err)
	require.NotNil(t, f)

	slog.Info("overlayd: started", "instance_id", "panel")
	require.NoError(t, f.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "instance_id=panel")
}

func TestConfigure_Stdout(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	f, err := Configure(Options{Level: "debug"})
	require.NoError(t, err)
	assert.Nil(t, f)
	assert.True(t, slog.Default().Enabled(context.Background(), slog.LevelDebug))
}
