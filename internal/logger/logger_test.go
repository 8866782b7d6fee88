package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitWithWriterTextFormat(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "info", "text")

	Info("hello", KeyUsername, "alice")

	out := buf.String()
	assert.Contains(t, out, "hello")
	assert.Contains(t, out, "username=alice")
}

func TestInitWithWriterJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "info", "json")

	Warn("reload failed", KeyPath, "/tmp/users.toml")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "reload failed", entry["msg"])
	assert.Equal(t, "/tmp/users.toml", entry["path"])
	assert.Equal(t, "WARN", entry["level"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "warn", "text")

	Debug("invisible")
	Info("also invisible")
	Error("visible")

	out := buf.String()
	assert.NotContains(t, out, "invisible")
	assert.Contains(t, out, "visible")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
	}{
		{"debug", false},
		{"INFO", false},
		{"warning", false},
		{"error", false},
		{"verbose", true},
		{"", true},
	}

	for _, tt := range tests {
		_, err := parseLevel(tt.input)
		if tt.wantErr {
			assert.Error(t, err, tt.input)
		} else {
			assert.NoError(t, err, tt.input)
		}
	}
}

func TestInitRejectsUnknownLevel(t *testing.T) {
	err := Init(Config{Level: "chatty"})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "chatty"))
}
