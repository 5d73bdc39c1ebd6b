/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLogfAdapter_JSON(t *testing.T) {
	var buf bytes.Buffer
	cfg := NewDefaultConfig()
	cfg.Level = LevelWarn
	logger, closeFn := newTestLogger(cfg, &buf)
	logger.With(String("component", "cache")).Warn("eviction", Int("evicted", 3), Error(errors.New("full")))
	logger.Info("ignored")
	logger.Errorf("limiter %s failed", "users")
	closeFn()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	require.Equal(t, "eviction", entry["msg"])
	require.Equal(t, "cache", entry["component"])
	require.EqualValues(t, 3, entry["evicted"])
	require.Equal(t, "full", entry["error"])

	require.NoError(t, json.Unmarshal([]byte(lines[1]), &entry))
	require.Equal(t, "limiter users failed", entry["msg"])
}

func TestNewLogger_FileOutput(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Output = OutputFile
	cfg.File.Path = filepath.Join(t.TempDir(), "test-{{pid}}.log")

	logger, closeFn := NewLogger(cfg)
	logger.Info("hello", Bool("ok", true))
	closeFn()

	data, err := os.ReadFile(resolvePlaceholders(cfg.File.Path))
	require.NoError(t, err)
	require.Contains(t, string(data), `"msg":"hello"`)
}

func TestOrDisabled(t *testing.T) {
	require.NotNil(t, OrDisabled(nil))
	l := NewDisabledLogger()
	require.Same(t, l, OrDisabled(l))
	l.Debugf("nothing %d", 1)
}

func newTestLogger(cfg *Config, buf *bytes.Buffer) (FieldLogger, CloseFunc) {
	return newWithAppender(cfg, makeAppenderWithWriter(cfg, buf))
}
