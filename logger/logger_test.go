package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLevel("DEBUG"))
	assert.Equal(t, zapcore.WarnLevel, parseLevel("warning"))
	assert.Equal(t, zapcore.ErrorLevel, parseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("bogus"))
}

func TestNewWritesJSON(t *testing.T) {
	out := filepath.Join(t.TempDir(), "log.json")
	l, err := New(Config{Level: "debug", Development: true, OutputPaths: []string{out}})
	require.NoError(t, err)

	l.With(String("job_id", "J1")).Info("stage advanced", String("stage", "downloading"))
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"job_id":"J1"`)
	assert.Contains(t, string(data), `"msg":"stage advanced"`)
}
