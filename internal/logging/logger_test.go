package logging

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"", zerolog.InfoLevel},
		{"info", zerolog.InfoLevel},
		{"2", zerolog.DebugLevel},
		{"3", zerolog.TraceLevel},
		{"DEBUG", zerolog.DebugLevel},
		{"warn", zerolog.WarnLevel},
		{"off", zerolog.Disabled},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: zerolog.InfoLevel, Format: "json", Output: &buf})
	log.Debug().Msg("hidden")
	log.Info().Int("decoder", 1).Msg("decoded frame size")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"decoder":1`)
	assert.Contains(t, buf.String(), `"message":"decoded frame size"`)
}

func TestNewFromEnv(t *testing.T) {
	t.Setenv("VIDPLANE_LOG_LEVEL", "3")
	t.Setenv("VIDPLANE_LOG_FORMAT", "json")
	log := NewFromEnv()
	assert.Equal(t, zerolog.TraceLevel, log.GetLevel())
}

func TestReportTeesOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.txt")
	r, err := OpenReport(path)
	require.NoError(t, err)
	assert.Equal(t, path, r.Path())

	var console bytes.Buffer
	log := r.Logger(Config{Level: zerolog.InfoLevel, Format: "json", Output: &console})
	log.Info().Str("scenario", "1-decode").Msg("scenario finished")
	_, err = r.Writer().Write([]byte("1-decode: PASS\n"))
	require.NoError(t, err)
	require.NoError(t, r.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "scenario finished")
	assert.Contains(t, string(data), "1-decode: PASS")
	assert.Contains(t, console.String(), "scenario finished")
}

func TestContextLogger(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithContext(context.Background(), New(Config{Level: zerolog.InfoLevel, Format: "json", Output: &buf}))
	ctx = WithComponent(ctx, "discover")
	FromContext(ctx).Info().Msg("hello")
	assert.Contains(t, buf.String(), `"component":"discover"`)

	assert.NotPanics(t, func() { FromContext(context.Background()).Info().Msg("dropped") })
}
