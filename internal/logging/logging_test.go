package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetLoggingState() {
	Shutdown()

	mu.Lock()
	defer mu.Unlock()

	baseWriter = os.Stderr
	baseComponent = ""
	baseLogger = zerolog.New(baseWriter).With().Timestamp().Logger()
	log.Logger = baseLogger
	zerolog.TimeFieldFormat = defaultTimeFmt
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func TestInitJSONFormatSetsLevelAndComponent(t *testing.T) {
	t.Cleanup(resetLoggingState)

	Init(Config{Format: "json", Level: "debug", Component: "pulse-cloudstack"})

	mu.RLock()
	defer mu.RUnlock()

	assert.Equal(t, os.Stderr, baseWriter)
	assert.Equal(t, "pulse-cloudstack", baseComponent)
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"":         zerolog.InfoLevel,
		"INFO":     zerolog.InfoLevel,
		"debug":    zerolog.DebugLevel,
		"warning":  zerolog.WarnLevel,
		"error":    zerolog.ErrorLevel,
		"disabled": zerolog.Disabled,
		"bogus":    zerolog.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLevel(in), "level %q", in)
	}
}

func TestInitWritesToFile(t *testing.T) {
	t.Cleanup(resetLoggingState)

	path := filepath.Join(t.TempDir(), "nested", "pulse-cloudstack.log")
	Init(Config{Format: "json", Level: "info", FilePath: path})

	log.Info().Str("probe", "value").Msg("File output works")
	Shutdown()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"probe":"value"`)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, logFilePerm, info.Mode().Perm())
}

func TestOpenLogFileRejectsDirectory(t *testing.T) {
	dir := t.TempDir()
	_, err := openLogFile(dir)
	require.Error(t, err)
}

func TestWithTickIDAttachesIDToLogger(t *testing.T) {
	t.Cleanup(resetLoggingState)

	var buf bytes.Buffer
	mu.Lock()
	baseLogger = zerolog.New(&buf)
	mu.Unlock()

	ctx, logger := WithTickID(context.Background())
	id := TickID(ctx)
	require.NotEmpty(t, id)

	logger.Info().Msg("tick")
	FromContext(ctx).Info().Msg("from context")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	for _, line := range lines {
		var event map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &event))
		assert.Equal(t, id, event["tick_id"])
	}
}

func TestFromContextFallsBackToBaseLogger(t *testing.T) {
	t.Cleanup(resetLoggingState)

	var buf bytes.Buffer
	mu.Lock()
	baseLogger = zerolog.New(&buf)
	mu.Unlock()

	FromContext(context.Background()).Info().Msg("base")
	assert.Contains(t, buf.String(), `"message":"base"`)
	assert.Empty(t, TickID(context.Background()))
}
