package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", DebugLevel, false},
		{" WARN ", WarnLevel, false},
		{"", InfoLevel, false},
		{"trace", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestInitJSONWithContext(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	logger := WithComponent("queue")
	logger.Info().Str("work_item_id", "w-1").Msg("processed")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "queue", entry["component"])
	assert.Equal(t, "w-1", entry["work_item_id"])
	assert.Equal(t, "processed", entry["message"])
	assert.Equal(t, "info", entry["level"])
}

func TestInitLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: ErrorLevel, JSONOutput: true, Output: &buf})
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	logger := WithTaskID("t-1")
	logger.Info().Msg("ignored")
	assert.Zero(t, buf.Len())

	logger.Error().Msg("kept")
	assert.Contains(t, buf.String(), `"task_id":"t-1"`)
}

func TestWorkItemContext(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, JSONOutput: true, Output: &buf})

	logger := WorkItemContext(WithComponent("queue"), "w-7", "grant_role", 2)
	logger.Warn().Msg("Work item failed, will retry")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "queue", entry["component"])
	assert.Equal(t, "w-7", entry["work_item_id"])
	assert.Equal(t, "grant_role", entry["type"])
	assert.EqualValues(t, 2, entry["attempts"])
}

func TestInitUnknownLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "verbose", JSONOutput: true, Output: &buf})

	Logger.Debug().Msg("hidden")
	assert.Zero(t, buf.Len())
	Logger.Info().Msg("shown")
	assert.NotZero(t, buf.Len())
}
