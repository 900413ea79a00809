package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogDataRendersKeyValuePairs(t *testing.T) {
	var buf bytes.Buffer
	log, err := New().FromBuffer(&buf).WithLevel(zerolog.DebugLevel).Make()
	require.NoError(t, err)

	log.Info("order created", "session", "s1", "total", 30000)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "order created", line["message"])
	assert.Equal(t, "s1", line["session"])
	assert.Equal(t, float64(30000), line["total"])
}

func TestLogDataSkipsNonStringKeys(t *testing.T) {
	var buf bytes.Buffer
	log, err := New().FromBuffer(&buf).Make()
	require.NoError(t, err)

	log.Warn("odd args", 42, "ignored", "state", "CONNECTED")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "CONNECTED", line["state"])
	assert.NotContains(t, line, "42")
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log, err := New().FromBuffer(&buf).WithLevel(zerolog.WarnLevel).Make()
	require.NoError(t, err)

	log.Debug("noise")
	log.Info("also noise")
	assert.Zero(t, buf.Len())

	log.Error("real")
	assert.NotZero(t, buf.Len())
}

func TestNopDiscardsEverything(t *testing.T) {
	log := Nop()
	// Must not panic with any argument shape.
	log.Error("e", "k")
	log.Warn("w")
	log.Info("i", "k", "v")
	log.Debug("d", 1, 2, 3)
}
