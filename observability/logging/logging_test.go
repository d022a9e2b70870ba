package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetupEmitsStructuredJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := SetupWithOptions("cawnode", "test", Options{Level: "debug", Output: &buf})
	Component(logger, "actions").Debug("batch processed", slog.Int("accepted", 3))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "DEBUG", line["severity"])
	require.Equal(t, "batch processed", line["message"])
	require.Equal(t, "cawnode", line["service"])
	require.Equal(t, "test", line["env"])
	require.Equal(t, "actions", line["component"])
	require.Contains(t, line, "timestamp")
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelWarn, ParseLevel("WARNING"))
	require.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestSensitiveValuesAreMasked(t *testing.T) {
	var buf bytes.Buffer
	logger := SetupWithOptions("cawnode", "", Options{Output: &buf})
	logger.Info("rpc configured",
		slog.String("jwtSecret", "hunter2"),
		slog.String("Authorization", "Bearer abc"),
		slog.String("secretEnv", ""),
		slog.String("listen", "0.0.0.0:8080"))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, RedactedValue, line["jwtSecret"])
	require.Equal(t, RedactedValue, line["Authorization"])
	require.Equal(t, "", line["secretEnv"])
	require.Equal(t, "0.0.0.0:8080", line["listen"])
	require.NotContains(t, line, "env")
}
