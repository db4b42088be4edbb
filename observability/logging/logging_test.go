package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetupRenamesCoreKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := setup(&buf, "dexcrowd", "test", slog.LevelInfo)
	logger.Debug("hidden")
	logger.Info("ledger call", "module", "escrow")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "INFO", line["severity"])
	require.Equal(t, "ledger call", line["message"])
	require.Equal(t, "dexcrowd", line["service"])
	require.Equal(t, "test", line["env"])
	require.Contains(t, line, "timestamp")
}

func TestSetupWithFileWritesRotatedCopy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dexcrowd.log")
	logger, closer := SetupWithFile("dexcrowd", "", ParseLevel("warn"), FileConfig{Path: path})
	logger.Warn("paused")
	require.NoError(t, closer.Close())
	require.FileExists(t, path)
}

func TestMaskField(t *testing.T) {
	require.Equal(t, RedactedValue, MaskField("passphrase", "hunter2").Value.String())
	require.Equal(t, "escrow", MaskField("Module", "escrow").Value.String())
	require.Equal(t, "", MaskField("secret", "").Value.String())
	require.Contains(t, RedactionAllowlist(), "kind")
	require.Equal(t, slog.LevelError, ParseLevel("ERROR"))
	require.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}
