package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devblac/event-relay/internal/config"
)

func TestSampleConfigIsValid(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, writeSample(filepath.Join(dir, "config.yaml"), sampleConfig, false))
	require.NoError(t, writeSample(filepath.Join(dir, ".env"), sampleEnv, false))

	cfg, err := config.Load(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)
	t.Cleanup(func() {
		os.Unsetenv("RPC_URL")
		os.Unsetenv("WEBHOOK_SECRET")
	})

	var out bytes.Buffer
	assert.Zero(t, validateEvents(&out, cfg), out.String())
	assert.Contains(t, out.String(), "Listed(address,uint256,address,uint256)")
}

func TestWriteSampleRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, writeSample(path, "a", false))

	err := writeSample(path, "b", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--force")

	require.NoError(t, writeSample(path, "b", true))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "b", string(data))
}
