package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
transfer:
  local_dir: /data
  remote_dir: backup/data
  backend: memory
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/backup/data", cfg.Transfer.RemoteDir)
	assert.Equal(t, 24, cfg.Transfer.MaxConnections)
	assert.Equal(t, 22, cfg.Transfer.Workers())
	assert.Equal(t, 4, cfg.Transfer.PreloadMultiplier)
	assert.EqualValues(t, 10_000, cfg.Transfer.MinBlockSize)
	assert.Equal(t, filepath.Join(os.TempDir(), ToolName), cfg.Transfer.ScratchDir)
	assert.Equal(t, 4096, cfg.Cache.DirCacheSize)
	assert.Equal(t, 10*time.Minute, cfg.Cache.DirCacheTTLDuration)
	assert.Equal(t, "stderr", cfg.System.LogDestination)
	assert.Nil(t, cfg.Crypto.GetAESKey())
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing bucket", "transfer:\n  backend: s3\n"},
		{"unknown backend", "transfer:\n  backend: ftp\n"},
		{"bad ttl", "transfer:\n  backend: memory\ncache:\n  dir_cache_ttl: soon\n"},
		{"negative attempts", "transfer:\n  backend: memory\n  max_attempts: -1\n"},
		{"crypto without password", "transfer:\n  backend: memory\ncrypto:\n  enable: true\n"},
		{"bad yaml", "transfer: [\n"},
	}
	for _, test := range tests {
		_, err := LoadConfig(writeConfig(t, test.body))
		assert.Error(t, err, test.name)
	}
}

func TestWorkersFloor(t *testing.T) {
	tc := TransferConfig{MaxConnections: 1}
	assert.Equal(t, 1, tc.Workers())
}

func TestGetAESKey(t *testing.T) {
	c := CryptoConfig{Enable: true, Password: "secret"}
	key := c.GetAESKey()
	assert.Len(t, key, 32)
	assert.Equal(t, key, c.GetAESKey())
}
