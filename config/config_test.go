package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsWithoutConfigFile(t *testing.T) {
	t.Setenv("HDTN_MY_NODE_ID", "7")
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, uint64(7), cfg.MyNodeID)
	require.Equal(t, "INFO", cfg.Logging.Level)
	require.Equal(t, 1<<24, cfg.MaxBundleSizeBytes)
}

func TestLoadRejectsMissingRequiredField(t *testing.T) {
	_, err := Load("")
	require.Error(t, err, "my_node_id is required and has no default")
}

func TestLoadReadsYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hdtn.yaml")
	require.NoError(t, os.WriteFile(path, []byte("my_node_id: 42\nmax_bundle_size_bytes: 2048\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, uint64(42), cfg.MyNodeID)
	require.Equal(t, 2048, cfg.MaxBundleSizeBytes)
}

func TestLoadRejectsUnknownInductProtocol(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hdtn.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
my_node_id: 1
inducts:
  - name: bad
    protocol: carrier-pigeon
    address: ":0"
`), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}
