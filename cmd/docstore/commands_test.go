package docstore

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestConfigCommand(t *testing.T) {
	out, err := run(t, "config", "--backend", "memory", "--cluster-id", "4")
	require.NoError(t, err)
	assert.Contains(t, out, "cluster_id: 4")
	assert.Contains(t, out, "type: memory")
	assert.Contains(t, out, "async_delay: 1s")
}

func TestBoltWorkflow(t *testing.T) {
	db := filepath.Join(t.TempDir(), "nodes.db")

	out, err := run(t, "sync", "--backend", "bolt", "--backend-path", db, "--cluster-id", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "cluster node 1 synced")

	out, err = run(t, "journal", "ls", "--backend", "bolt", "--backend-path", db, "--cluster-id", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "1 entries")

	out, err = run(t, "cluster", "ls", "--backend", "bolt", "--backend-path", db)
	require.NoError(t, err)
	assert.Contains(t, out, "cluster_id: 1")
	assert.Contains(t, out, "state: NONE")

	out, err = run(t, "recover", "1", "--backend", "bolt", "--backend-path", db)
	require.NoError(t, err)
	assert.Contains(t, out, "recovered 0 documents")

	// entries must be strictly older than the cutoff
	time.Sleep(5 * time.Millisecond)
	out, err = run(t, "gc", "--max-age", "0s", "--backend", "bolt", "--backend-path", db)
	require.NoError(t, err)
	assert.Contains(t, out, "removed 1 journal entries")

	_, err = run(t, "recover", "9", "--backend", "bolt", "--backend-path", db)
	assert.Error(t, err)
}
