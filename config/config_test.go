package config_test

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/workercore/config"
)

func TestDefaultMatchesDocumentedDefaults(t *testing.T) {
	t.Parallel()

	cfg := config.Default()

	assert.Equal(t, 0, cfg.Coordinator.SubtaskMaxRetries)
	assert.True(t, cfg.Coordinator.EnableKillSlot)
	assert.Equal(t, 600*time.Second, cfg.Coordinator.DataPrepareTimeout)
	assert.Equal(t, 1, cfg.Band.SlotCount)
	assert.Equal(t, int64(4*1024*1024), cfg.Combine.CombineSizeBytes)
}

func TestLoadWithNoFileUsesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestLoadFromFileOverridesDefaults(t *testing.T) {
	t.Parallel()

	content := `
coordinator:
  subtask_max_retries: 4
  enable_kill_slot: false
band:
  slot_count: 8
`
	tmpDir := t.TempDir()
	tmpFile, err := os.CreateTemp(tmpDir, "worker-*.yaml")
	require.NoError(t, err)
	_, writeErr := tmpFile.WriteString(content)
	require.NoError(t, writeErr)
	require.NoError(t, tmpFile.Close())

	cfg, loadErr := config.Load(tmpFile.Name())
	require.NoError(t, loadErr)

	assert.Equal(t, 4, cfg.Coordinator.SubtaskMaxRetries)
	assert.False(t, cfg.Coordinator.EnableKillSlot)
	assert.Equal(t, 8, cfg.Band.SlotCount)
	// Untouched fields keep their defaults.
	assert.Equal(t, 600*time.Second, cfg.Coordinator.DataPrepareTimeout)
}

func TestLoadFromEnvironmentOverridesDefaults(t *testing.T) {
	t.Setenv("WORKERCORE_COORDINATOR_SUBTASK_MAX_RETRIES", "7")
	t.Setenv("WORKERCORE_BAND_SLOT_COUNT", "3")

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Coordinator.SubtaskMaxRetries)
	assert.Equal(t, 3, cfg.Band.SlotCount)
}

func TestValidateRejectsNonPositiveTimeouts(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Coordinator.DataPrepareTimeout = 0
	require.ErrorIs(t, cfg.Validate(), config.ErrInvalidDataPrepareTimeout)

	cfg = config.Default()
	cfg.Band.SlotCount = 0
	require.ErrorIs(t, cfg.Validate(), config.ErrInvalidSlotCount)
}
