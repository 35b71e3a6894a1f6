package engine

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
}

func TestConfigValidate_RejectsBadSections(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Scheduler.MaxBatchSize = 0
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = DefaultConfig()
	cfg.KVCache.HeadDim = -1
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = DefaultConfig()
	cfg.Sampling.TopP = 2
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidSamplingParams)
}

func TestKVCacheConfig_DefaultBlockSize(t *testing.T) {
	cfg := KVCacheConfig{NumLayers: 1, NumHeads: 1, HeadDim: 1, MaxTotalTokens: 32}
	assert.Equal(t, 16, cfg.withDefaults().BlockSize)
}

func TestEngineConfig_DefaultIdleBackoff(t *testing.T) {
	cfg := EngineConfig{}
	assert.Equal(t, 10*time.Millisecond, cfg.withDefaults().IdleBackoff)
}

func TestLoadConfig_ReadsYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte(`
scheduler:
  max_batch_size: 8
kv_cache:
  num_layers: 4
  num_heads: 2
  head_dim: 32
  max_total_tokens: 256
  block_size: 8
engine:
  eos_token_id: 2
sampling:
  temperature: 0.7
  top_k: 40
  top_p: 0.9
  repetition_penalty: 1.1
  seed: 5
`)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Scheduler.MaxBatchSize)
	assert.Equal(t, 4, cfg.KVCache.NumLayers)
	assert.Equal(t, 8, cfg.KVCache.BlockSize)
	assert.Equal(t, 2, cfg.Engine.EOSTokenID)
	assert.InDelta(t, 0.7, float64(cfg.Sampling.Temperature), 1e-6)
	assert.Equal(t, 40, cfg.Sampling.TopK)
	assert.Equal(t, int64(5), cfg.Sampling.Seed)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadConfig_InvalidValuesRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scheduler:\n  max_batch_size: -3\n"), 0o644))

	_, err := LoadConfig(path)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoadConfig_MalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{not yaml"), 0o644))

	_, err := LoadConfig(path)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
