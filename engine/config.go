// engine/config.go
//
// Construction parameters grouped per subsystem. All configuration flows
// through these structs; there is no global state, so one process may host
// multiple engines.

package engine

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SchedulerConfig groups scheduler parameters.
type SchedulerConfig struct {
	MaxBatchSize int `yaml:"max_batch_size"`
}

// KVCacheConfig groups KV cache geometry. TotalBlocks is derived as
// ceil(MaxTotalTokens / BlockSize).
type KVCacheConfig struct {
	NumLayers      int `yaml:"num_layers"`
	NumHeads       int `yaml:"num_heads"`
	HeadDim        int `yaml:"head_dim"`
	MaxTotalTokens int `yaml:"max_total_tokens"`
	BlockSize      int `yaml:"block_size"` // default 16
}

func (c KVCacheConfig) withDefaults() KVCacheConfig {
	if c.BlockSize == 0 {
		c.BlockSize = 16
	}
	return c
}

// Validate checks the cache geometry.
func (c KVCacheConfig) Validate() error {
	if c.NumLayers < 1 {
		return fmt.Errorf("%w: num_layers %d < 1", ErrInvalidConfig, c.NumLayers)
	}
	if c.NumHeads < 1 {
		return fmt.Errorf("%w: num_heads %d < 1", ErrInvalidConfig, c.NumHeads)
	}
	if c.HeadDim < 1 {
		return fmt.Errorf("%w: head_dim %d < 1", ErrInvalidConfig, c.HeadDim)
	}
	if c.MaxTotalTokens < 1 {
		return fmt.Errorf("%w: max_total_tokens %d < 1", ErrInvalidConfig, c.MaxTotalTokens)
	}
	if c.BlockSize < 1 {
		return fmt.Errorf("%w: block_size %d < 1", ErrInvalidConfig, c.BlockSize)
	}
	return nil
}

// EngineConfig groups engine-loop parameters.
type EngineConfig struct {
	// IdleBackoff bounds the sleep when a tick finds no work. Default 10ms.
	IdleBackoff time.Duration `yaml:"idle_backoff"`
	// EOSTokenID terminates a request when emitted. Negative disables.
	EOSTokenID int `yaml:"eos_token_id"`
	// EnableEviction switches AllocatorOOM handling from reject to
	// evict-oldest-decoding-and-retry.
	EnableEviction bool `yaml:"enable_eviction"`
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.IdleBackoff == 0 {
		c.IdleBackoff = 10 * time.Millisecond
	}
	return c
}

// Config aggregates the construction parameters for one engine instance.
type Config struct {
	Scheduler SchedulerConfig `yaml:"scheduler"`
	KVCache   KVCacheConfig   `yaml:"kv_cache"`
	Engine    EngineConfig    `yaml:"engine"`
	Sampling  SamplingParams  `yaml:"sampling"`
}

// DefaultConfig returns a usable single-engine configuration.
func DefaultConfig() Config {
	return Config{
		Scheduler: SchedulerConfig{MaxBatchSize: 32},
		KVCache: KVCacheConfig{
			NumLayers:      12,
			NumHeads:       12,
			HeadDim:        64,
			MaxTotalTokens: 16384,
			BlockSize:      16,
		},
		Engine: EngineConfig{
			IdleBackoff: 10 * time.Millisecond,
			EOSTokenID:  -1,
		},
		Sampling: DefaultSamplingParams(),
	}
}

// Validate checks every section.
func (c Config) Validate() error {
	if c.Scheduler.MaxBatchSize < 1 {
		return fmt.Errorf("%w: max_batch_size %d < 1", ErrInvalidConfig, c.Scheduler.MaxBatchSize)
	}
	if err := c.KVCache.withDefaults().Validate(); err != nil {
		return err
	}
	return c.Sampling.Validate()
}

// LoadConfig reads a YAML config file on top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
