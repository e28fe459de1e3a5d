package engine

import (
	"fmt"
	"os"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"

	"github.com/riftcoprocessor/cmdq/common/logging"
	"github.com/riftcoprocessor/cmdq/internal/raster"
	"github.com/riftcoprocessor/cmdq/internal/ring"
)

// RasterConfig controls the sizing of the rasterizer feeder's two
// ping-pong buffers.
type RasterConfig struct {
	// BufferSize is the size, in bytes, of each of the feeder's two
	// buffers.
	BufferSize datasize.ByteSize `yaml:"buffer_size"`
}

func (c RasterConfig) withDefaults() RasterConfig {
	if c.BufferSize == 0 {
		c.BufferSize = datasize.ByteSize(raster.DefaultBufferWords * 4)
	}
	return c
}

func (c RasterConfig) wordCount() uint32 {
	if c.BufferSize%4 != 0 {
		panic(fmt.Sprintf("engine: raster buffer size %s is not 4-byte aligned", c.BufferSize))
	}
	return uint32(c.BufferSize / 4)
}

// Config is the engine's full configuration: the ambient logging setup
// plus every subsystem's sizing knobs.
type Config struct {
	Logging logging.Config `yaml:"logging"`

	// Normal is the normal-priority ring's region sizing.
	Normal ring.Config `yaml:"normal_ring"`
	// HighPri is the high-priority ring's region sizing.
	HighPri ring.Config `yaml:"highpri_ring"`
	// Raster is the rasterizer feeder's buffer sizing.
	Raster RasterConfig `yaml:"raster"`

	// SyncpointQueueDepth bounds how many fired syncpoint callbacks may
	// be pending for the drain goroutine at once.
	SyncpointQueueDepth int `yaml:"syncpoint_queue_depth"`

	// Strict, if set, makes the validator panic immediately on a
	// crash-class diagnostic instead of only recording it.
	Strict bool `yaml:"strict"`
}

// LoadConfig reads and decodes a YAML config file, applying defaults to
// anything left unset.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("engine: failed to open config: %w", err)
	}
	defer f.Close()

	cfg := new(Config)
	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, fmt.Errorf("engine: failed to decode config: %w", err)
	}
	cfg.SetDefaults()
	return cfg, nil
}

// SetDefaults fills in zero-valued fields with the engine's defaults.
// LoadConfig calls this automatically; callers building a Config by hand
// (e.g. in tests) must call it themselves.
func (c *Config) SetDefaults() {
	c.Raster = c.Raster.withDefaults()
	if c.SyncpointQueueDepth == 0 {
		c.SyncpointQueueDepth = 64
	}
}
