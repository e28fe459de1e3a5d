package ring

import (
	"fmt"

	"github.com/c2h5oh/datasize"

	"github.com/riftcoprocessor/cmdq/internal/opcode"
)

// DefaultRegionSize follows the same datasize.ByteSize sizing idiom used
// elsewhere in the engine's configuration; 4KB is 1024 words, room for
// roughly 960 single-word commands before the sentinel forces a JUMP.
const DefaultRegionSize = 4 * datasize.KB

// Config controls the sizing of one priority class's pair of regions.
type Config struct {
	// RegionSize is the size, in bytes, of each of the two regions for
	// this priority class. Must be word-aligned and large enough to hold
	// at least one maximal-length command plus the JUMP that follows it.
	RegionSize datasize.ByteSize `yaml:"region_size"`
}

func (c Config) withDefaults() Config {
	if c.RegionSize == 0 {
		c.RegionSize = DefaultRegionSize
	}
	return c
}

func (c Config) wordCount() uint32 {
	if c.RegionSize%4 != 0 {
		panic(fmt.Sprintf("ring: region size %s is not 4-byte aligned", c.RegionSize))
	}
	words := uint32(c.RegionSize / 4)
	// +2 so a maximal command still leaves room for the JUMP opcode's own
	// two words at the sentinel.
	if words <= opcode.MaxCommandWords+2 {
		panic(fmt.Sprintf("ring: region size %s too small to hold a command plus a jump", c.RegionSize))
	}
	return words
}
