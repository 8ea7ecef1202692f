// Package bootcfg describes the board bring-up a boot image performs
// before handing control to the core: the physical memory regions backing
// the buddy pools (spec.md §2 "a boot image constructs the buddy pools"),
// the CPU count, and the SpaceWire links to bring up. It is the
// configuration analogue of the boot-time physical memory probe spec.md
// §1 names as an out-of-scope external collaborator: on real hardware the
// probe discovers this information, here (and under test) it is declared.
package bootcfg

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// MemRegion is one physical range to register with the page map, per
// spec.md §4.2's PageMap.add(start, end, page_size).
type MemRegion struct {
	Name      string `toml:"name"`
	Start     uint64 `toml:"start"`
	End       uint64 `toml:"end"`
	PageSize  uint32 `toml:"page_size"`
	Reserved  bool   `toml:"reserved"` // carved out with reserve_chunk instead of page_alloc
}

// SpWLink describes one SpaceWire core to configure at boot (spec.md §4.8
// core_init parameters).
type SpWLink struct {
	Name       string `toml:"name"`
	NodeAddr   uint8  `toml:"node_addr"`
	ClockDivS  uint8  `toml:"clock_div_start"`
	ClockDivR  uint8  `toml:"clock_div_run"`
	MTU        uint32 `toml:"mtu"`
	RouteTo    string `toml:"route_to"`    // paired core name, for routing mode; empty if none
	AutoDropN  uint32 `toml:"auto_drop_n"` // 0 disables auto-drop
}

// Config is the full board descriptor loaded at boot.
type Config struct {
	CPUs             int         `toml:"cpus"`
	TickPeriodMinNs  int64       `toml:"tick_period_min_ns"` // 0: cmd/leoncored uses a fixed 1 ms floor
	PagesReleaseMax  uint32      `toml:"pages_release_max"`
	MemRegions       []MemRegion `toml:"mem_region"`
	SpWLinks         []SpWLink   `toml:"spw_link"`
}

// Load parses a TOML board descriptor.
func Load(data []byte) (*Config, error) {
	var c Config
	if _, err := toml.Decode(string(data), &c); err != nil {
		return nil, fmt.Errorf("bootcfg: decode: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the structural invariants of spec.md §3/§4 that are
// cheap to check before any pool is constructed from this config.
func (c *Config) Validate() error {
	if c.CPUs <= 0 {
		return fmt.Errorf("bootcfg: cpus must be positive, got %d", c.CPUs)
	}
	seen := map[string]bool{}
	for _, r := range c.MemRegions {
		if r.End <= r.Start {
			return fmt.Errorf("bootcfg: region %q has end <= start", r.Name)
		}
		if r.PageSize == 0 || r.PageSize&(r.PageSize-1) != 0 {
			return fmt.Errorf("bootcfg: region %q page_size must be a power of two", r.Name)
		}
		if seen[r.Name] {
			return fmt.Errorf("bootcfg: duplicate region name %q", r.Name)
		}
		seen[r.Name] = true
	}
	linkNames := map[string]bool{}
	for _, l := range c.SpWLinks {
		linkNames[l.Name] = true
	}
	for _, l := range c.SpWLinks {
		if l.RouteTo != "" && !linkNames[l.RouteTo] {
			return fmt.Errorf("bootcfg: spw_link %q routes to unknown link %q", l.Name, l.RouteTo)
		}
	}
	return nil
}
