package main

import (
	"fmt"
	"os"

	"github.com/flightsw/leoncore/internal/bootcfg"
)

// defaultBoardTOML is the board descriptor used when no -config path is
// given: a two-CPU board with one RAM region and a routed pair of
// SpaceWire links, enough to exercise every wired subsystem without
// external input.
const defaultBoardTOML = `
cpus = 2
tick_period_min_ns = 0
pages_release_max = 4

[[mem_region]]
name = "ram0"
start = 0x40000000
end = 0x50000000
page_size = 4096

[[spw_link]]
name = "spw0"
node_addr = 1
clock_div_start = 62
clock_div_run = 4
mtu = 4096
route_to = "spw1"
auto_drop_n = 64

[[spw_link]]
name = "spw1"
node_addr = 2
clock_div_start = 62
clock_div_run = 4
mtu = 4096
`

// loadBoardConfig reads the board descriptor at path, or falls back to
// defaultBoardTOML when path is empty.
func loadBoardConfig(path string) (*bootcfg.Config, error) {
	if path == "" {
		return bootcfg.Load([]byte(defaultBoardTOML))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("leoncored: read board config: %w", err)
	}
	return bootcfg.Load(data)
}
