package bootcfg

import "testing"

const sample = `
cpus = 2
tick_period_min_ns = 0
pages_release_max = 4

[[mem_region]]
name = "boot-ram"
start = 0x40000000
end = 0x50000000
page_size = 4096

[[spw_link]]
name = "link0"
node_addr = 1
mtu = 4096
route_to = "link1"

[[spw_link]]
name = "link1"
node_addr = 2
mtu = 4096
`

func TestLoadValid(t *testing.T) {
	c, err := Load([]byte(sample))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.CPUs != 2 {
		t.Fatalf("cpus = %d, want 2", c.CPUs)
	}
	if len(c.MemRegions) != 1 || c.MemRegions[0].End != 0x50000000 {
		t.Fatalf("unexpected mem regions: %+v", c.MemRegions)
	}
	if len(c.SpWLinks) != 2 || c.SpWLinks[0].RouteTo != "link1" {
		t.Fatalf("unexpected spw links: %+v", c.SpWLinks)
	}
}

func TestLoadRejectsBadRegion(t *testing.T) {
	_, err := Load([]byte(`
cpus = 1
[[mem_region]]
name = "bad"
start = 100
end = 50
page_size = 4096
`))
	if err == nil {
		t.Fatal("expected error for end <= start")
	}
}

func TestLoadRejectsUnknownRouteTarget(t *testing.T) {
	_, err := Load([]byte(`
cpus = 1
[[spw_link]]
name = "link0"
node_addr = 1
mtu = 4096
route_to = "ghost"
`))
	if err == nil {
		t.Fatal("expected error for unknown route_to target")
	}
}
