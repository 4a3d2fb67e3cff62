// Package procnuma cross-references the profiler's simulated first-touch
// thread model against the kernel's own record of where memory actually
// landed, reading /proc/self/numa_maps in the bufio.Scanner, line-at-a-time
// style the teacher uses for cgroup's memory.stat (see cgroup.parseMemStat),
// and /proc/self/status via prometheus/procfs for a coarse RSS sanity
// check. Everything here is best-effort: a profiled process may not even be
// running on a NUMA machine, in which case every call degrades to "no
// mismatch found" rather than failing the run (spec.md §7, DESIGN.md).
package procnuma

import (
	"bufio"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Region is one VMA line of /proc/self/numa_maps: a starting address, its
// mempolicy, and how many resident pages landed on each NUMA node.
type Region struct {
	StartAddress uintptr
	Policy       string
	PagesByNode  map[int]uint64
}

// ParseNUMAMaps reads the kernel's /proc/self/numa_maps format: each line
// begins with a hex start address and a policy keyword, followed by
// whitespace-separated key=value attributes, of which the "N<node>=<pages>"
// ones are what this profiler cares about.
func ParseNUMAMaps(r io.Reader) ([]Region, error) {
	var regions []Region
	s := bufio.NewScanner(r)
	for s.Scan() {
		fields := strings.Fields(s.Text())
		if len(fields) < 2 {
			continue // blank or malformed line: skip rather than abort the whole scan
		}

		addr, err := strconv.ParseUint(fields[0], 16, 64)
		if err != nil {
			continue
		}

		region := Region{StartAddress: uintptr(addr), Policy: fields[1], PagesByNode: make(map[int]uint64)}
		for _, attr := range fields[2:] {
			if len(attr) < 2 || attr[0] != 'N' {
				continue
			}
			kv := strings.SplitN(attr[1:], "=", 2)
			if len(kv) != 2 {
				continue
			}
			node, err := strconv.Atoi(kv[0])
			if err != nil {
				continue
			}
			pages, err := strconv.ParseUint(kv[1], 10, 64)
			if err != nil {
				continue
			}
			region.PagesByNode[node] = pages
		}
		regions = append(regions, region)
	}
	if err := s.Err(); err != nil {
		return nil, errors.Wrap(err, "procnuma: scan numa_maps")
	}

	sort.Slice(regions, func(i, j int) bool { return regions[i].StartAddress < regions[j].StartAddress })
	return regions, nil
}

// Scan reads and parses path (typically "/proc/self/numa_maps"). Returning
// a nil slice with no error is valid: some kernels build without
// CONFIG_NUMA, in which case the file doesn't exist.
func Scan(path string) ([]Region, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "procnuma: open numa_maps")
	}
	defer f.Close()
	return ParseNUMAMaps(f)
}

// DominantNode finds the region of regions that is the immediate owner of
// addr (the region with the greatest start address not exceeding addr) and
// returns whichever node holds the most of its resident pages, the lowest
// node number winning a tie. ok is false when no region starts at or below
// addr, or the region lists no per-node pages.
func DominantNode(regions []Region, addr uintptr) (node int, ok bool) {
	idx := sort.Search(len(regions), func(i int) bool { return regions[i].StartAddress > addr }) - 1
	if idx < 0 {
		return 0, false
	}
	region := regions[idx]
	var best uint64
	found := false
	nodes := make([]int, 0, len(region.PagesByNode))
	for n := range region.PagesByNode {
		nodes = append(nodes, n)
	}
	sort.Ints(nodes)
	for _, n := range nodes {
		pages := region.PagesByNode[n]
		if !found || pages > best {
			best, node, found = pages, n, true
		}
	}
	return node, found
}
