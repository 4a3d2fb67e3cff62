package procnuma

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// CPUNodeMap maps a logical CPU number to the NUMA node it belongs to,
// loaded once from /sys/devices/system/node/node*/cpulist.
type CPUNodeMap map[int]int

// LoadCPUNodeMap builds a CPUNodeMap by scanning sysfs. On a non-NUMA
// kernel (no /sys/devices/system/node directory) it returns an empty map
// and no error: every lookup against it then simply finds nothing,
// degrading the real-node cross-check to a no-op rather than failing.
func LoadCPUNodeMap() (CPUNodeMap, error) {
	nodeDirs, err := filepath.Glob("/sys/devices/system/node/node[0-9]*")
	if err != nil {
		return nil, errors.Wrap(err, "procnuma: glob node directories")
	}

	m := make(CPUNodeMap)
	for _, dir := range nodeDirs {
		node, err := strconv.Atoi(strings.TrimPrefix(filepath.Base(dir), "node"))
		if err != nil {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, "cpulist"))
		if err != nil {
			continue
		}
		for _, cpu := range parseCPUList(strings.TrimSpace(string(raw))) {
			m[cpu] = node
		}
	}
	return m, nil
}

// parseCPUList expands a cpulist like "0-3,8,10-11" into individual CPU
// numbers, skipping anything malformed rather than aborting.
func parseCPUList(s string) []int {
	var out []int
	if s == "" {
		return out
	}
	for _, part := range strings.Split(s, ",") {
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			loN, err1 := strconv.Atoi(lo)
			hiN, err2 := strconv.Atoi(hi)
			if err1 != nil || err2 != nil {
				continue
			}
			for c := loN; c <= hiN; c++ {
				out = append(out, c)
			}
		} else {
			n, err := strconv.Atoi(part)
			if err != nil {
				continue
			}
			out = append(out, n)
		}
	}
	return out
}

// NodeForCallingThread samples which NUMA node the calling OS thread is
// currently allowed to run on, via the lowest CPU in its affinity mask.
// This is explicitly a sample, not a guarantee: the scheduler is free to
// migrate the thread the instant after this call returns, and the core
// creates no threads of its own to pin (spec.md §3's RealNodeMismatch note
// in SPEC_FULL.md). Returns ok == false on any failure or unmapped CPU.
func NodeForCallingThread(m CPUNodeMap) (node int, ok bool) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return 0, false
	}
	for cpu := 0; cpu < unix.CPU_SETSIZE; cpu++ {
		if set.IsSet(cpu) {
			node, ok = m[cpu]
			return node, ok
		}
	}
	return 0, false
}
