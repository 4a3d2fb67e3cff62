package procnuma

import (
	"github.com/pkg/errors"
	"github.com/prometheus/procfs"
)

// SelfResidentBytes reads the calling process's resident set size from
// /proc/self/status via prometheus/procfs (its VmRSS field). No other
// package in this module calls it; the report does not include this figure.
func SelfResidentBytes() (uint64, error) {
	proc, err := procfs.Self()
	if err != nil {
		return 0, errors.Wrap(err, "procnuma: open /proc/self")
	}
	status, err := proc.NewStatus()
	if err != nil {
		return 0, errors.Wrap(err, "procnuma: read status")
	}
	return status.VmRSS, nil
}
