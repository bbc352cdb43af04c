//go:build linux

package device

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// procMemory reads /proc/meminfo and honours cgroup v2 limits.
type procMemory struct {
	meminfo   string
	cgroupDir string
}

func platformHostMemory() HostMemory {
	return &procMemory{meminfo: "/proc/meminfo", cgroupDir: "/sys/fs/cgroup"}
}

func platformUnifiedMemory() HostMemory {
	return nil
}

func (p *procMemory) read() (total, available uint64, err error) {
	f, err := os.Open(p.meminfo)
	if err != nil {
		return p.sysinfo()
	}
	defer f.Close()
	total, available, err = parseMeminfo(f)
	if err != nil {
		return 0, 0, &PlatformQueryError{Op: "parse " + p.meminfo, Err: err}
	}
	if p.cgroupDir == "" {
		return total, available, nil
	}
	// memory.max reads "max" when unlimited, which fails to parse and is ignored.
	if limit, err := readUint64File(filepath.Join(p.cgroupDir, "memory.max")); err == nil && limit < total {
		total = limit
		if used, err := readUint64File(filepath.Join(p.cgroupDir, "memory.current")); err == nil {
			if used >= limit {
				available = 0
			} else {
				available = min(available, limit-used)
			}
		}
	}
	return total, available, nil
}

func (p *procMemory) sysinfo() (uint64, uint64, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, 0, &PlatformQueryError{Op: "sysinfo", Err: err}
	}
	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	return uint64(info.Totalram) * unit, (uint64(info.Freeram) + uint64(info.Bufferram)) * unit, nil
}

func (p *procMemory) Available() (uint64, error) {
	_, available, err := p.read()
	return available, err
}

func (p *procMemory) Total() (uint64, error) {
	total, _, err := p.read()
	return total, err
}
