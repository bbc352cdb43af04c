//go:build darwin

package device

import (
	"os/exec"

	"golang.org/x/sys/unix"
)

// vmStatMemory queries host memory through vm_stat and sysctl. On Apple
// silicon the same pool backs Metal devices.
type vmStatMemory struct{}

func platformHostMemory() HostMemory {
	return vmStatMemory{}
}

func platformUnifiedMemory() HostMemory {
	return vmStatMemory{}
}

func (vmStatMemory) Available() (uint64, error) {
	out, err := exec.Command("vm_stat").Output()
	if err != nil {
		return 0, &PlatformQueryError{Op: "vm_stat", Err: err}
	}
	n, err := parseVMStat(string(out))
	if err != nil {
		return 0, &PlatformQueryError{Op: "parse vm_stat", Err: err}
	}
	return n, nil
}

func (vmStatMemory) Total() (uint64, error) {
	n, err := unix.SysctlUint64("hw.memsize")
	if err == nil {
		return n, nil
	}
	out, cerr := exec.Command("sysctl", "hw.memsize").Output()
	if cerr != nil {
		return 0, &PlatformQueryError{Op: "sysctl hw.memsize", Err: cerr}
	}
	n, perr := parseSysctlMemsize(string(out))
	if perr != nil {
		return 0, &PlatformQueryError{Op: "sysctl hw.memsize", Err: perr}
	}
	return n, nil
}
