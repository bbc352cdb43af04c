package device

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

const kibiByte = 1024

// parseMeminfo reads MemTotal and MemAvailable from /proc/meminfo
// content. Kernels without MemAvailable fall back to free+buffers+cached.
func parseMeminfo(r io.Reader) (total, available uint64, err error) {
	var free, buffers, cached uint64
	var haveAvailable bool
	s := bufio.NewScanner(r)
	for s.Scan() {
		fields := strings.Fields(s.Text())
		if len(fields) < 2 {
			continue
		}
		key := strings.TrimSuffix(fields[0], ":")
		var dst *uint64
		switch key {
		case "MemTotal":
			dst = &total
		case "MemAvailable":
			dst = &available
			haveAvailable = true
		case "MemFree":
			dst = &free
		case "Buffers":
			dst = &buffers
		case "Cached":
			dst = &cached
		default:
			continue
		}
		v, perr := strconv.ParseUint(fields[1], 10, 64)
		if perr != nil {
			return 0, 0, fmt.Errorf("parse %s: %w", key, perr)
		}
		*dst = v * kibiByte
	}
	if err := s.Err(); err != nil {
		return 0, 0, err
	}
	if total == 0 {
		return 0, 0, errors.New("MemTotal not found")
	}
	if !haveAvailable {
		available = free + buffers + cached
	}
	return total, available, nil
}

// parseVMStat computes (free + inactive) pages times the page size from
// the output of the darwin vm_stat tool.
func parseVMStat(out string) (uint64, error) {
	var free, inactive, pageSize uint64
	var haveFree, haveInactive bool
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "Mach Virtual Memory Statistics:"):
			start := strings.Index(line, "of ")
			end := strings.Index(line, " bytes)")
			if start < 0 || end < start {
				return 0, fmt.Errorf("malformed vm_stat header %q", line)
			}
			v, err := strconv.ParseUint(line[start+len("of "):end], 10, 64)
			if err != nil {
				return 0, fmt.Errorf("parse page size: %w", err)
			}
			pageSize = v
		case strings.HasPrefix(line, "Pages free:"):
			v, err := vmStatPages(line)
			if err != nil {
				return 0, err
			}
			free, haveFree = v, true
		case strings.HasPrefix(line, "Pages inactive:"):
			v, err := vmStatPages(line)
			if err != nil {
				return 0, err
			}
			inactive, haveInactive = v, true
		}
	}
	if pageSize == 0 || !haveFree || !haveInactive {
		return 0, errors.New("vm_stat output missing page size or page counts")
	}
	return (free + inactive) * pageSize, nil
}

func vmStatPages(line string) (uint64, error) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return 0, fmt.Errorf("malformed vm_stat line %q", line)
	}
	v, err := strconv.ParseUint(strings.TrimSuffix(fields[2], "."), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", line, err)
	}
	return v, nil
}

// parseSysctlMemsize accepts either "hw.memsize: N" or a bare number.
func parseSysctlMemsize(out string) (uint64, error) {
	s := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(out), "hw.memsize:"))
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse hw.memsize: %w", err)
	}
	return v, nil
}

func readUint64File(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
}
